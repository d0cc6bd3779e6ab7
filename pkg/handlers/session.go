package handlers

import (
	"net/http"

	"go.uber.org/zap"
)

type LoginRequest struct {
	Token string `json:"token" validate:"required"`
}

// SessionHandler raises and drops the auth signal that drives the push channel.
type SessionHandler struct {
	lobby  Lobby
	logger *zap.Logger
}

func NewSessionHandler(lobby Lobby, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{lobby: lobby, logger: logger}
}

func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	h.lobby.SetAuthenticated(true, req.Token)
	h.logger.Info("Session authenticated")

	writeJSON(w, http.StatusAccepted, h.lobby.Connection())
}

func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.lobby.SetAuthenticated(false, "")
	h.logger.Info("Session ended")

	writeJSON(w, http.StatusOK, MessageEnvelope{Message: "logged out"})
}
