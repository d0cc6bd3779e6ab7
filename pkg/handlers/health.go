package handlers

import (
	"net/http"

	"github.com/anatoly-dev/lobby-sync/pkg/websocket"
	"go.uber.org/zap"
)

type HealthResponse struct {
	Status      string           `json:"status"`
	Connection  websocket.Status `json:"connection"`
	UnreadCount int              `json:"unreadCount"`
}

type HealthCheckHandler struct {
	lobby  Lobby
	logger *zap.Logger
}

func NewHealthCheckHandler(lobby Lobby, logger *zap.Logger) *HealthCheckHandler {
	return &HealthCheckHandler{
		lobby:  lobby,
		logger: logger,
	}
}

// HandleHealthCheck answers 503 once the push channel has exhausted its retry budget.
func (h *HealthCheckHandler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	conn := h.lobby.Connection()
	resp := HealthResponse{
		Status:      "ok",
		Connection:  conn,
		UnreadCount: h.lobby.Notifications().Unread,
	}

	h.logger.Debug("Health check",
		zap.String("state", string(conn.State)),
		zap.Bool("degraded", conn.Degraded))

	if conn.Degraded {
		resp.Status = "degraded"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleConnection reports the push channel status on its own.
func (h *HealthCheckHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.lobby.Connection())
}
