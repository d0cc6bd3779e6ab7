package handlers

import (
	"net/http"
	"strconv"

	"github.com/anatoly-dev/lobby-sync/pkg/models"
	"github.com/anatoly-dev/lobby-sync/pkg/notifications"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type NotificationHandler struct {
	lobby  Lobby
	logger *zap.Logger
}

func NewNotificationHandler(lobby Lobby, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{lobby: lobby, logger: logger}
}

type MarkAllReadResponse struct {
	Marked int `json:"marked"`
}

// List returns the current snapshot. With ?unread=true only unread records are listed.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	snap := h.lobby.Notifications()

	unreadOnly, _ := strconv.ParseBool(r.URL.Query().Get("unread"))
	if !unreadOnly {
		writeJSON(w, http.StatusOK, snap)
		return
	}

	items := make([]models.Notification, 0, snap.Unread)
	for _, n := range snap.Items {
		if !n.Read {
			items = append(items, n)
		}
	}
	writeJSON(w, http.StatusOK, notifications.Snapshot{
		Version: snap.Version,
		Items:   items,
		Unread:  snap.Unread,
	})
}

func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.lobby.MarkRead(r.Context(), id) {
		writeError(w, http.StatusNotFound, "notification not found or already read")
		return
	}
	writeJSON(w, http.StatusOK, MessageEnvelope{Message: "ok"})
}

func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	n := h.lobby.MarkAllRead(r.Context())
	h.logger.Debug("Marked all notifications read", zap.Int("count", n))
	writeJSON(w, http.StatusOK, MarkAllReadResponse{Marked: n})
}
