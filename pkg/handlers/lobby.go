package handlers

import (
	"context"

	"github.com/anatoly-dev/lobby-sync/internal/service"
	"github.com/anatoly-dev/lobby-sync/pkg/notifications"
	"github.com/anatoly-dev/lobby-sync/pkg/websocket"
)

// Lobby is the read and intent surface of the sync service exposed over HTTP.
type Lobby interface {
	SetAuthenticated(authenticated bool, credential string)
	Connection() websocket.Status
	Notifications() *notifications.Snapshot
	MarkRead(ctx context.Context, id string) bool
	MarkAllRead(ctx context.Context) int
	Catalog() *service.CatalogSnapshot
	SetFilters(ctx context.Context, patch service.FilterPatch) error
	Refresh(ctx context.Context) error
}

var _ Lobby = (*service.SyncService)(nil)
