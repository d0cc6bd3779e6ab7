package handlers

import (
	"net/http"

	"github.com/anatoly-dev/lobby-sync/pkg/config"
	"github.com/anatoly-dev/lobby-sync/pkg/metrics"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// NewRouter builds the local HTTP surface over the sync service. metricsHandler may be nil.
func NewRouter(lobby Lobby, metricsHandler *metrics.MetricsHandler, cfg *config.ServerConfig, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(RequestLogger(logger))
	if metricsHandler != nil {
		r.Use(RequestMetrics(metricsHandler))
	}
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	healthH := NewHealthCheckHandler(lobby, logger)
	sessionH := NewSessionHandler(lobby, logger)
	notifH := NewNotificationHandler(lobby, logger)
	catalogH := NewCatalogHandler(lobby, logger)

	r.Get("/health", healthH.HandleHealthCheck)
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/session", sessionH.Login)
		r.Delete("/session", sessionH.Logout)
		r.Get("/connection", healthH.HandleConnection)

		r.Get("/notifications", notifH.List)
		r.Post("/notifications/read-all", notifH.MarkAllRead)
		r.Post("/notifications/{id}/read", notifH.MarkRead)

		r.Get("/catalog", catalogH.Get)
		r.Post("/catalog/filters", catalogH.SetFilters)
		r.Post("/catalog/refresh", catalogH.Refresh)
	})

	return r
}
