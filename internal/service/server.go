package service

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anatoly-dev/lobby-sync/pkg/config"
	"go.uber.org/zap"
)

type Server struct {
	server       *http.Server
	handler      http.Handler
	eventService *EventService
	syncService  *SyncService
	logger       *zap.Logger
	cfg          *config.ServerConfig
}

func NewServer(
	handler http.Handler,
	eventService *EventService,
	syncService *SyncService,
	logger *zap.Logger,
	cfg *config.ServerConfig,
) *Server {
	return &Server{
		handler:      handler,
		eventService: eventService,
		syncService:  syncService,
		logger:       logger,
		cfg:          cfg,
	}
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	if err := s.eventService.Start(); err != nil {
		return fmt.Errorf("failed to start event service: %w", err)
	}

	go func() {
		s.logger.Info("Starting server", zap.Int("port", s.cfg.Port))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	return s.waitForShutdown()
}

func (s *Server) waitForShutdown() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	s.logger.Info("Received shutdown signal")

	shutdownTimeout := 30 * time.Second
	if s.cfg.ShutdownTimeout > 0 {
		shutdownTimeout = s.cfg.ShutdownTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down services", zap.Duration("timeout", shutdownTimeout))
	return s.Shutdown(ctx)
}

// Shutdown stops event intake, tears the push channel down and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.eventService.Stop()

	s.syncService.SetAuthenticated(false, "")
	s.drainSync(ctx)

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info("Server stopped gracefully")
	return nil
}

func (s *Server) drainSync(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.syncService.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Timeout waiting for background catalog work")
	}
}
