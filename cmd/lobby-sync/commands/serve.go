package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/anatoly-dev/lobby-sync/internal/service"
	"github.com/anatoly-dev/lobby-sync/pkg/api"
	"github.com/anatoly-dev/lobby-sync/pkg/catalog"
	"github.com/anatoly-dev/lobby-sync/pkg/config"
	"github.com/anatoly-dev/lobby-sync/pkg/handlers"
	"github.com/anatoly-dev/lobby-sync/pkg/kafka"
	"github.com/anatoly-dev/lobby-sync/pkg/metrics"
	"github.com/anatoly-dev/lobby-sync/pkg/notifications"
	"github.com/anatoly-dev/lobby-sync/pkg/redis"
	"github.com/anatoly-dev/lobby-sync/pkg/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const systemMetricsInterval = 15 * time.Second

type Application struct {
	configPath      string
	cfg             *config.Config
	logger          *zap.Logger
	instanceID      string
	registry        *prometheus.Registry
	metrics         *metrics.Metrics
	metricsHandler  *metrics.MetricsHandler
	wsManager       *websocket.Manager
	apiClient       *api.Client
	store           *notifications.Store
	cache           *catalog.Cache
	coordinator     *catalog.Coordinator
	kafkaConsumer   *kafka.Consumer
	redisSubscriber *redis.Subscriber
	syncService     *service.SyncService
	eventService    *service.EventService
	router          http.Handler
	server          *service.Server
	stopCollectors  context.CancelFunc
}

func NewApplication(configPath string) *Application {
	return &Application{
		configPath: configPath,
		instanceID: uuid.New().String(),
	}
}

func (a *Application) Init() error {
	if err := a.initConfig(); err != nil {
		return err
	}

	if err := a.initLogger(); err != nil {
		return err
	}

	a.logger.Info("Starting lobby sync",
		zap.String("instanceID", a.instanceID),
		zap.String("version", "1.0.0"))

	a.initMetrics()
	a.initWebsocket()
	a.initCatalog()

	if err := a.initKafka(); err != nil {
		return err
	}

	a.initServices()

	if err := a.initRedis(); err != nil {
		return err
	}

	a.initHandlers()
	a.initServer()

	return nil
}

func (a *Application) initConfig() error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	a.cfg = cfg
	return nil
}

func (a *Application) initLogger() error {
	logger, err := config.NewLogger(&a.cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	a.logger = logger.With(zap.String("instanceID", a.instanceID))
	return nil
}

func (a *Application) initMetrics() {
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.metrics = metrics.NewMetrics(a.cfg.Metrics.Namespace, a.registry)
	a.metricsHandler = metrics.NewMetricsHandler(a.metrics, a.registry, a.logger)

	ctx, cancel := context.WithCancel(context.Background())
	a.stopCollectors = cancel
	go a.metricsHandler.CollectSystemMetrics(ctx, systemMetricsInterval)
}

func (a *Application) initWebsocket() {
	a.wsManager = websocket.NewManager(&a.cfg.Connection, a.logger)
	a.wsManager.SetMetrics(&a.metrics.Connection)

	a.wsManager.OnStateChange(func(change websocket.StateChange) {
		fields := []zap.Field{
			zap.String("from", string(change.From)),
			zap.String("to", string(change.To)),
			zap.Int("attempt", change.Attempt),
		}
		if change.Err != nil {
			fields = append(fields, zap.Error(change.Err))
		}
		a.logger.Info("Push channel state changed", fields...)
	})
	a.wsManager.SetDefaultHandler(func(event string, _ json.RawMessage) {
		a.logger.Debug("Ignoring unhandled push event", zap.String("event", event))
	})
}

func (a *Application) initCatalog() {
	a.apiClient = api.NewClient(&a.cfg.Catalog, a.logger)

	a.store = notifications.NewStore(a.logger)
	a.store.SetMetrics(&a.metrics.Notification)

	a.cache = catalog.NewCache(catalog.WithDefaultLimit(a.cfg.Catalog.PageSize))
	a.cache.SetMetrics(&a.metrics.Catalog)

	a.coordinator = catalog.NewCoordinator(a.cache, a.cfg.Catalog.TTL, a.logger)
	a.coordinator.SetMetrics(&a.metrics.Catalog)
}

func (a *Application) initKafka() error {
	if !a.cfg.Kafka.Enabled {
		a.logger.Info("Kafka catalog events disabled")
		return nil
	}

	kafkaConsumer, err := kafka.NewConsumer(&a.cfg.Kafka, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create Kafka consumer: %w", err)
	}
	kafkaConsumer.SetMetrics(&a.metrics.Kafka)
	a.kafkaConsumer = kafkaConsumer
	return nil
}

func (a *Application) initServices() {
	a.syncService = service.NewSyncService(a.wsManager, a.apiClient, a.store, a.cache, a.coordinator, a.logger)
	a.syncService.SetMetrics(&a.metrics.Catalog)

	a.eventService = service.NewEventService(a.kafkaConsumer, a.syncService, a.logger)
}

func (a *Application) initRedis() error {
	if !a.cfg.Redis.Enabled {
		a.logger.Info("Redis catalog events disabled")
		return nil
	}

	subscriber, err := redis.NewSubscriber(&a.cfg.Redis, a.eventService.HandleRedisEvent, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create Redis subscriber: %w", err)
	}
	a.redisSubscriber = subscriber
	return nil
}

func (a *Application) initHandlers() {
	a.router = handlers.NewRouter(a.syncService, a.metricsHandler, &a.cfg.Server, a.logger)
}

func (a *Application) initServer() {
	a.server = service.NewServer(a.router, a.eventService, a.syncService, a.logger, &a.cfg.Server)
}

func (a *Application) Run() error {
	if a.cfg.Session.Token != "" {
		a.logger.Info("Raising auth signal from configured session token")
		a.syncService.SetAuthenticated(true, a.cfg.Session.Token)
	}
	return a.server.Start()
}

func (a *Application) Stop() {
	if a.stopCollectors != nil {
		a.stopCollectors()
	}
	if a.redisSubscriber != nil {
		a.redisSubscriber.Close()
	}
	if a.coordinator != nil {
		a.coordinator.Close()
	}
	if a.logger != nil {
		a.logger.Sync()
	}
}

func NewServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the lobby sync service",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := NewApplication(configPath)
			if err := app.Init(); err != nil {
				return err
			}
			defer app.Stop()
			return app.Run()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	return cmd
}
