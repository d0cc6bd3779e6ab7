package service

import (
	"github.com/anatoly-dev/lobby-sync/pkg/kafka"
	"github.com/anatoly-dev/lobby-sync/pkg/models"
	"go.uber.org/zap"
)

// EventService routes out-of-band catalog events from Kafka and Redis into the sync service.
type EventService struct {
	kafkaConsumer *kafka.Consumer
	sync          *SyncService
	logger        *zap.Logger
}

// NewEventService wires kafkaConsumer, which may be nil when Kafka is disabled.
func NewEventService(kafkaConsumer *kafka.Consumer, sync *SyncService, logger *zap.Logger) *EventService {
	service := &EventService{
		kafkaConsumer: kafkaConsumer,
		sync:          sync,
		logger:        logger,
	}

	service.registerMessageHandlers()

	return service
}

func (s *EventService) registerMessageHandlers() {
	if s.kafkaConsumer == nil {
		return
	}

	s.kafkaConsumer.RegisterHandler(models.EventCatalogUpdated, func(event *models.CatalogEvent) error {
		s.logger.Info("Handling catalog update from Kafka",
			zap.Bool("all", event.Filter == nil),
			zap.String("reason", event.Reason))

		s.sync.HandleCatalogEvent("kafka", *event)
		return nil
	})
}

// HandleRedisEvent is the Redis subscriber callback.
func (s *EventService) HandleRedisEvent(event models.CatalogEvent) {
	s.logger.Info("Handling catalog update from Redis",
		zap.Bool("all", event.Filter == nil),
		zap.String("reason", event.Reason))

	s.sync.HandleCatalogEvent("redis", event)
}

func (s *EventService) Start() error {
	s.logger.Info("Starting event service")
	if s.kafkaConsumer == nil {
		return nil
	}
	return s.kafkaConsumer.Start()
}

func (s *EventService) Stop() {
	s.logger.Info("Stopping event service")
	if s.kafkaConsumer != nil {
		s.kafkaConsumer.Stop()
	}
}
