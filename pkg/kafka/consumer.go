package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anatoly-dev/lobby-sync/pkg/config"
	"github.com/anatoly-dev/lobby-sync/pkg/metrics"
	"github.com/anatoly-dev/lobby-sync/pkg/models"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

const (
	DefaultTopic = "catalog-updates"

	pollTimeoutMs    = 100
	watermarkTimeout = 5000
	stopTimeout      = 10 * time.Second
)

var ErrAlreadyRunning = errors.New("kafka consumer is already running")

type MessageHandler func(event *models.CatalogEvent) error

// Consumer reads catalog change events published by the admin backend. Offsets are stored
// only after a message was handled, so an invalidation is never skipped across restarts.
type Consumer struct {
	consumer *kafka.Consumer
	topics   []string
	logger   *zap.Logger
	metrics  *metrics.KafkaMetrics

	handlersMu sync.RWMutex
	handlers   map[string]MessageHandler

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewConsumer(cfg *config.KafkaConfig, logger *zap.Logger) (*Consumer, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":        cfg.BootstrapServers,
		"group.id":                 cfg.GroupID,
		"client.id":                "lobby-sync",
		"auto.offset.reset":        "latest",
		"enable.auto.commit":       true,
		"enable.auto.offset.store": false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	topics := cfg.Topics
	if len(topics) == 0 {
		topics = []string{DefaultTopic}
	}

	consumer := newConsumer(logger, topics)
	consumer.consumer = c
	return consumer, nil
}

func newConsumer(logger *zap.Logger, topics []string) *Consumer {
	return &Consumer{
		handlers: make(map[string]MessageHandler),
		logger:   logger,
		topics:   topics,
	}
}

func (c *Consumer) SetMetrics(metrics *metrics.KafkaMetrics) {
	c.metrics = metrics
}

// RegisterHandler binds a handler to a catalog event type.
func (c *Consumer) RegisterHandler(eventType string, handler MessageHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[eventType] = handler
}

func (c *Consumer) Start() error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	if err := c.consumer.SubscribeTopics(c.topics, nil); err != nil {
		c.running.Store(false)
		return fmt.Errorf("failed to subscribe to topics: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go c.pollLoop(ctx)

	c.logger.Info("Kafka consumer started", zap.Strings("topics", c.topics))
	return nil
}

// Stop ends the poll loop and closes the consumer, which commits stored offsets.
func (c *Consumer) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}

	c.cancel()
	if !waitTimeout(&c.wg, stopTimeout) {
		c.logger.Warn("Timeout waiting for Kafka poll loop to stop")
	}

	if err := c.consumer.Close(); err != nil {
		c.logger.Error("Error closing Kafka consumer", zap.Error(err))
	}
	c.logger.Info("Kafka consumer stopped")
}

func (c *Consumer) pollLoop(ctx context.Context) {
	defer c.wg.Done()

	for ctx.Err() == nil {
		switch e := c.consumer.Poll(pollTimeoutMs).(type) {
		case nil:
		case *kafka.Message:
			c.handleMessage(e)
			c.storeOffset(e)
			c.recordLag(e)
		case kafka.Error:
			if c.metrics != nil {
				c.metrics.KafkaErrors.WithLabelValues(e.Code().String()).Inc()
			}
			if e.IsFatal() {
				c.logger.Error("Fatal Kafka error, catalog events from Kafka stop here", zap.Error(e))
				return
			}
			c.logger.Warn("Kafka error", zap.Error(e), zap.String("code", e.Code().String()))
		}
	}
}

func (c *Consumer) storeOffset(msg *kafka.Message) {
	if _, err := c.consumer.StoreMessage(msg); err != nil {
		c.logger.Warn("Failed to store Kafka offset", zap.Error(err))
	}
}

func (c *Consumer) recordLag(msg *kafka.Message) {
	if c.metrics == nil || msg.TopicPartition.Topic == nil {
		return
	}
	topic := *msg.TopicPartition.Topic

	_, high, err := c.consumer.QueryWatermarkOffsets(topic, msg.TopicPartition.Partition, watermarkTimeout)
	if err != nil {
		return
	}
	partition := strconv.Itoa(int(msg.TopicPartition.Partition))
	c.metrics.ConsumerLag.WithLabelValues(topic, partition).Set(float64(high - int64(msg.TopicPartition.Offset) - 1))
}

// handleMessage decodes one record and hands it to the handler for its event type.
// Undecodable records are counted and skipped.
func (c *Consumer) handleMessage(msg *kafka.Message) {
	topic := ""
	if msg.TopicPartition.Topic != nil {
		topic = *msg.TopicPartition.Topic
	}

	if c.metrics != nil {
		c.metrics.MessagesProcessed.WithLabelValues(topic).Inc()
	}

	event, err := models.ParseCatalogEvent(msg.Value)
	if err != nil {
		if c.metrics != nil {
			c.metrics.DeserializeErrors.Inc()
		}
		c.logger.Warn("Failed to decode catalog event",
			zap.String("topic", topic),
			zap.Int32("partition", msg.TopicPartition.Partition),
			zap.Int64("offset", int64(msg.TopicPartition.Offset)),
			zap.Error(err))
		return
	}

	c.handlersMu.RLock()
	handler, ok := c.handlers[event.Type]
	c.handlersMu.RUnlock()

	if !ok {
		c.logger.Warn("No handler registered for catalog event type", zap.String("type", event.Type))
		return
	}

	if err := handler(&event); err != nil {
		c.logger.Error("Failed to handle catalog event", zap.Error(err), zap.String("type", event.Type))
	}
}

// waitTimeout reports whether wg finished within d.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
