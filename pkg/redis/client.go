package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/anatoly-dev/lobby-sync/pkg/config"
	"github.com/anatoly-dev/lobby-sync/pkg/models"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const DefaultChannel = "lobby:catalog:events"

type CatalogEventHandler func(event models.CatalogEvent)

// Subscriber listens on a pub/sub channel for out-of-band catalog invalidation signals.
type Subscriber struct {
	client  *redis.Client
	pubsub  *redis.PubSub
	channel string
	handler CatalogEventHandler
	logger  *zap.Logger
	wg      sync.WaitGroup
}

func NewSubscriber(cfg *config.RedisConfig, handler CatalogEventHandler, logger *zap.Logger) (*Subscriber, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	channel := cfg.Channel
	if channel == "" {
		channel = DefaultChannel
	}

	pubsub := client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so no publish after this point is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		client.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	s := &Subscriber{
		client:  client,
		pubsub:  pubsub,
		channel: channel,
		handler: handler,
		logger:  logger,
	}

	s.wg.Add(1)
	go s.subscribe()

	logger.Info("Subscribed to catalog events", zap.String("channel", channel))
	return s, nil
}

// Publish announces a catalog change to every subscriber of the channel.
func (s *Subscriber) Publish(ctx context.Context, event models.CatalogEvent) error {
	return publish(ctx, s.client, s.channel, event)
}

// PublishCatalogEvent sends a single event without subscribing. Used by operators to
// invalidate every running instance.
func PublishCatalogEvent(ctx context.Context, cfg *config.RedisConfig, event models.CatalogEvent) error {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	defer client.Close()

	channel := cfg.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	return publish(ctx, client, channel, event)
}

func publish(ctx context.Context, client *redis.Client, channel string, event models.CatalogEvent) error {
	if event.Type == "" {
		event.Type = models.EventCatalogUpdated
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal catalog event: %w", err)
	}
	if err := client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish catalog event: %w", err)
	}
	return nil
}

func (s *Subscriber) Close() error {
	s.logger.Info("Closing Redis subscriber")

	var pubsubErr, clientErr error

	if s.pubsub != nil {
		pubsubErr = s.pubsub.Close()
		if pubsubErr != nil {
			s.logger.Error("Error closing Redis pubsub", zap.Error(pubsubErr))
		}
	}

	s.wg.Wait()

	if s.client != nil {
		clientErr = s.client.Close()
		if clientErr != nil {
			s.logger.Error("Error closing Redis client", zap.Error(clientErr))
		}
	}

	if pubsubErr != nil {
		return pubsubErr
	}
	return clientErr
}

func (s *Subscriber) subscribe() {
	defer s.wg.Done()

	for msg := range s.pubsub.Channel() {
		s.handleRedisMessage(msg)
	}
}

func (s *Subscriber) handleRedisMessage(msg *redis.Message) {
	s.logger.Debug("Received Redis message",
		zap.String("channel", msg.Channel),
		zap.Int("payload_len", len(msg.Payload)))

	event, err := models.ParseCatalogEvent([]byte(msg.Payload))
	if err != nil {
		s.logger.Warn("Dropping malformed catalog event",
			zap.String("channel", msg.Channel),
			zap.Error(err))
		return
	}

	s.handler(event)
}
