package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/chipster6/adaptive-routing-engine/internal/types"
)

// RedisConfig enables exporting bus events over Redis pub/sub so external
// error-handling systems and dashboards can consume them without linking
// the engine.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// RedisSink drains a bus subscription and publishes each event as JSON to a
// Redis channel. It runs entirely off the decision path: the bounded bus
// queue absorbs bursts and drops oldest when Redis is slow or down.
type RedisSink struct {
	client  *redis.Client
	channel string
	logger  *logrus.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisSink creates a sink for the given Redis endpoint.
func NewRedisSink(cfg RedisConfig, logger *logrus.Logger) *RedisSink {
	channel := cfg.Channel
	if channel == "" {
		channel = "routing-engine:events"
	}
	return &RedisSink{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		channel: channel,
		logger:  logger,
	}
}

// Attach subscribes the sink to the bus and starts the publish loop.
func (s *RedisSink) Attach(bus *Bus) {
	events := bus.Subscribe("redis-sink")

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, events)
	}()
}

func (s *RedisSink) run(ctx context.Context, events <-chan types.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				s.logger.WithError(err).Error("Failed to marshal event for Redis")
				continue
			}
			if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
				s.logger.WithFields(logrus.Fields{
					"channel": s.channel,
					"type":    event.Type,
				}).WithError(err).Warn("Failed to publish event to Redis")
			}
		}
	}
}

// Stop ends the publish loop and closes the Redis connection.
func (s *RedisSink) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if err := s.client.Close(); err != nil {
		s.logger.WithError(err).Warn("Failed to close Redis client")
	}
}
