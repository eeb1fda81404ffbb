package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/chipster6/adaptive-routing-engine/internal/types"
)

// Config holds event bus settings.
type Config struct {
	// Queue capacity per subscriber
	BufferSize int `yaml:"buffer_size"`

	// Optional Redis export of all events for external consumers
	Redis RedisConfig `yaml:"redis"`
}

// DefaultConfig returns the bus settings used when none are given.
func DefaultConfig() Config {
	return Config{BufferSize: 256}
}

// Bus distributes coordination events to subscribers over bounded queues.
// Publish never blocks: when a subscriber's queue is full the oldest queued
// event is dropped to make room. A slow or disconnected subscriber can
// therefore never apply backpressure to route or recordOutcome.
type Bus struct {
	logger     *logrus.Logger
	bufferSize int

	mu          sync.RWMutex
	subscribers map[string]chan types.Event
	closed      bool

	published int64
	dropped   int64
}

// NewBus creates an event bus.
func NewBus(cfg Config, logger *logrus.Logger) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &Bus{
		logger:      logger,
		bufferSize:  cfg.BufferSize,
		subscribers: make(map[string]chan types.Event),
	}
}

// Subscribe registers a named subscriber and returns its event channel. The
// channel is closed on Unsubscribe or Close.
func (b *Bus) Subscribe(name string) <-chan types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.subscribers[name]; ok {
		return existing
	}
	ch := make(chan types.Event, b.bufferSize)
	b.subscribers[name] = ch

	b.logger.WithFields(logrus.Fields{
		"subscriber": name,
		"buffer":     b.bufferSize,
	}).Info("Event subscriber registered")
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[name]; ok {
		delete(b.subscribers, name)
		close(ch)
	}
}

// Publish delivers an event to every subscriber, best-effort. Missing ID and
// timestamp fields are filled in.
func (b *Bus) Publish(event types.Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	atomic.AddInt64(&b.published, 1)
	for name, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Queue full: drop the oldest event, then queue this one
			select {
			case <-ch:
				atomic.AddInt64(&b.dropped, 1)
				b.logger.WithField("subscriber", name).Debug("Event queue full, dropped oldest")
			default:
			}
			select {
			case ch <- event:
			default:
				atomic.AddInt64(&b.dropped, 1)
			}
		}
	}
}

// Stats returns the published and dropped counters.
func (b *Bus) Stats() (published, dropped int64) {
	return atomic.LoadInt64(&b.published), atomic.LoadInt64(&b.dropped)
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for name, ch := range b.subscribers {
		delete(b.subscribers, name)
		close(ch)
	}
}
