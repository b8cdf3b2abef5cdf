package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel progress events are published on.
const DefaultChannel = "recipes:progress"

// RedisBus publishes and subscribes to progress events over Redis pub/sub.
type RedisBus struct {
	rdb     redis.UniversalClient
	channel string
	logger  *slog.Logger
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus creates a bus on the given channel. An empty channel selects
// DefaultChannel.
func NewRedisBus(rdb redis.UniversalClient, channel string, logger *slog.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{
		rdb:     rdb,
		channel: channel,
		logger:  logger.With("component", "progress_bus", "channel", channel),
	}
}

// Publish broadcasts ev. A zero timestamp is stamped with the current time.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	if ev.Timestamp == 0 {
		ev.Timestamp = NewEvent(ev.SubjectKey, ev.Stage).Timestamp
	}
	if err := ev.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode progress event: %w", err)
	}

	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish progress event: %w", err)
	}

	b.logger.Debug("progress event published",
		"subject_key", ev.SubjectKey,
		"stage", ev.Stage)
	return nil
}

// Subscribe registers h and starts a goroutine delivering events to it.
// It returns once the subscription is confirmed by the server, so events
// published after Subscribe returns are guaranteed to be observed.
func (b *RedisBus) Subscribe(ctx context.Context, h Handler) (Subscription, error) {
	if h == nil {
		return nil, fmt.Errorf("nil progress handler")
	}

	ps := b.rdb.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to progress channel: %w", err)
	}

	sub := &redisSubscription{
		pubsub: ps,
		done:   make(chan struct{}),
	}
	go sub.run(ps.Channel(), h, b.logger)

	b.logger.Debug("progress subscription started")
	return sub, nil
}

type redisSubscription struct {
	pubsub    *redis.PubSub
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (s *redisSubscription) run(ch <-chan *redis.Message, h Handler, logger *slog.Logger) {
	defer close(s.done)
	for msg := range ch {
		ev, err := Decode([]byte(msg.Payload))
		if err != nil {
			logger.Warn("dropping malformed progress message", "error", err)
			continue
		}
		deliver(h, ev, logger)
	}
}

func (s *redisSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.pubsub.Close()
		<-s.done
	})
	return s.closeErr
}

// deliver invokes h, containing any panic so one bad handler cannot stop the
// delivery goroutine.
func deliver(h Handler, ev Event, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("progress handler panicked",
				"panic", r,
				"subject_key", ev.SubjectKey,
				"stage", ev.Stage)
		}
	}()
	h(ev)
}
