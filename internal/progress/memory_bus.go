package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// MemoryBus is an in-process Bus. Each subscription owns a buffered channel
// drained by its own goroutine; when a subscriber falls behind by more than
// the buffer, new events for it are dropped rather than blocking publishers.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[uint64]*memorySubscription
	nextID uint64
	buffer int
	logger *slog.Logger
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates an in-process bus with the given per-subscriber buffer.
func NewMemoryBus(buffer int, logger *slog.Logger) *MemoryBus {
	if buffer <= 0 {
		buffer = 256
	}
	return &MemoryBus{
		subs:   make(map[uint64]*memorySubscription),
		buffer: buffer,
		logger: logger.With("component", "memory_progress_bus"),
	}
}

// Publish delivers ev to every current subscriber without blocking.
func (b *MemoryBus) Publish(_ context.Context, ev Event) error {
	if ev.Timestamp == 0 {
		ev.Timestamp = NewEvent(ev.SubjectKey, ev.Stage).Timestamp
	}
	if err := ev.Validate(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subs {
		select {
		case sub.events <- ev:
		default:
			b.logger.Warn("subscriber buffer full, dropping progress event",
				"subscription_id", id,
				"subject_key", ev.SubjectKey,
				"stage", ev.Stage)
		}
	}
	return nil
}

// Subscribe registers h. Registering the same function twice yields two
// independent subscriptions, each with its own handle.
func (b *MemoryBus) Subscribe(_ context.Context, h Handler) (Subscription, error) {
	if h == nil {
		return nil, fmt.Errorf("nil progress handler")
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	sub := &memorySubscription{
		id:     id,
		bus:    b,
		events: make(chan Event, b.buffer),
		done:   make(chan struct{}),
	}
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		defer close(sub.done)
		for ev := range sub.events {
			deliver(h, ev, b.logger)
		}
	}()

	return sub, nil
}

// SubscriberCount reports the number of live subscriptions.
func (b *MemoryBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

type memorySubscription struct {
	id        uint64
	bus       *MemoryBus
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		close(s.events)
		s.bus.mu.Unlock()
		<-s.done
	})
	return nil
}
