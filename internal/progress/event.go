package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Event is a broadcast notification of a stage transition for a subject.
//
// SubjectKey travels as "url" on the wire: it is the source URL for scrape and
// extraction work and the server-assigned task id for invented recipes.
type Event struct {
	SubjectKey string `json:"url"`
	Stage      Stage  `json:"stage"`
	// Timestamp is milliseconds since the Unix epoch.
	Timestamp int64  `json:"timestamp"`
	Error     string `json:"error,omitempty"`
	RecipeID  int64  `json:"recipeId,omitempty"`
	UserID    string `json:"userId,omitempty"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(subjectKey string, stage Stage) Event {
	return Event{
		SubjectKey: subjectKey,
		Stage:      stage,
		Timestamp:  time.Now().UnixMilli(),
	}
}

// Time returns the event timestamp as a time.Time.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Validate checks the fields every event must carry.
func (e Event) Validate() error {
	if e.SubjectKey == "" {
		return fmt.Errorf("progress event without subject key")
	}
	if !e.Stage.Valid() {
		return fmt.Errorf("progress event for %s has unknown stage %q", e.SubjectKey, e.Stage)
	}
	return nil
}

// Decode parses and validates a wire-format event.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("failed to decode progress event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Handler receives events from a subscription. Handlers for one subscription
// are invoked sequentially, in publish order per publisher.
type Handler func(Event)

// Publisher broadcasts events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscription is a handle to a registered handler.
type Subscription interface {
	// Close unregisters the handler and waits until it is no longer running.
	// Calling Close more than once is safe. Close must not be called from
	// within the subscription's own handler.
	Close() error
}

// Subscriber registers handlers.
type Subscriber interface {
	Subscribe(ctx context.Context, h Handler) (Subscription, error)
}

// Bus is both ends of a progress channel.
type Bus interface {
	Publisher
	Subscriber
}
