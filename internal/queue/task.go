package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Logical queue names.
const (
	Scrape = "scrape"
	AI     = "ai"
	Invent = "invent"
)

// Names lists the logical queues in reporting order.
func Names() []string {
	return []string{Scrape, AI, Invent}
}

// Task is a queue entry wrapping a caller payload.
type Task struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
	Attempts  int             `json:"attempts"`

	// raw is the exact member stored in the processing list for this delivery.
	raw string
}

// Decode unmarshals the payload into v.
func (t *Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s task %s payload: %w", t.Type, t.ID, err)
	}
	return nil
}

func decodeTask(raw string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTask, err)
	}
	if t.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedTask)
	}
	t.raw = raw
	return &t, nil
}

func encodeTask(t *Task) (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("failed to encode task: %w", err)
	}
	return string(data), nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("invalid raw JSON payload")
		}
		return raw, nil
	}
	return json.Marshal(payload)
}
