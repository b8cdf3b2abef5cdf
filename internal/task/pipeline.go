package task

import (
	"context"

	"github.com/phrazzld/recipe-forge/internal/queue"
)

// Subject identifies the work a task is about.
type Subject struct {
	// Key is the idempotency key: the source URL for scrape and extraction
	// tasks, the server-assigned task id for invent tasks.
	Key    string
	UserID string
}

// Pipeline is the business logic for one queue.
type Pipeline interface {
	// Queue is the name of the queue the pipeline consumes.
	Queue() string

	// Subject decodes the task and returns its subject. An error marks the
	// task as malformed.
	Subject(t *queue.Task) (Subject, error)

	// Run processes the task while the runner holds the subject's claim.
	// Any error is terminal for the task.
	Run(ctx context.Context, t *queue.Task, subj Subject) error
}

// Enqueuer adds work to a queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload any) (string, error)
}

// ScrapePayload is the body of a scrape task.
type ScrapePayload struct {
	URL    string `json:"url"`
	UserID string `json:"userId,omitempty"`
}

// ExtractPayload is the body of an ai task.
type ExtractPayload struct {
	URL         string `json:"url"`
	UserID      string `json:"userId,omitempty"`
	ContentPath string `json:"contentPath"`
}
