package tracker

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/phrazzld/recipe-forge/internal/progress"
)

// Kind is the kind of work a job submits.
type Kind string

const (
	KindScrape Kind = "scrape"
	KindInvent Kind = "invent"
)

// Job is the client's view of one submitted or observed task.
type Job struct {
	ID   string
	Kind Kind

	// SubjectKey matches progress events to the job. It is the URL for scrape
	// jobs and the server task id for invent jobs; an invent job has no key
	// until the enqueue response arrives.
	SubjectKey string

	Stage    progress.Stage
	Error    string
	RecipeID int64
	History  []progress.Event

	// Payload is the submitted request body, kept for Retry. Synthetic jobs
	// have none.
	Payload json.RawMessage

	// Synthetic is set for jobs created from an event nobody submitted here.
	Synthetic bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (j *Job) clone() Job {
	cp := *j
	cp.History = append([]progress.Event(nil), j.History...)
	cp.Payload = append(json.RawMessage(nil), j.Payload...)
	return cp
}

// apply records ev and moves the job forward. Stages never move backward
// except into failed.
func (j *Job) apply(ev progress.Event, now time.Time) {
	j.History = append(j.History, ev)
	j.UpdatedAt = now
	if ev.Stage == progress.StageFailed || !ev.Stage.Before(j.Stage) {
		j.Stage = ev.Stage
	}
	if ev.Error != "" {
		j.Error = ev.Error
	}
	if ev.RecipeID != 0 {
		j.RecipeID = ev.RecipeID
	}
}

// kindForSubject guesses the kind of a synthetic job from its key.
func kindForSubject(key string) Kind {
	if strings.HasPrefix(key, "http://") || strings.HasPrefix(key, "https://") {
		return KindScrape
	}
	return KindInvent
}

// ConnectionState is the state of the progress stream.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	// StateFailed means Run gave up after the configured attempts.
	StateFailed ConnectionState = "failed"
)
