package queue

import "errors"

var (
	// ErrNoTask is returned by Dequeue when the blocking timeout elapses
	// without a task becoming available. It is a poll result, not a failure.
	ErrNoTask = errors.New("no task available")

	// ErrMalformedTask is returned when a stored entry cannot be decoded.
	// The entry has already been moved to the dead-letter list.
	ErrMalformedTask = errors.New("malformed task")

	// ErrNotDequeued is returned when settling a task that was not obtained
	// from Dequeue.
	ErrNotDequeued = errors.New("task was not dequeued")
)
