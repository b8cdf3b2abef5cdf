// Package tracker follows recipe jobs from the client side.
//
// A Tracker submits work through a Transport and then learns about it only
// from the progress stream: the submit call's response never moves a job
// forward. Events are matched to jobs by subject key. An event for an unknown
// subject creates a synthetic job, so a client that restarts mid-job still
// sees the job finish.
//
// Jobs end in one of two bounded lists, completed or failed. Once a subject
// is final, later events for it are ignored until the job is retried.
//
// Run keeps the progress stream connected, reconnecting with exponential
// backoff. Events published while disconnected are not replayed.
package tracker
