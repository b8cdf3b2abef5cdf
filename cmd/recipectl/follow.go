package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/phrazzld/recipe-forge/internal/progress"
	"github.com/phrazzld/recipe-forge/internal/tracker"
)

var errJobFailed = errors.New("job failed")

// submitAndFollow connects the progress stream, submits one job and prints
// its stages until it is stored or fails.
func (c *cli) submitAndFollow(ctx context.Context, kind tracker.Kind, payload any) error {
	transport, err := c.transport()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tr := tracker.New(transport, tracker.DefaultConfig(), c.logger)
	changes := make(chan struct{}, 1)
	unsubscribe := tr.OnChange(func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	runErr := make(chan error, 1)
	go func() { runErr <- tr.Run(ctx) }()

	// Events published before the stream is up would be missed.
	if err := waitFor(ctx, changes, runErr, func() bool {
		return tr.ConnectionState() == tracker.StateConnected
	}); err != nil {
		return fmt.Errorf("progress stream unavailable: %w", err)
	}

	jobID, err := tr.Submit(ctx, kind, payload)
	if err != nil {
		return err
	}

	var last progress.Stage
	var job tracker.Job
	err = waitFor(ctx, changes, runErr, func() bool {
		j, ok := tr.Job(jobID)
		if !ok {
			return false
		}
		job = j
		if j.Stage != last {
			last = j.Stage
			c.printStage(j)
		}
		return j.Stage.IsTerminal()
	})
	cancel()
	tr.Wait()
	if err != nil {
		return err
	}

	if job.Stage == progress.StageFailed {
		return fmt.Errorf("%w: %s", errJobFailed, job.Error)
	}
	fmt.Fprintf(c.stdout, "recipe %d stored\n", job.RecipeID)
	return nil
}

// waitFor re-evaluates done after every tracker change until it holds, ctx
// ends or the stream gives up.
func waitFor(ctx context.Context, changes <-chan struct{}, runErr <-chan error, done func() bool) error {
	for {
		if done() {
			return nil
		}
		select {
		case <-changes:
		case err := <-runErr:
			if err == nil || errors.Is(err, context.Canceled) {
				err = errors.New("progress stream closed")
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *cli) printStage(j tracker.Job) {
	subject := j.SubjectKey
	if subject == "" {
		subject = "(pending task id)"
	}
	fmt.Fprintf(c.stdout, "%s  %-13s %s\n", time.Now().Format(time.TimeOnly), j.Stage, subject)
}
