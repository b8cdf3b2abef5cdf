package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/phrazzld/recipe-forge/internal/claims"
	"github.com/phrazzld/recipe-forge/internal/metrics"
	"github.com/phrazzld/recipe-forge/internal/progress"
	"github.com/phrazzld/recipe-forge/internal/queue"
	"github.com/phrazzld/recipe-forge/internal/store"
	"github.com/phrazzld/recipe-forge/internal/tracing"
)

// Task outcomes recorded in metrics.
const (
	outcomeSucceeded   = "succeeded"
	outcomeFailed      = "failed"
	outcomeDuplicate   = "duplicate"
	outcomeDeferred    = "deferred"
	outcomeMalformed   = "malformed"
	outcomeInterrupted = "interrupted"
)

// releaseTimeout bounds cleanup calls made after the runner is stopped.
const releaseTimeout = 5 * time.Second

// Queue is the part of the durable queue a Runner consumes.
type Queue interface {
	Name() string
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Task, error)
	Ack(ctx context.Context, t *queue.Task) error
	RunReaper(ctx context.Context, interval time.Duration)
}

// RunnerConfig holds configuration for a Runner.
type RunnerConfig struct {
	// Concurrency is the number of dequeue loops. Defaults to 1.
	Concurrency int

	// DequeueTimeout bounds each blocking poll. Defaults to 5 seconds.
	DequeueTimeout time.Duration

	// TaskTimeout bounds one pipeline run. Zero means no limit.
	TaskTimeout time.Duration

	// ReaperInterval is how often expired deliveries are requeued. Zero
	// disables the reaper for this runner.
	ReaperInterval time.Duration

	// ErrorBackoff is the pause after a failed dequeue. Defaults to 1 second.
	ErrorBackoff time.Duration
}

// DefaultRunnerConfig returns a RunnerConfig with reasonable defaults
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Concurrency:    2,
		DequeueTimeout: 5 * time.Second,
		TaskTimeout:    4 * time.Minute,
		ReaperInterval: 30 * time.Second,
		ErrorBackoff:   time.Second,
	}
}

// Runner drains one queue through one Pipeline.
type Runner struct {
	queue    Queue
	pipeline Pipeline
	claims   *claims.Tracker
	done     *claims.Tracker
	recipes  store.RecipeStore
	reporter *Reporter
	config   RunnerConfig
	logger   *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// RunnerDeps are the collaborators shared by a Runner and its pipeline.
type RunnerDeps struct {
	// Claims holds the in-progress claims for this pipeline's subjects.
	Claims *claims.Tracker

	// Done holds the processed markers for subjects that have a stored
	// recipe. It is shared by every pipeline.
	Done *claims.Tracker

	// Recipes resolves the recipe id announced for already-stored subjects.
	Recipes store.RecipeStore

	Reporter *Reporter
}

// NewRunner creates a Runner. Call Start to begin processing.
func NewRunner(q Queue, p Pipeline, deps RunnerDeps, config RunnerConfig, logger *slog.Logger) (*Runner, error) {
	if q == nil || p == nil {
		return nil, errors.New("queue and pipeline are required")
	}
	if deps.Claims == nil || deps.Done == nil || deps.Recipes == nil || deps.Reporter == nil {
		return nil, errors.New("claims, done, recipes and reporter are required")
	}
	if q.Name() != p.Queue() {
		return nil, fmt.Errorf("pipeline for queue %q cannot consume queue %q", p.Queue(), q.Name())
	}

	if config.Concurrency <= 0 {
		logger.Warn("invalid concurrency specified, using default",
			"specified", config.Concurrency,
			"default", 1)
		config.Concurrency = 1
	}
	if config.DequeueTimeout <= 0 {
		config.DequeueTimeout = 5 * time.Second
	}
	if config.ErrorBackoff <= 0 {
		config.ErrorBackoff = time.Second
	}

	return &Runner{
		queue:    q,
		pipeline: p,
		claims:   deps.Claims,
		done:     deps.Done,
		recipes:  deps.Recipes,
		reporter: deps.Reporter,
		config:   config,
		logger:   logger.With("queue", q.Name()),
	}, nil
}

// Start launches the dequeue loops and the reaper.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return errors.New("runner already started")
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.started = true

	for i := 0; i < r.config.Concurrency; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}

	if r.config.ReaperInterval > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.queue.RunReaper(r.ctx, r.config.ReaperInterval)
		}()
	}

	r.logger.Info("task runner started",
		"concurrency", r.config.Concurrency,
		"task_timeout", r.config.TaskTimeout)
	return nil
}

// Stop cancels the loops and waits for in-flight tasks to wind down. Tasks
// interrupted by Stop stay unacknowledged and are redelivered after the
// visibility timeout.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
	r.logger.Info("task runner stopped")
}

// Run starts the runner, blocks until ctx is done, then stops it.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	r.Stop()
	return nil
}

func (r *Runner) worker(id int) {
	defer r.wg.Done()

	logger := r.logger.With("worker_id", id)
	logger.Debug("starting worker")

	for {
		if r.ctx.Err() != nil {
			logger.Debug("stopping worker")
			return
		}

		t, err := r.queue.Dequeue(r.ctx, r.config.DequeueTimeout)
		switch {
		case err == nil:
			r.process(t, logger)
		case errors.Is(err, queue.ErrNoTask):
		case r.ctx.Err() != nil:
			logger.Debug("stopping worker")
			return
		case errors.Is(err, queue.ErrMalformedTask):
			metrics.TasksProcessedTotal.WithLabelValues(r.queue.Name(), outcomeMalformed).Inc()
			logger.Error("dequeued malformed task", "error", err)
		default:
			logger.Error("failed to dequeue task", "error", err)
			select {
			case <-time.After(r.config.ErrorBackoff):
			case <-r.ctx.Done():
			}
		}
	}
}

// process settles one delivery.
func (r *Runner) process(t *queue.Task, logger *slog.Logger) {
	ctx := r.ctx
	logger = logger.With("task_id", t.ID, "attempts", t.Attempts)

	subj, err := r.pipeline.Subject(t)
	if err != nil {
		logger.Error("task payload is malformed, dropping", "error", err)
		r.settle(t, outcomeMalformed, logger)
		return
	}
	logger = logger.With("subject", subj.Key)

	done, err := r.done.HasProcessed(ctx, subj.Key)
	if err != nil {
		// Left in processing; the reaper redelivers it.
		logger.Error("failed to check processed marker", "error", err)
		return
	}
	if done {
		r.announceStored(ctx, subj, logger)
		logger.Info("subject already processed, dropping task")
		r.settle(t, outcomeDuplicate, logger)
		return
	}

	claim, ok, err := r.claims.TryClaim(ctx, subj.Key)
	if err != nil {
		logger.Error("failed to claim subject", "error", err)
		return
	}
	if !ok {
		if t.Attempts > 0 {
			// A redelivery whose previous owner may still hold the claim.
			// Leaving it unacknowledged retries it after the visibility
			// timeout, by which point the claim has been released or expired.
			metrics.TasksProcessedTotal.WithLabelValues(r.queue.Name(), outcomeDeferred).Inc()
			logger.Info("subject claimed elsewhere, deferring redelivered task")
			return
		}
		logger.Info("subject claimed by another worker, dropping duplicate task")
		r.settle(t, outcomeDuplicate, logger)
		return
	}
	defer r.release(claim, logger)

	// The previous owner may have finished between the first check and the
	// claim.
	if done, err := r.done.HasProcessed(ctx, subj.Key); err == nil && done {
		r.announceStored(ctx, subj, logger)
		logger.Info("subject processed while claiming, dropping task")
		r.settle(t, outcomeDuplicate, logger)
		return
	}

	start := time.Now()
	err = r.run(t, subj)
	metrics.TaskDurationSeconds.WithLabelValues(r.queue.Name()).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		logger.Info("task completed", "duration", time.Since(start))
		r.settle(t, outcomeSucceeded, logger)
	case r.ctx.Err() != nil:
		metrics.TasksProcessedTotal.WithLabelValues(r.queue.Name(), outcomeInterrupted).Inc()
		logger.Warn("task interrupted by shutdown, leaving for redelivery", "error", err)
	default:
		logger.Error("task failed", "error", err)
		r.reporter.Failed(ctx, subj, err)
		r.settle(t, outcomeFailed, logger)
	}
}

// run executes the pipeline with a timeout, a span, and panic recovery.
func (r *Runner) run(t *queue.Task, subj Subject) (err error) {
	ctx := r.ctx
	if r.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.TaskTimeout)
		defer cancel()
	}

	ctx, span := tracing.TaskSpan(ctx, r.queue.Name(), t.ID, t.Attempts)
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("pipeline panicked",
				"task_id", t.ID,
				"panic", p,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("internal error while processing task")
		}
		tracing.End(span, err)
	}()

	return r.pipeline.Run(ctx, t, subj)
}

func (r *Runner) settle(t *queue.Task, outcome string, logger *slog.Logger) {
	metrics.TasksProcessedTotal.WithLabelValues(r.queue.Name(), outcome).Inc()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), releaseTimeout)
	defer cancel()
	if err := r.queue.Ack(ctx, t); err != nil {
		logger.Error("failed to acknowledge task", "error", err)
	}
}

func (r *Runner) release(c claims.Claim, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), releaseTimeout)
	defer cancel()
	if err := r.claims.Release(ctx, c); err != nil {
		logger.Error("failed to release claim", "error", err)
	}
}

// announceStored repeats the stored event for a subject that already has a
// recipe, so a client that subscribed late still learns the recipe id.
func (r *Runner) announceStored(ctx context.Context, subj Subject, logger *slog.Logger) {
	recipe, err := r.recipes.FindBySubjectKey(ctx, subj.Key)
	if err != nil {
		logger.Warn("processed subject has no readable recipe", "error", err)
		r.reporter.Stage(ctx, subj, progress.StageStored)
		return
	}
	r.reporter.Recipe(ctx, subj, progress.StageStored, recipe.ID)
}
