package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/recipe-forge/internal/progress"
)

var (
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("job not found")

	// ErrNotRetryable is returned when retrying a job that has not failed, or
	// a failed job whose request is unknown.
	ErrNotRetryable = errors.New("job cannot be retried")

	// ErrReconnectExhausted is returned by Run after the last reconnect
	// attempt fails.
	ErrReconnectExhausted = errors.New("progress stream reconnect attempts exhausted")

	// ErrInvalidSubmission is returned for payloads Submit cannot track.
	ErrInvalidSubmission = errors.New("invalid submission")
)

// Config tunes a Tracker.
type Config struct {
	// MaxCompleted and MaxFailed bound the terminal lists; the oldest job is
	// evicted first.
	MaxCompleted int
	MaxFailed    int

	// MaxFinalized bounds how many terminal subject keys are remembered for
	// ignoring late events.
	MaxFinalized int

	// MaxReconnectAttempts is the number of consecutive failed connection
	// attempts Run makes before giving up.
	MaxReconnectAttempts int
	BaseDelay            time.Duration
	MaxDelay             time.Duration

	// SubmitTimeout bounds one enqueue request.
	SubmitTimeout time.Duration
}

// DefaultConfig returns the settings used by recipectl.
func DefaultConfig() Config {
	return Config{
		MaxCompleted:         50,
		MaxFailed:            50,
		MaxFinalized:         1000,
		MaxReconnectAttempts: 10,
		BaseDelay:            time.Second,
		MaxDelay:             30 * time.Second,
		SubmitTimeout:        30 * time.Second,
	}
}

// Tracker holds the client-side state of every job it submitted or observed.
// It is safe for concurrent use.
type Tracker struct {
	transport Transport
	config    Config
	logger    *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string

	mu             sync.Mutex
	active         map[string]*Job
	bySubject      map[string]string
	completed      []*Job
	failed         []*Job
	finalized      map[string]struct{}
	finalizedOrder []string
	state          ConnectionState

	listenerMu   sync.Mutex
	listeners    map[uint64]func()
	nextListener uint64

	submits sync.WaitGroup
}

// New creates a Tracker.
func New(transport Transport, config Config, logger *slog.Logger) *Tracker {
	defaults := DefaultConfig()
	if config.MaxCompleted <= 0 {
		config.MaxCompleted = defaults.MaxCompleted
	}
	if config.MaxFailed <= 0 {
		config.MaxFailed = defaults.MaxFailed
	}
	if config.MaxFinalized <= 0 {
		config.MaxFinalized = defaults.MaxFinalized
	}
	if config.MaxReconnectAttempts <= 0 {
		config.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaults.BaseDelay
	}
	if config.MaxDelay < config.BaseDelay {
		config.MaxDelay = config.BaseDelay
	}
	if config.SubmitTimeout <= 0 {
		config.SubmitTimeout = defaults.SubmitTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Tracker{
		transport: transport,
		config:    config,
		logger:    logger.With("component", "job_tracker"),
		now:       time.Now,
		sleep:     sleepContext,
		newID:     func() string { return uuid.New().String() },
		active:    make(map[string]*Job),
		bySubject: make(map[string]string),
		finalized: make(map[string]struct{}),
		state:     StateDisconnected,
		listeners: make(map[uint64]func()),
	}
}

// Submit records a queued job and sends the request in the background. It
// returns as soon as the job exists locally. Scrape payloads must carry a
// "url" field, which becomes the subject key; invent jobs are keyed by the
// task id in the enqueue response.
func (t *Tracker) Submit(ctx context.Context, kind Kind, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidSubmission, err)
	}
	return t.submit(ctx, kind, raw)
}

func (t *Tracker) submit(ctx context.Context, kind Kind, raw json.RawMessage) (string, error) {
	var key string
	switch kind {
	case KindScrape:
		var body struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(raw, &body); err != nil || body.URL == "" {
			return "", fmt.Errorf("%w: scrape payload needs a url", ErrInvalidSubmission)
		}
		key = body.URL
	case KindInvent:
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidSubmission, kind)
	}

	now := t.now()
	t.mu.Lock()
	if id, ok := t.bySubject[key]; key != "" && ok {
		t.mu.Unlock()
		t.logger.Debug("subject already in progress, not resubmitting", "job_id", id, "subject_key", key)
		return id, nil
	}
	job := &Job{
		ID:         t.newID(),
		Kind:       kind,
		SubjectKey: key,
		Stage:      progress.StageQueued,
		Payload:    raw,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	t.active[job.ID] = job
	if key != "" {
		t.bySubject[key] = job.ID
		t.unfinalize(key)
	}
	t.mu.Unlock()
	t.notify()

	t.submits.Add(1)
	go func() {
		defer t.submits.Done()
		t.send(context.WithoutCancel(ctx), job.ID, kind, raw)
	}()

	return job.ID, nil
}

func (t *Tracker) send(ctx context.Context, jobID string, kind Kind, raw json.RawMessage) {
	ctx, cancel := context.WithTimeout(ctx, t.config.SubmitTimeout)
	defer cancel()

	res, err := t.transport.Submit(ctx, kind, raw)
	if err != nil {
		t.logger.Warn("failed to submit job", "job_id", jobID, "kind", kind, "error", err)
		t.failLocal(jobID, err)
		return
	}
	if kind == KindInvent {
		t.bind(jobID, res.TaskID)
	}
}

// failLocal fails a job whose request never reached the queue.
func (t *Tracker) failLocal(jobID string, cause error) {
	t.mu.Lock()
	job, ok := t.active[jobID]
	if !ok {
		t.mu.Unlock()
		return
	}
	ev := progress.NewEvent(job.SubjectKey, progress.StageFailed)
	ev.Error = cause.Error()
	job.apply(ev, t.now())
	t.finalize(job)
	t.mu.Unlock()
	t.notify()
}

// bind attaches the server task id to an invent job. Events for the id that
// arrived before the response created a synthetic job, which is folded into
// the submitted one.
func (t *Tracker) bind(jobID, taskID string) {
	if taskID == "" {
		t.failLocal(jobID, errors.New("enqueue response had no task id"))
		return
	}

	t.mu.Lock()
	job, ok := t.active[jobID]
	if !ok {
		t.mu.Unlock()
		return
	}
	job.SubjectKey = taskID

	if otherID, ok := t.bySubject[taskID]; ok && otherID != jobID {
		other := t.active[otherID]
		delete(t.active, otherID)
		merge(job, other)
	} else if i, list := t.findTerminal(taskID); i >= 0 {
		// The task already finished; the submitted job takes the synthetic
		// job's slot in the terminal list.
		other := (*list)[i]
		merge(job, other)
		delete(t.active, jobID)
		(*list)[i] = job
		t.mu.Unlock()
		t.notify()
		return
	}
	t.bySubject[taskID] = jobID
	t.mu.Unlock()
	t.notify()
}

func merge(into, from *Job) {
	for _, ev := range from.History {
		into.apply(ev, from.UpdatedAt)
	}
}

func (t *Tracker) findTerminal(key string) (int, *[]*Job) {
	for _, list := range []*[]*Job{&t.completed, &t.failed} {
		for i, j := range *list {
			if j.SubjectKey == key && j.Synthetic {
				return i, list
			}
		}
	}
	return -1, nil
}

// HandleEvent applies a progress event. Events for finalized subjects are
// ignored; events for unknown subjects create a synthetic job.
func (t *Tracker) HandleEvent(ev progress.Event) {
	if err := ev.Validate(); err != nil {
		t.logger.Debug("ignoring invalid progress event", "error", err)
		return
	}

	t.mu.Lock()
	if _, done := t.finalized[ev.SubjectKey]; done {
		t.mu.Unlock()
		return
	}

	now := t.now()
	job, ok := t.active[t.bySubject[ev.SubjectKey]]
	if !ok {
		job = &Job{
			ID:         t.newID(),
			Kind:       kindForSubject(ev.SubjectKey),
			SubjectKey: ev.SubjectKey,
			Stage:      progress.StageQueued,
			Synthetic:  true,
			CreatedAt:  now,
		}
		t.active[job.ID] = job
		t.bySubject[ev.SubjectKey] = job.ID
	}

	job.apply(ev, now)
	if job.Stage.IsTerminal() {
		t.finalize(job)
	}
	t.mu.Unlock()
	t.notify()
}

// finalize moves job from the active map to its terminal list. Callers hold mu.
func (t *Tracker) finalize(job *Job) {
	delete(t.active, job.ID)
	if job.SubjectKey != "" && t.bySubject[job.SubjectKey] == job.ID {
		delete(t.bySubject, job.SubjectKey)
	}

	if job.Stage == progress.StageStored {
		t.completed = appendBounded(t.completed, job, t.config.MaxCompleted)
	} else {
		t.failed = appendBounded(t.failed, job, t.config.MaxFailed)
	}

	if job.SubjectKey != "" {
		if _, ok := t.finalized[job.SubjectKey]; !ok {
			t.finalized[job.SubjectKey] = struct{}{}
			t.finalizedOrder = append(t.finalizedOrder, job.SubjectKey)
		}
		for len(t.finalizedOrder) > t.config.MaxFinalized {
			delete(t.finalized, t.finalizedOrder[0])
			t.finalizedOrder = t.finalizedOrder[1:]
		}
	}
}

// unfinalize lets events for key through again. Callers hold mu.
func (t *Tracker) unfinalize(key string) {
	if _, ok := t.finalized[key]; !ok {
		return
	}
	delete(t.finalized, key)
	for i, k := range t.finalizedOrder {
		if k == key {
			t.finalizedOrder = append(t.finalizedOrder[:i], t.finalizedOrder[i+1:]...)
			break
		}
	}
}

func appendBounded(list []*Job, job *Job, limit int) []*Job {
	list = append(list, job)
	if over := len(list) - limit; over > 0 {
		list = append([]*Job(nil), list[over:]...)
	}
	return list
}

// Retry resubmits a failed job as a brand-new task and returns the new job
// id. The failed entry is removed.
func (t *Tracker) Retry(ctx context.Context, jobID string) (string, error) {
	t.mu.Lock()
	idx := -1
	for i, j := range t.failed {
		if j.ID == jobID {
			idx = i
			break
		}
	}
	if idx < 0 {
		_, isActive := t.active[jobID]
		found := isActive || indexOf(t.completed, jobID) >= 0
		t.mu.Unlock()
		if found {
			return "", fmt.Errorf("%w: job %s has not failed", ErrNotRetryable, jobID)
		}
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	job := t.failed[idx]
	payload := job.Payload
	if len(payload) == 0 && job.Kind == KindScrape {
		payload, _ = json.Marshal(map[string]string{"url": job.SubjectKey})
	}
	if len(payload) == 0 {
		t.mu.Unlock()
		return "", fmt.Errorf("%w: request for job %s is unknown", ErrNotRetryable, jobID)
	}

	t.failed = append(t.failed[:idx:idx], t.failed[idx+1:]...)
	if job.SubjectKey != "" {
		t.unfinalize(job.SubjectKey)
	}
	t.mu.Unlock()

	return t.submit(ctx, job.Kind, payload)
}

func indexOf(list []*Job, id string) int {
	for i, j := range list {
		if j.ID == id {
			return i
		}
	}
	return -1
}

// Active returns the in-progress jobs, oldest first.
func (t *Tracker) Active() []Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Job, 0, len(t.active))
	for _, j := range t.active {
		out = append(out, j.clone())
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

// Completed returns the stored jobs, oldest first.
func (t *Tracker) Completed() []Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneAll(t.completed)
}

// Failed returns the failed jobs, oldest first.
func (t *Tracker) Failed() []Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneAll(t.failed)
}

func cloneAll(list []*Job) []Job {
	out := make([]Job, len(list))
	for i, j := range list {
		out[i] = j.clone()
	}
	return out
}

// Job returns a snapshot of the job with the given id.
func (t *Tracker) Job(id string) (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if j, ok := t.active[id]; ok {
		return j.clone(), true
	}
	for _, list := range [][]*Job{t.completed, t.failed} {
		if i := indexOf(list, id); i >= 0 {
			return list[i].clone(), true
		}
	}
	return Job{}, false
}

// ConnectionState reports the state of the progress stream.
func (t *Tracker) ConnectionState() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tracker) setState(s ConnectionState) {
	t.mu.Lock()
	changed := t.state != s
	t.state = s
	t.mu.Unlock()
	if changed {
		t.notify()
	}
}

// OnChange registers fn to be called after every state change. Each call
// registers a separate listener; the returned function removes exactly that
// one. Listeners run synchronously and must not block.
func (t *Tracker) OnChange(fn func()) (unsubscribe func()) {
	t.listenerMu.Lock()
	t.nextListener++
	id := t.nextListener
	t.listeners[id] = fn
	t.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.listenerMu.Lock()
			delete(t.listeners, id)
			t.listenerMu.Unlock()
		})
	}
}

func (t *Tracker) notify() {
	t.listenerMu.Lock()
	fns := make([]func(), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.listenerMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Wait blocks until every background submit has finished.
func (t *Tracker) Wait() {
	t.submits.Wait()
}

// Run keeps the progress stream connected until ctx is done. After a lost or
// failed connection it waits BaseDelay, doubling per consecutive failure up
// to MaxDelay, and gives up with ErrReconnectExhausted after
// MaxReconnectAttempts consecutive failures. A successful connection resets
// the count. Events missed while disconnected are not replayed.
func (t *Tracker) Run(ctx context.Context) error {
	failures := 0
	for {
		t.setState(StateConnecting)
		stream, err := t.transport.Connect(ctx)
		if err == nil {
			t.setState(StateConnected)
			failures = 0
			err = t.consume(ctx, stream)
		}

		if ctx.Err() != nil {
			t.setState(StateDisconnected)
			return ctx.Err()
		}

		t.setState(StateDisconnected)
		failures++
		if failures > t.config.MaxReconnectAttempts {
			t.setState(StateFailed)
			return fmt.Errorf("%w: %w", ErrReconnectExhausted, err)
		}

		delay := t.backoff(failures)
		t.logger.Warn("progress stream lost, reconnecting",
			"error", err,
			"attempt", failures,
			"delay", delay)
		if err := t.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (t *Tracker) consume(ctx context.Context, stream Stream) error {
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer func() {
		stop()
		_ = stream.Close()
	}()

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		t.HandleEvent(ev)
	}
}

// backoff is the delay before reconnect attempt n (1-based).
func (t *Tracker) backoff(n int) time.Duration {
	d := t.config.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= t.config.MaxDelay {
			return t.config.MaxDelay
		}
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
