package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/recipe-forge/internal/progress"
)

type fakeTransport struct {
	mu        sync.Mutex
	submitted []json.RawMessage
	taskID    string
	submitErr error
	gate      chan struct{}

	connects []func() (Stream, error)
	dials    int
}

func (f *fakeTransport) Submit(ctx context.Context, kind Kind, payload json.RawMessage) (SubmitResult, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return SubmitResult{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, payload)
	if f.submitErr != nil {
		return SubmitResult{}, f.submitErr
	}
	return SubmitResult{TaskID: f.taskID, Queued: true}, nil
}

func (f *fakeTransport) Connect(context.Context) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if len(f.connects) == 0 {
		return nil, errors.New("connection refused")
	}
	next := f.connects[0]
	f.connects = f.connects[1:]
	return next()
}

func (f *fakeTransport) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

type fakeStream struct {
	events    chan progress.Event
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan progress.Event, 16), closed: make(chan struct{})}
}

func (s *fakeStream) Next(context.Context) (progress.Event, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return progress.Event{}, io.EOF
		}
		return ev, nil
	case <-s.closed:
		return progress.Event{}, errors.New("stream closed")
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func refused() (Stream, error) { return nil, errors.New("connection refused") }

func newTestTracker(t *testing.T, transport Transport, cfg Config) *Tracker {
	t.Helper()
	tr := New(transport, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	var seq atomic.Int64
	tr.newID = func() string { return fmt.Sprintf("job-%d", seq.Add(1)) }
	var tick atomic.Int64
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Millisecond) }
	return tr
}

func event(key string, stage progress.Stage) progress.Event {
	return progress.NewEvent(key, stage)
}

const pastaURL = "https://example.com/pasta"

func TestScrapeJobFollowsProgress(t *testing.T) {
	transport := &fakeTransport{taskID: "queue-1"}
	tr := newTestTracker(t, transport, Config{})

	id, err := tr.Submit(context.Background(), KindScrape, map[string]string{"url": pastaURL})
	require.NoError(t, err)
	tr.Wait()
	assert.Equal(t, 1, transport.submitCount())

	job, ok := tr.Job(id)
	require.True(t, ok)
	assert.Equal(t, progress.StageQueued, job.Stage, "submit response does not advance the job")
	assert.Equal(t, pastaURL, job.SubjectKey)

	for _, stage := range []progress.Stage{
		progress.StageScraping, progress.StageScraped, progress.StageAIProcessing, progress.StageAIProcessed,
	} {
		tr.HandleEvent(event(pastaURL, stage))
		job, _ = tr.Job(id)
		assert.Equal(t, stage, job.Stage)
	}
	require.Len(t, tr.Active(), 1)

	stored := event(pastaURL, progress.StageStored)
	stored.RecipeID = 7
	tr.HandleEvent(stored)

	assert.Empty(t, tr.Active())
	require.Len(t, tr.Completed(), 1)
	done := tr.Completed()[0]
	assert.Equal(t, id, done.ID)
	assert.Equal(t, int64(7), done.RecipeID)
	assert.Len(t, done.History, 5)
	assert.False(t, done.Synthetic)
}

func TestResubmittingActiveURLReturnsSameJob(t *testing.T) {
	transport := &fakeTransport{}
	tr := newTestTracker(t, transport, Config{})

	a, err := tr.Submit(context.Background(), KindScrape, map[string]string{"url": pastaURL})
	require.NoError(t, err)
	b, err := tr.Submit(context.Background(), KindScrape, map[string]string{"url": pastaURL})
	require.NoError(t, err)
	tr.Wait()

	assert.Equal(t, a, b)
	assert.Equal(t, 1, transport.submitCount())
}

func TestSubmitRejectsUntrackablePayloads(t *testing.T) {
	tr := newTestTracker(t, &fakeTransport{}, Config{})

	_, err := tr.Submit(context.Background(), KindScrape, map[string]string{"link": pastaURL})
	assert.ErrorIs(t, err, ErrInvalidSubmission)

	_, err = tr.Submit(context.Background(), Kind("bake"), map[string]string{"url": pastaURL})
	assert.ErrorIs(t, err, ErrInvalidSubmission)

	_, err = tr.Submit(context.Background(), KindScrape, make(chan int))
	assert.ErrorIs(t, err, ErrInvalidSubmission)

	assert.Empty(t, tr.Active())
}

func TestSubmitFailureFailsJob(t *testing.T) {
	transport := &fakeTransport{submitErr: errors.New("submission rejected: invalid URL")}
	tr := newTestTracker(t, transport, Config{})

	id, err := tr.Submit(context.Background(), KindScrape, map[string]string{"url": pastaURL})
	require.NoError(t, err)
	tr.Wait()

	assert.Empty(t, tr.Active())
	require.Len(t, tr.Failed(), 1)
	assert.Equal(t, id, tr.Failed()[0].ID)
	assert.Contains(t, tr.Failed()[0].Error, "invalid URL")
}

func TestInventJobBindsToTaskID(t *testing.T) {
	transport := &fakeTransport{taskID: "task-9"}
	tr := newTestTracker(t, transport, Config{})

	id, err := tr.Submit(context.Background(), KindInvent, map[string]string{"title": "Soup"})
	require.NoError(t, err)
	tr.Wait()

	job, _ := tr.Job(id)
	assert.Equal(t, "task-9", job.SubjectKey)

	tr.HandleEvent(event("task-9", progress.StageAIProcessing))
	require.Len(t, tr.Active(), 1)
	job, _ = tr.Job(id)
	assert.Equal(t, progress.StageAIProcessing, job.Stage)
}

func TestInventEventsBeforeResponseAreMerged(t *testing.T) {
	t.Run("still active", func(t *testing.T) {
		transport := &fakeTransport{taskID: "task-9", gate: make(chan struct{})}
		tr := newTestTracker(t, transport, Config{})

		id, err := tr.Submit(context.Background(), KindInvent, map[string]string{"title": "Soup"})
		require.NoError(t, err)

		tr.HandleEvent(event("task-9", progress.StageAIProcessing))
		require.Len(t, tr.Active(), 2)

		close(transport.gate)
		tr.Wait()

		active := tr.Active()
		require.Len(t, active, 1)
		assert.Equal(t, id, active[0].ID)
		assert.Equal(t, progress.StageAIProcessing, active[0].Stage)
		assert.False(t, active[0].Synthetic)
	})

	t.Run("already stored", func(t *testing.T) {
		transport := &fakeTransport{taskID: "task-9", gate: make(chan struct{})}
		tr := newTestTracker(t, transport, Config{})

		id, err := tr.Submit(context.Background(), KindInvent, map[string]string{"title": "Soup"})
		require.NoError(t, err)

		stored := event("task-9", progress.StageStored)
		stored.RecipeID = 3
		tr.HandleEvent(stored)
		require.Len(t, tr.Completed(), 1)

		close(transport.gate)
		tr.Wait()

		assert.Empty(t, tr.Active())
		completed := tr.Completed()
		require.Len(t, completed, 1)
		assert.Equal(t, id, completed[0].ID)
		assert.Equal(t, int64(3), completed[0].RecipeID)
	})
}

func TestUnknownSubjectCreatesSyntheticJob(t *testing.T) {
	tr := newTestTracker(t, &fakeTransport{}, Config{})

	tr.HandleEvent(event(pastaURL, progress.StageScraping))

	active := tr.Active()
	require.Len(t, active, 1)
	assert.True(t, active[0].Synthetic)
	assert.Equal(t, KindScrape, active[0].Kind)
	assert.Equal(t, progress.StageScraping, active[0].Stage)

	tr.HandleEvent(event("0b6f1c1e-task", progress.StageAIProcessing))
	require.Len(t, tr.Active(), 2)
	assert.Equal(t, KindInvent, tr.Active()[1].Kind)
}

func TestInvalidEventsIgnored(t *testing.T) {
	tr := newTestTracker(t, &fakeTransport{}, Config{})

	tr.HandleEvent(progress.Event{Stage: progress.StageScraping})
	tr.HandleEvent(progress.Event{SubjectKey: pastaURL, Stage: "baking"})

	assert.Empty(t, tr.Active())
}

func TestStageNeverMovesBackward(t *testing.T) {
	tr := newTestTracker(t, &fakeTransport{}, Config{})

	tr.HandleEvent(event(pastaURL, progress.StageScraped))
	tr.HandleEvent(event(pastaURL, progress.StageScraping))

	active := tr.Active()
	require.Len(t, active, 1)
	assert.Equal(t, progress.StageScraped, active[0].Stage)
	assert.Len(t, active[0].History, 2)

	failed := event(pastaURL, progress.StageFailed)
	failed.Error = "no recipe found"
	tr.HandleEvent(failed)
	require.Len(t, tr.Failed(), 1)
	assert.Equal(t, "no recipe found", tr.Failed()[0].Error)
}

func TestDuplicateTerminalEventsIgnored(t *testing.T) {
	tr := newTestTracker(t, &fakeTransport{}, Config{})

	for i := 0; i < 1000; i++ {
		tr.HandleEvent(event(pastaURL, progress.StageStored))
	}
	tr.HandleEvent(event(pastaURL, progress.StageFailed))
	tr.HandleEvent(event(pastaURL, progress.StageScraping))

	assert.Empty(t, tr.Active())
	assert.Len(t, tr.Completed(), 1)
	assert.Empty(t, tr.Failed())
}

func TestTerminalListsAreBounded(t *testing.T) {
	tr := newTestTracker(t, &fakeTransport{}, Config{MaxCompleted: 3, MaxFailed: 2})

	for i := 0; i < 5; i++ {
		tr.HandleEvent(event(fmt.Sprintf("https://example.com/%d", i), progress.StageStored))
		tr.HandleEvent(event(fmt.Sprintf("https://example.org/%d", i), progress.StageFailed))
	}

	completed := tr.Completed()
	require.Len(t, completed, 3)
	assert.Equal(t, "https://example.com/2", completed[0].SubjectKey)
	assert.Equal(t, "https://example.com/4", completed[2].SubjectKey)

	failed := tr.Failed()
	require.Len(t, failed, 2)
	assert.Equal(t, "https://example.org/3", failed[0].SubjectKey)
}

func TestFinalizedMemoryIsBounded(t *testing.T) {
	tr := newTestTracker(t, &fakeTransport{}, Config{MaxFinalized: 2})

	for _, key := range []string{"https://a.example/1", "https://a.example/2", "https://a.example/3"} {
		tr.HandleEvent(event(key, progress.StageStored))
	}

	tr.HandleEvent(event("https://a.example/1", progress.StageScraping))
	tr.HandleEvent(event("https://a.example/3", progress.StageScraping))

	active := tr.Active()
	require.Len(t, active, 1, "only the forgotten subject is tracked again")
	assert.Equal(t, "https://a.example/1", active[0].SubjectKey)
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("resubmits failed job under a new id", func(t *testing.T) {
		transport := &fakeTransport{}
		tr := newTestTracker(t, transport, Config{})

		id, err := tr.Submit(ctx, KindScrape, map[string]string{"url": pastaURL, "extra": "x"})
		require.NoError(t, err)
		tr.Wait()
		tr.HandleEvent(event(pastaURL, progress.StageFailed))
		require.Len(t, tr.Failed(), 1)

		newID, err := tr.Retry(ctx, id)
		require.NoError(t, err)
		tr.Wait()

		assert.NotEqual(t, id, newID)
		assert.Empty(t, tr.Failed())
		require.Equal(t, 2, transport.submitCount())
		assert.JSONEq(t, string(transport.submitted[0]), string(transport.submitted[1]))

		tr.HandleEvent(event(pastaURL, progress.StageScraping))
		job, ok := tr.Job(newID)
		require.True(t, ok)
		assert.Equal(t, progress.StageScraping, job.Stage, "events flow again after retry")
	})

	t.Run("synthetic scrape job", func(t *testing.T) {
		transport := &fakeTransport{}
		tr := newTestTracker(t, transport, Config{})

		tr.HandleEvent(event(pastaURL, progress.StageFailed))
		failed := tr.Failed()
		require.Len(t, failed, 1)

		_, err := tr.Retry(ctx, failed[0].ID)
		require.NoError(t, err)
		tr.Wait()
		require.Equal(t, 1, transport.submitCount())
		assert.JSONEq(t, `{"url":"`+pastaURL+`"}`, string(transport.submitted[0]))
	})

	t.Run("synthetic invent job", func(t *testing.T) {
		tr := newTestTracker(t, &fakeTransport{}, Config{})

		tr.HandleEvent(event("task-1", progress.StageFailed))
		_, err := tr.Retry(ctx, tr.Failed()[0].ID)
		assert.ErrorIs(t, err, ErrNotRetryable)
		assert.Len(t, tr.Failed(), 1)
	})

	t.Run("active and completed jobs", func(t *testing.T) {
		tr := newTestTracker(t, &fakeTransport{}, Config{})

		tr.HandleEvent(event(pastaURL, progress.StageScraping))
		_, err := tr.Retry(ctx, tr.Active()[0].ID)
		assert.ErrorIs(t, err, ErrNotRetryable)

		tr.HandleEvent(event(pastaURL, progress.StageStored))
		_, err = tr.Retry(ctx, tr.Completed()[0].ID)
		assert.ErrorIs(t, err, ErrNotRetryable)
	})

	t.Run("unknown job", func(t *testing.T) {
		tr := newTestTracker(t, &fakeTransport{}, Config{})
		_, err := tr.Retry(ctx, "nope")
		assert.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestOnChange(t *testing.T) {
	tr := newTestTracker(t, &fakeTransport{}, Config{})

	var a, b atomic.Int32
	unsubA := tr.OnChange(func() { a.Add(1) })
	tr.OnChange(func() { b.Add(1) })

	tr.HandleEvent(event(pastaURL, progress.StageScraping))
	assert.Equal(t, int32(1), a.Load())
	assert.Equal(t, int32(1), b.Load())

	unsubA()
	unsubA()
	tr.HandleEvent(event(pastaURL, progress.StageScraped))
	assert.Equal(t, int32(1), a.Load())
	assert.Equal(t, int32(2), b.Load())
}

func TestOnChangeListenerMayReadState(t *testing.T) {
	tr := newTestTracker(t, &fakeTransport{}, Config{})

	var seen []progress.Stage
	tr.OnChange(func() {
		for _, j := range tr.Active() {
			seen = append(seen, j.Stage)
		}
	})
	tr.HandleEvent(event(pastaURL, progress.StageScraping))

	assert.Equal(t, []progress.Stage{progress.StageScraping}, seen)
}

func recordSleeps(tr *Tracker) *[]time.Duration {
	var delays []time.Duration
	tr.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return &delays
}

func TestRunBacksOffAndGivesUp(t *testing.T) {
	transport := &fakeTransport{}
	tr := newTestTracker(t, transport, Config{
		MaxReconnectAttempts: 4,
		BaseDelay:            time.Second,
		MaxDelay:             5 * time.Second,
	})
	delays := recordSleeps(tr)

	err := tr.Run(context.Background())

	assert.ErrorIs(t, err, ErrReconnectExhausted)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}, *delays)
	assert.Equal(t, 5, transport.dials)
	assert.Equal(t, StateFailed, tr.ConnectionState())
}

func TestRunResetsBackoffAfterConnecting(t *testing.T) {
	transport := &fakeTransport{connects: []func() (Stream, error){
		refused,
		refused,
		func() (Stream, error) {
			s := newFakeStream()
			close(s.events)
			return s, nil
		},
	}}
	tr := newTestTracker(t, transport, Config{MaxReconnectAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second})
	delays := recordSleeps(tr)

	err := tr.Run(context.Background())

	assert.ErrorIs(t, err, ErrReconnectExhausted)
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second,
		time.Second, 2 * time.Second, 4 * time.Second,
	}, *delays)
}

func TestRunDeliversEventsUntilCancelled(t *testing.T) {
	stream := newFakeStream()
	transport := &fakeTransport{connects: []func() (Stream, error){
		func() (Stream, error) { return stream, nil },
	}}
	tr := newTestTracker(t, transport, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	stream.events <- event(pastaURL, progress.StageScraping)
	require.Eventually(t, func() bool { return len(tr.Active()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnected, tr.ConnectionState())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateDisconnected, tr.ConnectionState())

	select {
	case <-stream.closed:
	default:
		t.Fatal("stream was not closed")
	}
}

func TestBackoff(t *testing.T) {
	tr := newTestTracker(t, &fakeTransport{}, DefaultConfig())

	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		assert.Equal(t, w*time.Second, tr.backoff(i+1), "attempt %d", i+1)
	}
}
