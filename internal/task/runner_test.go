package task

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/recipe-forge/internal/claims"
	"github.com/phrazzld/recipe-forge/internal/domain"
	"github.com/phrazzld/recipe-forge/internal/generation"
	"github.com/phrazzld/recipe-forge/internal/progress"
	"github.com/phrazzld/recipe-forge/internal/queue"
	"github.com/phrazzld/recipe-forge/internal/scrape"
	"github.com/phrazzld/recipe-forge/internal/store"
)

const pastaURL = "https://example.com/pasta"

const pastaJSON = `{"title":"Pasta","ingredients":["pasta","water"],"recipeSteps":["boil water","cook pasta"],"servings":2,"difficulty":"easy"}`

// recorder is a progress.Publisher that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Publish(_ context.Context, ev progress.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) all() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Event(nil), r.events...)
}

func (r *recorder) stages(key string) []progress.Stage {
	var out []progress.Stage
	for _, ev := range r.all() {
		if ev.SubjectKey == key {
			out = append(out, ev.Stage)
		}
	}
	return out
}

func (r *recorder) last(key string) progress.Event {
	var last progress.Event
	for _, ev := range r.all() {
		if ev.SubjectKey == key {
			last = ev
		}
	}
	return last
}

type stubFetcher struct {
	body  string
	err   error
	calls atomic.Int32
}

func (f *stubFetcher) Fetch(context.Context, string) (string, error) {
	f.calls.Add(1)
	return f.body, f.err
}

// fakeGenerator answers with a fixed model response run through the real
// response contract.
type fakeGenerator struct {
	response string
	err      error
	panicMsg string
	block    bool

	calls       atomic.Int32
	active      atomic.Int32
	maxActive   atomic.Int32
	lastContent atomic.Value
	delay       time.Duration
}

func (g *fakeGenerator) generate(ctx context.Context) (*domain.Recipe, error) {
	g.calls.Add(1)
	n := g.active.Add(1)
	defer g.active.Add(-1)
	for {
		m := g.maxActive.Load()
		if n <= m || g.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	if g.panicMsg != "" {
		panic(g.panicMsg)
	}
	if g.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	if g.err != nil {
		return nil, g.err
	}
	return generation.ParseRecipe([]byte(g.response))
}

func (g *fakeGenerator) ExtractRecipe(ctx context.Context, content string) (*domain.Recipe, error) {
	g.lastContent.Store(content)
	return g.generate(ctx)
}

func (g *fakeGenerator) InventRecipe(ctx context.Context, _ domain.InventRequest) (*domain.Recipe, error) {
	return g.generate(ctx)
}

type env struct {
	t        *testing.T
	rdb      *redis.Client
	queues   map[string]*queue.RedisQueue
	deps     RunnerDeps
	recipes  *store.MemoryRecipeStore
	events   *recorder
	content  *scrape.ContentStore
	fetcher  *stubFetcher
	gen      *fakeGenerator
	logger   *slog.Logger
	pipeline map[string]Pipeline
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	content, err := scrape.NewContentStore(t.TempDir())
	require.NoError(t, err)

	e := &env{
		t:       t,
		rdb:     rdb,
		queues:  make(map[string]*queue.RedisQueue),
		recipes: store.NewMemoryRecipeStore(),
		events:  &recorder{},
		content: content,
		fetcher: &stubFetcher{body: "<html><body><h1>Pasta</h1><ul><li>pasta</li><li>water</li></ul></body></html>"},
		gen:     &fakeGenerator{response: pastaJSON},
		logger:  logger,
	}
	for _, name := range queue.Names() {
		e.queues[name] = queue.New(rdb, name, queue.DefaultConfig(), logger)
	}

	done := claims.New(rdb, "recipes", time.Minute, logger)
	e.pipeline = make(map[string]Pipeline)

	scrapeDeps := e.depsFor(queue.Scrape, done)
	e.pipeline[queue.Scrape] = NewScrapePipeline(e.fetcher, content, e.queues[queue.AI], scrapeDeps.Reporter, logger)
	e.pipeline[queue.AI] = NewExtractPipeline(e.gen, content, 1000, e.depsFor(queue.AI, done), logger)
	e.pipeline[queue.Invent] = NewInventPipeline(e.gen, e.depsFor(queue.Invent, done), logger)
	e.deps = scrapeDeps
	return e
}

func (e *env) depsFor(name string, done *claims.Tracker) RunnerDeps {
	return RunnerDeps{
		Claims:   claims.New(e.rdb, name, time.Minute, e.logger),
		Done:     done,
		Recipes:  e.recipes,
		Reporter: NewReporter(e.events, e.logger),
	}
}

func (e *env) runner(name string, cfg RunnerConfig) *Runner {
	e.t.Helper()
	p := e.pipeline[name]
	deps := e.depsFor(name, e.deps.Done)
	r, err := NewRunner(e.queues[name], p, deps, cfg, e.logger)
	require.NoError(e.t, err)
	return r
}

// processNext dequeues one task and settles it synchronously.
func (e *env) processNext(r *Runner) {
	e.t.Helper()
	r.ctx, r.cancel = context.WithCancel(context.Background())
	defer r.cancel()

	tk, err := r.queue.Dequeue(r.ctx, time.Second)
	require.NoError(e.t, err)
	r.process(tk, r.logger)
}

func (e *env) stats(name string) queue.Stats {
	e.t.Helper()
	s, err := e.queues[name].Stats(context.Background())
	require.NoError(e.t, err)
	return s
}

func (e *env) enqueue(name string, payload any) string {
	e.t.Helper()
	id, err := e.queues[name].Enqueue(context.Background(), payload)
	require.NoError(e.t, err)
	return id
}

func TestNewRunnerValidation(t *testing.T) {
	e := newEnv(t)

	_, err := NewRunner(e.queues[queue.AI], e.pipeline[queue.Scrape], e.deps, DefaultRunnerConfig(), e.logger)
	assert.Error(t, err)

	_, err = NewRunner(e.queues[queue.Scrape], e.pipeline[queue.Scrape], RunnerDeps{}, DefaultRunnerConfig(), e.logger)
	assert.Error(t, err)

	r, err := NewRunner(e.queues[queue.Scrape], e.pipeline[queue.Scrape], e.deps, RunnerConfig{}, e.logger)
	require.NoError(t, err)
	assert.Equal(t, 1, r.config.Concurrency)
	assert.Equal(t, 5*time.Second, r.config.DequeueTimeout)
}

func TestScrapeToStoredEndToEnd(t *testing.T) {
	e := newEnv(t)
	e.recipes.SetNextID(42)
	ctx := context.Background()

	e.enqueue(queue.Scrape, ScrapePayload{URL: pastaURL, UserID: "user-1"})

	e.processNext(e.runner(queue.Scrape, DefaultRunnerConfig()))

	assert.Equal(t, int64(0), e.stats(queue.Scrape).Depth())
	assert.Equal(t, int64(1), e.stats(queue.AI).Pending)
	_, err := os.Stat(e.content.PathFor(pastaURL))
	require.NoError(t, err)

	e.processNext(e.runner(queue.AI, DefaultRunnerConfig()))

	assert.Equal(t, []progress.Stage{
		progress.StageScraping,
		progress.StageScraped,
		progress.StageAIProcessing,
		progress.StageAIProcessed,
		progress.StageStored,
	}, e.events.stages(pastaURL))

	stored := e.events.last(pastaURL)
	assert.Equal(t, int64(42), stored.RecipeID)
	assert.Equal(t, "user-1", stored.UserID)
	assert.NotZero(t, stored.Timestamp)

	recipe, err := e.recipes.FindByID(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "Pasta", recipe.Title)
	assert.Equal(t, pastaURL, recipe.SourceURL)
	assert.Equal(t, pastaURL, recipe.SubjectKey)
	assert.Equal(t, "user-1", recipe.UserID)
	assert.Equal(t, []string{"pasta", "water"}, recipe.Ingredients)

	content, _ := e.gen.lastContent.Load().(string)
	assert.Contains(t, content, "<h1>Pasta</h1>")

	done, err := e.deps.Done.HasProcessed(ctx, pastaURL)
	require.NoError(t, err)
	assert.True(t, done)

	claimed, err := claims.New(e.rdb, queue.AI, time.Minute, e.logger).IsClaimed(ctx, pastaURL)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, int64(0), e.stats(queue.AI).Depth())
}

func TestExtractRejectsEmptyTitle(t *testing.T) {
	e := newEnv(t)
	e.gen.response = `{"title":"","ingredients":[],"recipeSteps":[],"servings":2,"difficulty":"easy"}`
	path, err := e.content.Save(pastaURL, "<h1>Pasta</h1>")
	require.NoError(t, err)

	e.enqueue(queue.AI, ExtractPayload{URL: pastaURL, ContentPath: path})
	e.processNext(e.runner(queue.AI, DefaultRunnerConfig()))

	failed := e.events.last(pastaURL)
	assert.Equal(t, progress.StageFailed, failed.Stage)
	assert.Contains(t, failed.Error, "title must be a non-empty string")
	assert.Equal(t, []progress.Stage{progress.StageAIProcessing, progress.StageFailed}, e.events.stages(pastaURL))

	assert.Zero(t, e.recipes.Count())
	assert.Equal(t, int64(0), e.stats(queue.AI).Depth(), "failed tasks are acknowledged, not retried")

	done, err := e.deps.Done.HasProcessed(context.Background(), pastaURL)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestScrapeFetchFailure(t *testing.T) {
	e := newEnv(t)
	e.fetcher.err = errors.New("failed to fetch page: unexpected status 404 Not Found")

	e.enqueue(queue.Scrape, ScrapePayload{URL: pastaURL})
	e.processNext(e.runner(queue.Scrape, DefaultRunnerConfig()))

	failed := e.events.last(pastaURL)
	assert.Equal(t, progress.StageFailed, failed.Stage)
	assert.Contains(t, failed.Error, "404")
	assert.Equal(t, int64(0), e.stats(queue.Scrape).Depth())
	assert.Equal(t, int64(0), e.stats(queue.AI).Depth())
}

func TestAlreadyProcessedSubjectIsDropped(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	id, err := e.recipes.Save(ctx, &domain.Recipe{
		SubjectKey:  pastaURL,
		Title:       "Pasta",
		Difficulty:  "easy",
		Ingredients: []string{},
		RecipeSteps: []string{},
	})
	require.NoError(t, err)
	_, err = e.deps.Done.MarkProcessed(ctx, pastaURL)
	require.NoError(t, err)

	e.enqueue(queue.Scrape, ScrapePayload{URL: pastaURL})
	e.processNext(e.runner(queue.Scrape, DefaultRunnerConfig()))

	assert.Zero(t, e.fetcher.calls.Load())
	assert.Equal(t, []progress.Stage{progress.StageStored}, e.events.stages(pastaURL))
	assert.Equal(t, id, e.events.last(pastaURL).RecipeID)
	assert.Equal(t, int64(0), e.stats(queue.Scrape).Depth())
	assert.Equal(t, int64(0), e.stats(queue.AI).Depth())
}

func TestClaimedSubject(t *testing.T) {
	t.Run("fresh duplicate is dropped", func(t *testing.T) {
		e := newEnv(t)
		r := e.runner(queue.Scrape, DefaultRunnerConfig())
		_, ok, err := r.claims.TryClaim(context.Background(), pastaURL)
		require.NoError(t, err)
		require.True(t, ok)

		e.enqueue(queue.Scrape, ScrapePayload{URL: pastaURL})
		e.processNext(r)

		assert.Zero(t, e.fetcher.calls.Load())
		assert.Empty(t, e.events.all())
		assert.Equal(t, int64(0), e.stats(queue.Scrape).Depth())
	})

	t.Run("redelivery is deferred", func(t *testing.T) {
		e := newEnv(t)
		r := e.runner(queue.Scrape, DefaultRunnerConfig())
		_, ok, err := r.claims.TryClaim(context.Background(), pastaURL)
		require.NoError(t, err)
		require.True(t, ok)

		e.enqueue(queue.Scrape, ScrapePayload{URL: pastaURL})
		tk, err := e.queues[queue.Scrape].Dequeue(context.Background(), time.Second)
		require.NoError(t, err)
		moved, err := e.queues[queue.Scrape].Nack(context.Background(), tk)
		require.NoError(t, err)
		require.True(t, moved)

		e.processNext(r)

		assert.Zero(t, e.fetcher.calls.Load())
		assert.Equal(t, int64(1), e.stats(queue.Scrape).InFlight, "left for visibility-timeout redelivery")
	})
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	e := newEnv(t)

	e.enqueue(queue.Scrape, json.RawMessage(`{"url":"not a url"}`))
	e.processNext(e.runner(queue.Scrape, DefaultRunnerConfig()))

	assert.Zero(t, e.fetcher.calls.Load())
	assert.Empty(t, e.events.all())
	assert.Equal(t, int64(0), e.stats(queue.Scrape).Depth())
}

func TestPipelinePanicFailsTask(t *testing.T) {
	e := newEnv(t)
	e.gen.panicMsg = "boom"

	e.enqueue(queue.Invent, InventPayload{TaskID: "task-1", Request: domain.InventRequest{Title: "Soup"}})
	e.processNext(e.runner(queue.Invent, DefaultRunnerConfig()))

	failed := e.events.last("task-1")
	assert.Equal(t, progress.StageFailed, failed.Stage)
	assert.Equal(t, "internal error while processing task", failed.Error)
	assert.Equal(t, int64(0), e.stats(queue.Invent).Depth())

	claimed, err := claims.New(e.rdb, queue.Invent, time.Minute, e.logger).IsClaimed(context.Background(), "task-1")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestInventStoresRecipe(t *testing.T) {
	e := newEnv(t)

	e.enqueue(queue.Invent, InventPayload{TaskID: "task-7", UserID: "u", Request: domain.InventRequest{Title: "Pasta"}})
	e.processNext(e.runner(queue.Invent, DefaultRunnerConfig()))

	assert.Equal(t, []progress.Stage{
		progress.StageAIProcessing,
		progress.StageAIProcessed,
		progress.StageStored,
	}, e.events.stages("task-7"))

	recipe, err := e.recipes.FindBySubjectKey(context.Background(), "task-7")
	require.NoError(t, err)
	assert.Empty(t, recipe.SourceURL)
	assert.Equal(t, "u", recipe.UserID)
}

func TestShutdownLeavesTaskForRedelivery(t *testing.T) {
	e := newEnv(t)
	e.gen.block = true
	r := e.runner(queue.Invent, DefaultRunnerConfig())

	e.enqueue(queue.Invent, InventPayload{TaskID: "task-1", Request: domain.InventRequest{Title: "Soup"}})

	r.ctx, r.cancel = context.WithCancel(context.Background())
	tk, err := r.queue.Dequeue(r.ctx, time.Second)
	require.NoError(t, err)

	finished := make(chan struct{})
	go func() {
		r.process(tk, r.logger)
		close(finished)
	}()

	require.Eventually(t, func() bool { return e.gen.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	r.cancel()
	<-finished

	assert.Equal(t, int64(1), e.stats(queue.Invent).InFlight)
	assert.NotContains(t, e.events.stages("task-1"), progress.StageFailed)

	claimed, err := r.claims.IsClaimed(context.Background(), "task-1")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestRacingWorkersProcessSubjectOnce(t *testing.T) {
	e := newEnv(t)
	e.gen.delay = 50 * time.Millisecond

	const copies = 6
	for i := 0; i < copies; i++ {
		e.enqueue(queue.Invent, InventPayload{TaskID: "same-task", Request: domain.InventRequest{Title: "Soup"}})
	}

	cfg := DefaultRunnerConfig()
	cfg.Concurrency = copies
	cfg.DequeueTimeout = time.Second
	cfg.ReaperInterval = 0

	var runners []*Runner
	for i := 0; i < 2; i++ {
		r := e.runner(queue.Invent, cfg)
		require.NoError(t, r.Start())
		runners = append(runners, r)
	}
	defer func() {
		for _, r := range runners {
			r.Stop()
		}
	}()

	require.Eventually(t, func() bool {
		return e.stats(queue.Invent).Depth() == 0
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), e.gen.calls.Load())
	assert.Equal(t, int32(1), e.gen.maxActive.Load())
	assert.Equal(t, 1, e.recipes.Count())

	var stored int
	for _, ev := range e.events.all() {
		if ev.Stage == progress.StageStored {
			stored++
		}
		assert.NotEqual(t, progress.StageFailed, ev.Stage)
	}
	assert.GreaterOrEqual(t, stored, 1)
}

func TestRunStopsWhenContextEnds(t *testing.T) {
	e := newEnv(t)
	cfg := DefaultRunnerConfig()
	cfg.DequeueTimeout = time.Second
	r := e.runner(queue.Scrape, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	e.enqueue(queue.Scrape, ScrapePayload{URL: pastaURL})
	require.Eventually(t, func() bool { return e.stats(queue.AI).Pending == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}
