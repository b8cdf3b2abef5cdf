package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/phrazzld/recipe-forge/internal/claims"
	"github.com/phrazzld/recipe-forge/internal/domain"
	"github.com/phrazzld/recipe-forge/internal/generation"
	"github.com/phrazzld/recipe-forge/internal/htmlclean"
	"github.com/phrazzld/recipe-forge/internal/progress"
	"github.com/phrazzld/recipe-forge/internal/queue"
	"github.com/phrazzld/recipe-forge/internal/scrape"
	"github.com/phrazzld/recipe-forge/internal/store"
)

// ContentStore keeps raw page content between the scrape and ai stages.
type ContentStore interface {
	Save(url, content string) (string, error)
	Load(path string) (string, error)
}

// recipeSink stores generated recipes and announces them.
type recipeSink struct {
	recipes  store.RecipeStore
	done     *claims.Tracker
	reporter *Reporter
	logger   *slog.Logger
}

// store persists recipe for subj, marks the subject processed, and
// publishes ai_processed followed by stored. The processed marker is set
// before stored goes out, so a duplicate that arrives after a client saw
// stored is always dropped.
func (s *recipeSink) store(ctx context.Context, subj Subject, recipe *domain.Recipe) error {
	recipe.SubjectKey = subj.Key
	recipe.UserID = subj.UserID
	if err := recipe.Validate(); err != nil {
		return err
	}

	id, err := s.recipes.Save(ctx, recipe)
	if err != nil {
		return fmt.Errorf("failed to save recipe: %w", err)
	}

	if _, err := s.done.MarkProcessed(ctx, subj.Key); err != nil {
		s.logger.ErrorContext(ctx, "failed to mark subject processed",
			"subject", subj.Key,
			"recipe_id", id,
			"error", err)
	}

	s.reporter.Recipe(ctx, subj, progress.StageAIProcessed, id)
	s.reporter.Recipe(ctx, subj, progress.StageStored, id)

	s.logger.InfoContext(ctx, "recipe stored",
		"subject", subj.Key,
		"recipe_id", id,
		"title", recipe.Title)
	return nil
}

// ScrapePipeline fetches pages and queues them for extraction.
type ScrapePipeline struct {
	fetcher  scrape.Fetcher
	content  ContentStore
	next     Enqueuer
	reporter *Reporter
	logger   *slog.Logger
}

// NewScrapePipeline creates a ScrapePipeline that enqueues onto next (the ai
// queue).
func NewScrapePipeline(fetcher scrape.Fetcher, content ContentStore, next Enqueuer, reporter *Reporter, logger *slog.Logger) *ScrapePipeline {
	return &ScrapePipeline{
		fetcher:  fetcher,
		content:  content,
		next:     next,
		reporter: reporter,
		logger:   logger,
	}
}

// Queue implements Pipeline.
func (p *ScrapePipeline) Queue() string { return queue.Scrape }

// Subject implements Pipeline.
func (p *ScrapePipeline) Subject(t *queue.Task) (Subject, error) {
	var payload ScrapePayload
	if err := t.Decode(&payload); err != nil {
		return Subject{}, err
	}
	if err := domain.ValidateSourceURL(payload.URL); err != nil {
		return Subject{}, err
	}
	return Subject{Key: payload.URL, UserID: payload.UserID}, nil
}

// Run implements Pipeline.
func (p *ScrapePipeline) Run(ctx context.Context, _ *queue.Task, subj Subject) error {
	p.reporter.Stage(ctx, subj, progress.StageScraping)

	html, err := p.fetcher.Fetch(ctx, subj.Key)
	if err != nil {
		return err
	}

	path, err := p.content.Save(subj.Key, html)
	if err != nil {
		return err
	}

	p.reporter.Stage(ctx, subj, progress.StageScraped)

	if _, err := p.next.Enqueue(ctx, ExtractPayload{
		URL:         subj.Key,
		UserID:      subj.UserID,
		ContentPath: path,
	}); err != nil {
		return fmt.Errorf("failed to queue extraction: %w", err)
	}

	p.logger.InfoContext(ctx, "page scraped",
		"subject", subj.Key,
		"bytes", len(html))
	return nil
}

// ExtractPipeline turns stored pages into recipes.
type ExtractPipeline struct {
	generator   generation.Generator
	content     ContentStore
	tokenBudget int
	sink        recipeSink
}

// NewExtractPipeline creates an ExtractPipeline. Cleaned page content is
// truncated to tokenBudget before it reaches the generator.
func NewExtractPipeline(
	generator generation.Generator,
	content ContentStore,
	tokenBudget int,
	deps RunnerDeps,
	logger *slog.Logger,
) *ExtractPipeline {
	return &ExtractPipeline{
		generator:   generator,
		content:     content,
		tokenBudget: tokenBudget,
		sink: recipeSink{
			recipes:  deps.Recipes,
			done:     deps.Done,
			reporter: deps.Reporter,
			logger:   logger,
		},
	}
}

// Queue implements Pipeline.
func (p *ExtractPipeline) Queue() string { return queue.AI }

// Subject implements Pipeline.
func (p *ExtractPipeline) Subject(t *queue.Task) (Subject, error) {
	var payload ExtractPayload
	if err := t.Decode(&payload); err != nil {
		return Subject{}, err
	}
	if payload.URL == "" || payload.ContentPath == "" {
		return Subject{}, fmt.Errorf("%w: url and contentPath are required", domain.ErrValidation)
	}
	return Subject{Key: payload.URL, UserID: payload.UserID}, nil
}

// Run implements Pipeline.
func (p *ExtractPipeline) Run(ctx context.Context, t *queue.Task, subj Subject) error {
	var payload ExtractPayload
	if err := t.Decode(&payload); err != nil {
		return err
	}

	p.sink.reporter.Stage(ctx, subj, progress.StageAIProcessing)

	raw, err := p.content.Load(payload.ContentPath)
	if err != nil {
		return errors.New("scraped content is no longer available")
	}

	cleaned, err := htmlclean.CleanString(raw)
	if err != nil {
		return fmt.Errorf("failed to clean page content: %w", err)
	}
	if strings.TrimSpace(cleaned) == "" {
		return fmt.Errorf("%w: page has no readable content", domain.ErrEmptyContent)
	}

	content, truncated := htmlclean.Truncate(cleaned, p.tokenBudget)
	if truncated {
		p.sink.logger.InfoContext(ctx, "page content truncated to token budget",
			"subject", subj.Key,
			"estimated_tokens", htmlclean.EstimateTokens(cleaned),
			"token_budget", p.tokenBudget)
	}

	recipe, err := p.generator.ExtractRecipe(ctx, content)
	if err != nil {
		return err
	}
	recipe.SourceURL = subj.Key

	return p.sink.store(ctx, subj, recipe)
}

// InventPayload is the body of an invent task.
type InventPayload struct {
	TaskID  string               `json:"taskId"`
	UserID  string               `json:"userId,omitempty"`
	Request domain.InventRequest `json:"request"`
}

// InventPipeline generates recipes from a description.
type InventPipeline struct {
	generator generation.Generator
	sink      recipeSink
}

// NewInventPipeline creates an InventPipeline.
func NewInventPipeline(generator generation.Generator, deps RunnerDeps, logger *slog.Logger) *InventPipeline {
	return &InventPipeline{
		generator: generator,
		sink: recipeSink{
			recipes:  deps.Recipes,
			done:     deps.Done,
			reporter: deps.Reporter,
			logger:   logger,
		},
	}
}

// Queue implements Pipeline.
func (p *InventPipeline) Queue() string { return queue.Invent }

// Subject implements Pipeline.
func (p *InventPipeline) Subject(t *queue.Task) (Subject, error) {
	var payload InventPayload
	if err := t.Decode(&payload); err != nil {
		return Subject{}, err
	}
	if payload.TaskID == "" {
		return Subject{}, fmt.Errorf("%w: taskId is required", domain.ErrValidation)
	}
	return Subject{Key: payload.TaskID, UserID: payload.UserID}, nil
}

// Run implements Pipeline.
func (p *InventPipeline) Run(ctx context.Context, t *queue.Task, subj Subject) error {
	var payload InventPayload
	if err := t.Decode(&payload); err != nil {
		return err
	}

	p.sink.reporter.Stage(ctx, subj, progress.StageAIProcessing)

	recipe, err := p.generator.InventRecipe(ctx, payload.Request)
	if err != nil {
		return err
	}
	return p.sink.store(ctx, subj, recipe)
}
