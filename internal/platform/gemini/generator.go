package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"text/template"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/phrazzld/recipe-forge/internal/config"
	"github.com/phrazzld/recipe-forge/internal/domain"
	"github.com/phrazzld/recipe-forge/internal/generation"
	"github.com/phrazzld/recipe-forge/internal/metrics"
	"github.com/phrazzld/recipe-forge/internal/tracing"
)

const (
	operationExtract = "extract"
	operationInvent  = "invent"
)

// ContentGenerator is the subset of the genai client the generator uses.
// *genai.Models satisfies it.
type ContentGenerator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// Generator implements generation.Generator using the Gemini API.
type Generator struct {
	logger  *slog.Logger
	config  config.LLMConfig
	models  ContentGenerator
	limiter *rate.Limiter

	extractPrompt *template.Template
	inventPrompt  *template.Template

	// sleep waits between retries; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error

	rngMu sync.Mutex
	rng   *rand.Rand
}

var _ generation.Generator = (*Generator)(nil)

// NewGenerator creates a Generator backed by a live Gemini client.
func NewGenerator(ctx context.Context, logger *slog.Logger, cfg config.LLMConfig) (*Generator, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", generation.ErrInvalidConfig)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", generation.ErrInvalidConfig, err)
	}

	return NewGeneratorWithClient(logger, cfg, client.Models)
}

// NewGeneratorWithClient creates a Generator around an existing model client.
func NewGeneratorWithClient(logger *slog.Logger, cfg config.LLMConfig, models ContentGenerator) (*Generator, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if models == nil {
		return nil, fmt.Errorf("%w: model client cannot be nil", generation.ErrInvalidConfig)
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", generation.ErrInvalidConfig)
	}

	extract, err := loadTemplate(extractTemplate, cfg.ExtractPromptPath)
	if err != nil {
		return nil, err
	}
	invent, err := loadTemplate(inventTemplate, cfg.InventPromptPath)
	if err != nil {
		return nil, err
	}

	if cfg.MaxRetries < 0 {
		logger.Warn("invalid max retries value, using default", "max_retries", 3)
		cfg.MaxRetries = 3
	}

	return &Generator{
		logger:        logger.With("component", "gemini"),
		config:        cfg,
		models:        models,
		limiter:       newLimiter(cfg.RequestsPerMinute),
		extractPrompt: extract,
		inventPrompt:  invent,
		sleep:         sleepContext,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func newLimiter(rpm int) *rate.Limiter {
	if rpm <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(rpm)/60), 1)
}

// ExtractRecipe implements generation.Generator.
func (g *Generator) ExtractRecipe(ctx context.Context, content string) (*domain.Recipe, error) {
	if strings.TrimSpace(content) == "" {
		return nil, generation.ErrEmptyInput
	}
	prompt, err := renderExtract(g.extractPrompt, content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", generation.ErrGenerationFailed, err)
	}
	return g.generate(ctx, operationExtract, prompt, g.config.ExtractTemperature)
}

// InventRecipe implements generation.Generator.
func (g *Generator) InventRecipe(ctx context.Context, req domain.InventRequest) (*domain.Recipe, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, generation.ErrEmptyInput
	}
	prompt, err := renderInvent(g.inventPrompt, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", generation.ErrGenerationFailed, err)
	}
	return g.generate(ctx, operationInvent, prompt, g.config.InventTemperature)
}

func (g *Generator) generate(ctx context.Context, operation, prompt string, temperature float32) (recipe *domain.Recipe, err error) {
	ctx, span := tracing.ExternalCallSpan(ctx, "gemini", operation)
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.AIRequestDurationSeconds.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())
		tracing.End(span, err)
	}()

	text, err := g.callWithRetry(ctx, operation, prompt, temperature)
	if err != nil {
		return nil, err
	}

	recipe, err = generation.ParseRecipe([]byte(text))
	if err != nil {
		g.logger.WarnContext(ctx, "model response failed validation",
			"operation", operation,
			"error", err)
		return nil, err
	}

	g.logger.InfoContext(ctx, "recipe generated",
		"operation", operation,
		"title", recipe.Title,
		"ingredients", len(recipe.Ingredients),
		"steps", len(recipe.RecipeSteps))
	return recipe, nil
}

func (g *Generator) requestConfig(temperature float32) *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		Temperature:      ptr(temperature),
		ResponseMIMEType: "application/json",
		ResponseSchema:   recipeSchema,
	}
}

// callWithRetry calls the model with exponential backoff for transient
// errors:
//
//	delay = baseDelay * 2^attempt * (0.5 + rand(0, 0.5))
//
// Blocked content and malformed responses are returned without retrying.
func (g *Generator) callWithRetry(ctx context.Context, operation, prompt string, temperature float32) (string, error) {
	if prompt == "" {
		return "", ErrEmptyPrompt
	}

	maxRetries := g.config.MaxRetries
	baseDelay := time.Duration(g.config.RetryDelaySeconds) * time.Second
	cfg := g.requestConfig(temperature)

	for attempt := 0; ; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("%w: %v", generation.ErrTransientFailure, err)
		}

		g.logger.DebugContext(ctx, "making Gemini API call",
			"operation", operation,
			"attempt", attempt+1,
			"max_attempts", maxRetries+1)

		resp, err := g.models.GenerateContent(ctx, g.config.ModelName, genai.Text(prompt), cfg)
		if err == nil {
			return responseText(resp)
		}

		if !isTransient(err) {
			g.logger.WarnContext(ctx, "permanent Gemini API error, not retrying",
				"operation", operation,
				"error", err)
			return "", fmt.Errorf("%w: %v", generation.ErrGenerationFailed, err)
		}

		if attempt >= maxRetries {
			g.logger.WarnContext(ctx, "maximum retry attempts reached",
				"operation", operation,
				"max_retries", maxRetries,
				"error", err)
			return "", fmt.Errorf("%w: exceeded maximum retry attempts (%d): %v",
				generation.ErrTransientFailure, maxRetries, err)
		}

		delay := g.backoff(baseDelay, attempt)
		g.logger.InfoContext(ctx, "retrying Gemini API call after delay",
			"operation", operation,
			"attempt", attempt+1,
			"delay", delay,
			"error", err)

		if err := g.sleep(ctx, delay); err != nil {
			return "", fmt.Errorf("%w: %v", generation.ErrTransientFailure, err)
		}
	}
}

func (g *Generator) backoff(base time.Duration, attempt int) time.Duration {
	g.rngMu.Lock()
	jitter := 0.5 + g.rng.Float64()*0.5
	g.rngMu.Unlock()
	return time.Duration(float64(base) * math.Pow(2, float64(attempt)) * jitter)
}

// responseText concatenates the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", fmt.Errorf("%w: nil response", generation.ErrInvalidResponse)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("%w: prompt blocked: %s", generation.ErrContentBlocked, resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: no content generated", generation.ErrInvalidResponse)
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return "", fmt.Errorf("%w: content blocked by safety filters", generation.ErrContentBlocked)
	}
	if candidate.Content == nil {
		return "", fmt.Errorf("%w: empty content in response", generation.ErrInvalidResponse)
	}

	var b strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil {
			b.WriteString(part.Text)
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", fmt.Errorf("%w: empty text in response", generation.ErrInvalidResponse)
	}
	return b.String(), nil
}

var permanentMarkers = []string{
	"400", "401", "403", "404",
	"INVALID_ARGUMENT", "PERMISSION_DENIED", "UNAUTHENTICATED", "NOT_FOUND",
}

// isTransient reports whether a transport error is worth retrying.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	msg := err.Error()
	for _, m := range permanentMarkers {
		if strings.Contains(msg, m) {
			return false
		}
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func ptr[T any](v T) *T {
	return &v
}
