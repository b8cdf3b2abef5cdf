package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/phrazzld/recipe-forge/internal/domain"
	"github.com/phrazzld/recipe-forge/internal/progress"
	"github.com/phrazzld/recipe-forge/internal/task"
)

// ScrapeRequest asks for a recipe to be scraped from a web page.
type ScrapeRequest struct {
	URL string `json:"url" validate:"required,max=2048"`
}

// ScrapeReceipt confirms a scrape task was queued. It is not the scrape result.
type ScrapeReceipt struct {
	URL    string `json:"url"`
	TaskID string `json:"taskId"`
	Queued bool   `json:"queued"`
}

// InventReceipt confirms an invent task was queued. TaskID is also the subject
// key the task's progress events carry.
type InventReceipt struct {
	TaskID string `json:"taskId"`
	Title  string `json:"title"`
	Queued bool   `json:"queued"`
}

// EnqueueService turns validated requests into queued tasks.
type EnqueueService interface {
	// EnqueueScrape validates the URL and queues one scrape task for it.
	EnqueueScrape(ctx context.Context, userID string, req ScrapeRequest) (*ScrapeReceipt, error)

	// EnqueueInvent validates the request and queues one invent task under a
	// freshly generated task id.
	EnqueueInvent(ctx context.Context, userID string, req domain.InventRequest) (*InventReceipt, error)
}

type enqueueServiceImpl struct {
	scrape   task.Enqueuer
	invent   task.Enqueuer
	reporter *task.Reporter
	validate *validator.Validate
	newID    func() string
	logger   *slog.Logger
}

var _ EnqueueService = (*enqueueServiceImpl)(nil)

// NewEnqueueService creates an EnqueueService writing to the scrape and invent
// queues and announcing accepted work through reporter.
func NewEnqueueService(
	scrape task.Enqueuer,
	invent task.Enqueuer,
	reporter *task.Reporter,
	logger *slog.Logger,
) (EnqueueService, error) {
	if scrape == nil || invent == nil {
		return nil, NewServiceError("enqueue", "create_service", errors.New("scrape and invent queues are required"))
	}
	if reporter == nil {
		return nil, NewServiceError("enqueue", "create_service", errors.New("reporter cannot be nil"))
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &enqueueServiceImpl{
		scrape:   scrape,
		invent:   invent,
		reporter: reporter,
		validate: newValidator(),
		newID:    func() string { return uuid.New().String() },
		logger:   logger.With("component", "enqueue_service"),
	}, nil
}

// EnqueueScrape implements EnqueueService.
func (s *enqueueServiceImpl) EnqueueScrape(
	ctx context.Context,
	userID string,
	req ScrapeRequest,
) (*ScrapeReceipt, error) {
	req.URL = strings.TrimSpace(req.URL)
	if err := s.validate.Struct(req); err != nil {
		return nil, invalidRequest(err)
	}
	if err := domain.ValidateSourceURL(req.URL); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	taskID, err := s.scrape.Enqueue(ctx, task.ScrapePayload{URL: req.URL, UserID: userID})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to enqueue scrape task",
			"error", err,
			"url", req.URL,
			"user_id", userID)
		return nil, NewServiceError("enqueue", "enqueue_scrape", fmt.Errorf("%w: %w", ErrEnqueueFailed, err))
	}

	s.reporter.Stage(ctx, task.Subject{Key: req.URL, UserID: userID}, progress.StageQueued)
	s.logger.InfoContext(ctx, "scrape task queued",
		"task_id", taskID,
		"url", req.URL,
		"user_id", userID)

	return &ScrapeReceipt{URL: req.URL, TaskID: taskID, Queued: true}, nil
}

// EnqueueInvent implements EnqueueService.
func (s *enqueueServiceImpl) EnqueueInvent(
	ctx context.Context,
	userID string,
	req domain.InventRequest,
) (*InventReceipt, error) {
	req.Title = strings.TrimSpace(req.Title)
	if err := s.validate.Struct(req); err != nil {
		return nil, invalidRequest(err)
	}

	taskID := s.newID()
	payload := task.InventPayload{TaskID: taskID, UserID: userID, Request: req}
	if _, err := s.invent.Enqueue(ctx, payload); err != nil {
		s.logger.ErrorContext(ctx, "failed to enqueue invent task",
			"error", err,
			"task_id", taskID,
			"user_id", userID)
		return nil, NewServiceError("enqueue", "enqueue_invent", fmt.Errorf("%w: %w", ErrEnqueueFailed, err))
	}

	s.reporter.Stage(ctx, task.Subject{Key: taskID, UserID: userID}, progress.StageQueued)
	s.logger.InfoContext(ctx, "invent task queued",
		"task_id", taskID,
		"title", req.Title,
		"user_id", userID)

	return &InventReceipt{TaskID: taskID, Title: req.Title, Queued: true}, nil
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// invalidRequest converts validator output into a client-safe message naming
// the offending fields.
func invalidRequest(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describeField(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(msgs, "; "))
}

func describeField(fe validator.FieldError) string {
	field := lowerFirst(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	default:
		return field + " is invalid"
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
