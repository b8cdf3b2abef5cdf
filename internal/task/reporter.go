package task

import (
	"context"
	"log/slog"

	"github.com/phrazzld/recipe-forge/internal/progress"
	"github.com/phrazzld/recipe-forge/internal/redact"
)

// Reporter publishes progress for subjects. Progress is best effort: a
// publish failure is logged and never fails the task.
type Reporter struct {
	pub    progress.Publisher
	logger *slog.Logger
}

// NewReporter creates a Reporter.
func NewReporter(pub progress.Publisher, logger *slog.Logger) *Reporter {
	return &Reporter{pub: pub, logger: logger}
}

func (r *Reporter) publish(ctx context.Context, ev progress.Event) {
	if err := r.pub.Publish(ctx, ev); err != nil {
		r.logger.WarnContext(ctx, "failed to publish progress event",
			"subject", ev.SubjectKey,
			"stage", ev.Stage,
			"error", err)
	}
}

// Stage announces that subj reached stage.
func (r *Reporter) Stage(ctx context.Context, subj Subject, stage progress.Stage) {
	ev := progress.NewEvent(subj.Key, stage)
	ev.UserID = subj.UserID
	r.publish(ctx, ev)
}

// Recipe announces a stage that carries the stored recipe id.
func (r *Reporter) Recipe(ctx context.Context, subj Subject, stage progress.Stage, recipeID int64) {
	ev := progress.NewEvent(subj.Key, stage)
	ev.UserID = subj.UserID
	ev.RecipeID = recipeID
	r.publish(ctx, ev)
}

// Failed announces a terminal failure. The message is redacted before it
// leaves the process.
func (r *Reporter) Failed(ctx context.Context, subj Subject, err error) {
	ev := progress.NewEvent(subj.Key, progress.StageFailed)
	ev.UserID = subj.UserID
	ev.Error = redact.Message(err)
	r.publish(ctx, ev)
}
