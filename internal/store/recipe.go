package store

import (
	"context"

	"github.com/phrazzld/recipe-forge/internal/domain"
)

// RecipeStore persists the recipes produced by the pipeline.
type RecipeStore interface {
	// Save inserts the recipe, or updates the existing row with the same
	// subject key, and returns its id. Concurrent saves for one subject key
	// never produce two rows.
	Save(ctx context.Context, recipe *domain.Recipe) (int64, error)

	// FindByID returns ErrRecipeNotFound when no recipe has the id.
	FindByID(ctx context.Context, id int64) (*domain.Recipe, error)

	// FindBySubjectKey returns ErrRecipeNotFound when nothing was stored for key.
	FindBySubjectKey(ctx context.Context, key string) (*domain.Recipe, error)

	// Delete returns ErrRecipeNotFound when no recipe has the id.
	Delete(ctx context.Context, id int64) error
}
