package generation

import (
	"context"

	"github.com/phrazzld/recipe-forge/internal/domain"
)

// Generator turns page content or a user's description into a recipe.
// Returned recipes have passed ParseRecipe; callers fill in identity fields
// (subject key, source URL, user) before persisting.
type Generator interface {
	// ExtractRecipe reads a recipe out of cleaned page content.
	ExtractRecipe(ctx context.Context, content string) (*domain.Recipe, error)

	// InventRecipe creates a new recipe from a description.
	InventRecipe(ctx context.Context, req domain.InventRequest) (*domain.Recipe, error)
}
