package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/phrazzld/recipe-forge/internal/domain"
	"github.com/phrazzld/recipe-forge/internal/store"
)

// RecipeService reads back the recipes the pipeline stored.
type RecipeService interface {
	// GetRecipe returns the recipe with the given id, or ErrRecipeNotFound.
	GetRecipe(ctx context.Context, id int64) (*domain.Recipe, error)
}

type recipeServiceImpl struct {
	recipes store.RecipeStore
	logger  *slog.Logger
}

// NewRecipeService creates a RecipeService backed by recipes.
func NewRecipeService(recipes store.RecipeStore, logger *slog.Logger) (RecipeService, error) {
	if recipes == nil {
		return nil, NewServiceError("recipe", "create_service", errors.New("recipe store cannot be nil"))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &recipeServiceImpl{
		recipes: recipes,
		logger:  logger.With("component", "recipe_service"),
	}, nil
}

// GetRecipe implements RecipeService.
func (s *recipeServiceImpl) GetRecipe(ctx context.Context, id int64) (*domain.Recipe, error) {
	if id <= 0 {
		return nil, ErrRecipeNotFound
	}

	recipe, err := s.recipes.FindByID(ctx, id)
	if err != nil {
		if store.IsNotFoundError(err) {
			return nil, ErrRecipeNotFound
		}
		s.logger.ErrorContext(ctx, "failed to load recipe", "error", err, "recipe_id", id)
		return nil, NewServiceError("recipe", "get_recipe", err)
	}
	return recipe, nil
}
