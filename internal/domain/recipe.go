package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Recipe is the artifact produced by the pipeline. The structured fields are
// the ones the pipeline validates; Data keeps the full structured response as
// returned by the model.
type Recipe struct {
	ID int64 `json:"id"`

	// SubjectKey is the identity the recipe was produced for: the source URL
	// for scraped recipes, the invent task id otherwise. Saves are upserts on it.
	SubjectKey string `json:"subjectKey"`
	SourceURL  string `json:"sourceUrl,omitempty"`
	UserID     string `json:"userId,omitempty"`

	Title          string          `json:"title"`
	Description    string          `json:"description,omitempty"`
	Cuisine        string          `json:"cuisine,omitempty"`
	Type           string          `json:"type,omitempty"`
	Difficulty     string          `json:"difficulty"`
	Servings       float64         `json:"servings"`
	PrepTime       string          `json:"prepTime,omitempty"`
	CookTime       string          `json:"cookTime,omitempty"`
	Ingredients    []string        `json:"ingredients"`
	RecipeSteps    []string        `json:"recipeSteps"`
	IsMultiSection bool            `json:"isMultiSection"`
	Sections       []RecipeSection `json:"sections,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RecipeSection is one component of a multi-section recipe, e.g. the dough
// and the filling of a pie.
type RecipeSection struct {
	Title       string   `json:"title"`
	Ingredients []string `json:"ingredients"`
	RecipeSteps []string `json:"recipeSteps"`
}

// Validate checks the invariants every persisted recipe satisfies.
func (r *Recipe) Validate() error {
	if strings.TrimSpace(r.SubjectKey) == "" {
		return fmt.Errorf("%w: subject key is required", ErrValidation)
	}
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("%w: title must be a non-empty string", ErrValidation)
	}
	if r.Ingredients == nil {
		return fmt.Errorf("%w: ingredients must be an array", ErrValidation)
	}
	if r.RecipeSteps == nil {
		return fmt.Errorf("%w: recipeSteps must be an array", ErrValidation)
	}
	if r.Servings < 0 {
		return fmt.Errorf("%w: servings must not be negative", ErrValidation)
	}
	if r.IsMultiSection {
		if len(r.Sections) == 0 {
			return fmt.Errorf("%w: multi-section recipe has no sections", ErrValidation)
		}
		for i, s := range r.Sections {
			if strings.TrimSpace(s.Title) == "" {
				return fmt.Errorf("%w: sections[%d].title must be a non-empty string", ErrValidation, i)
			}
		}
	}
	return nil
}

// InventRequest describes a recipe a user wants invented. Only the title is
// required; every other field narrows the generation.
type InventRequest struct {
	Title               string   `json:"title" validate:"required,min=1,max=200"`
	Description         string   `json:"description,omitempty" validate:"max=2000"`
	Cuisine             string   `json:"cuisine,omitempty" validate:"max=100"`
	Type                string   `json:"type,omitempty" validate:"max=100"`
	Difficulty          string   `json:"difficulty,omitempty" validate:"omitempty,oneof=easy medium hard"`
	Servings            int      `json:"servings,omitempty" validate:"gte=0,lte=100"`
	PrepTime            string   `json:"prepTime,omitempty" validate:"max=100"`
	CookTime            string   `json:"cookTime,omitempty" validate:"max=100"`
	Ingredients         []string `json:"ingredients,omitempty" validate:"max=100,dive,max=200"`
	DietaryRestrictions []string `json:"dietaryRestrictions,omitempty" validate:"max=20,dive,max=100"`
	CookingMethods      []string `json:"cookingMethods,omitempty" validate:"max=20,dive,max=100"`
	SpecialInstructions string   `json:"specialInstructions,omitempty" validate:"max=2000"`
}
