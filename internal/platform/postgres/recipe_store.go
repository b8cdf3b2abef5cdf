package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/recipe-forge/internal/domain"
	"github.com/phrazzld/recipe-forge/internal/platform/logger"
	"github.com/phrazzld/recipe-forge/internal/store"
)

// PostgresRecipeStore implements the store.RecipeStore interface
// using a PostgreSQL database as the storage backend.
type PostgresRecipeStore struct {
	db     store.DBTX
	logger *slog.Logger
	now    func() time.Time
}

// Ensure PostgresRecipeStore implements store.RecipeStore interface
var _ store.RecipeStore = (*PostgresRecipeStore)(nil)

// NewPostgresRecipeStore creates a new PostgreSQL implementation of the RecipeStore interface.
// It accepts a database connection or transaction that should be initialized and managed by the caller.
// If logger is nil, a default logger will be used.
func NewPostgresRecipeStore(db store.DBTX, logger *slog.Logger) *PostgresRecipeStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRecipeStore{
		db:     db,
		logger: logger.With(slog.String("component", "recipe_store")),
		now:    time.Now,
	}
}

const recipeColumns = `id, subject_key, source_url, user_id, title, description, cuisine, type,
	difficulty, servings, prep_time, cook_time, ingredients, recipe_steps,
	is_multi_section, sections, data, created_at, updated_at`

// Save implements store.RecipeStore.Save.
// The insert and the conflict update happen in one statement keyed on
// subject_key, so racing workers end up with a single row.
func (s *PostgresRecipeStore) Save(ctx context.Context, recipe *domain.Recipe) (int64, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := recipe.Validate(); err != nil {
		log.Warn("recipe validation failed during save",
			slog.String("error", err.Error()),
			slog.String("subject_key", recipe.SubjectKey))
		return 0, fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	ingredients, steps, sections, err := encodeLists(recipe)
	if err != nil {
		return 0, store.NewStoreError("recipe", "save", "failed to encode recipe lists", err)
	}

	now := s.now().UTC()
	query := `
		INSERT INTO recipes (subject_key, source_url, user_id, title, description, cuisine, type,
			difficulty, servings, prep_time, cook_time, ingredients, recipe_steps,
			is_multi_section, sections, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17)
		ON CONFLICT (subject_key) DO UPDATE SET
			source_url = EXCLUDED.source_url,
			user_id = EXCLUDED.user_id,
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			cuisine = EXCLUDED.cuisine,
			type = EXCLUDED.type,
			difficulty = EXCLUDED.difficulty,
			servings = EXCLUDED.servings,
			prep_time = EXCLUDED.prep_time,
			cook_time = EXCLUDED.cook_time,
			ingredients = EXCLUDED.ingredients,
			recipe_steps = EXCLUDED.recipe_steps,
			is_multi_section = EXCLUDED.is_multi_section,
			sections = EXCLUDED.sections,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`

	var id int64
	err = s.db.QueryRowContext(ctx, query,
		recipe.SubjectKey,
		nullString(recipe.SourceURL),
		nullString(recipe.UserID),
		recipe.Title,
		recipe.Description,
		recipe.Cuisine,
		recipe.Type,
		recipe.Difficulty,
		recipe.Servings,
		recipe.PrepTime,
		recipe.CookTime,
		string(ingredients),
		string(steps),
		recipe.IsMultiSection,
		string(sections),
		nullJSON(recipe.Data),
		now,
	).Scan(&id)
	if err != nil {
		log.Error("failed to save recipe",
			slog.String("error", err.Error()),
			slog.String("subject_key", recipe.SubjectKey))
		return 0, store.NewStoreError("recipe", "save", "upsert failed", MapError(err))
	}

	recipe.ID = id
	log.Info("recipe saved",
		slog.Int64("recipe_id", id),
		slog.String("subject_key", recipe.SubjectKey))
	return id, nil
}

// FindByID implements store.RecipeStore.FindByID.
func (s *PostgresRecipeStore) FindByID(ctx context.Context, id int64) (*domain.Recipe, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recipeColumns+` FROM recipes WHERE id = $1`, id)
	return s.scan(ctx, row, slog.Int64("recipe_id", id))
}

// FindBySubjectKey implements store.RecipeStore.FindBySubjectKey.
func (s *PostgresRecipeStore) FindBySubjectKey(ctx context.Context, key string) (*domain.Recipe, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recipeColumns+` FROM recipes WHERE subject_key = $1`, key)
	return s.scan(ctx, row, slog.String("subject_key", key))
}

// Delete implements store.RecipeStore.Delete.
func (s *PostgresRecipeStore) Delete(ctx context.Context, id int64) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	result, err := s.db.ExecContext(ctx, `DELETE FROM recipes WHERE id = $1`, id)
	if err != nil {
		log.Error("failed to delete recipe", slog.String("error", err.Error()), slog.Int64("recipe_id", id))
		return store.NewStoreError("recipe", "delete", "delete failed", MapError(err))
	}
	if err := CheckRowsAffected(result, store.ErrRecipeNotFound); err != nil {
		return err
	}

	log.Info("recipe deleted", slog.Int64("recipe_id", id))
	return nil
}

func (s *PostgresRecipeStore) scan(ctx context.Context, row *sql.Row, attr slog.Attr) (*domain.Recipe, error) {
	var (
		r                            domain.Recipe
		sourceURL, userID            sql.NullString
		ingredients, steps, sections []byte
		data                         []byte
	)

	err := row.Scan(
		&r.ID, &r.SubjectKey, &sourceURL, &userID, &r.Title, &r.Description, &r.Cuisine, &r.Type,
		&r.Difficulty, &r.Servings, &r.PrepTime, &r.CookTime, &ingredients, &steps,
		&r.IsMultiSection, &sections, &data, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrRecipeNotFound
	}
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to load recipe",
			slog.String("error", err.Error()), attr)
		return nil, store.NewStoreError("recipe", "find", "query failed", MapError(err))
	}

	r.SourceURL = sourceURL.String
	r.UserID = userID.String
	if len(data) > 0 {
		r.Data = json.RawMessage(data)
	}

	if err := json.Unmarshal(ingredients, &r.Ingredients); err != nil {
		return nil, store.NewStoreError("recipe", "find", "corrupt ingredients", err)
	}
	if err := json.Unmarshal(steps, &r.RecipeSteps); err != nil {
		return nil, store.NewStoreError("recipe", "find", "corrupt recipe steps", err)
	}
	if err := json.Unmarshal(sections, &r.Sections); err != nil {
		return nil, store.NewStoreError("recipe", "find", "corrupt sections", err)
	}
	if len(r.Sections) == 0 {
		r.Sections = nil
	}
	return &r, nil
}

func encodeLists(r *domain.Recipe) (ingredients, steps, sections []byte, err error) {
	if ingredients, err = json.Marshal(r.Ingredients); err != nil {
		return nil, nil, nil, err
	}
	if steps, err = json.Marshal(r.RecipeSteps); err != nil {
		return nil, nil, nil, err
	}
	secs := r.Sections
	if secs == nil {
		secs = []domain.RecipeSection{}
	}
	if sections, err = json.Marshal(secs); err != nil {
		return nil, nil, nil, err
	}
	return ingredients, steps, sections, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullJSON passes JSONB values as strings so pgx sends text rather than bytea.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
