package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/recipe-forge/internal/domain"
	"github.com/phrazzld/recipe-forge/internal/store"
)

// openTestDB connects to DATABASE_URL and applies migrations, skipping the
// test when no database is configured.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping postgres integration test")
	}

	ctx := context.Background()
	db, err := Open(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(ctx, db, slog.New(slog.NewTextHandler(io.Discard, nil))))
	return db
}

func testRecipe(key string) *domain.Recipe {
	return &domain.Recipe{
		SubjectKey:  key,
		SourceURL:   key,
		UserID:      "user-1",
		Title:       "Pasta",
		Difficulty:  "easy",
		Servings:    2,
		Ingredients: []string{"pasta", "water"},
		RecipeSteps: []string{"boil", "drain"},
		Data:        json.RawMessage(`{"title":"Pasta"}`),
	}
}

func TestEncodeLists(t *testing.T) {
	r := testRecipe("k")
	ingredients, steps, sections, err := encodeLists(r)
	require.NoError(t, err)
	assert.JSONEq(t, `["pasta","water"]`, string(ingredients))
	assert.JSONEq(t, `["boil","drain"]`, string(steps))
	assert.JSONEq(t, `[]`, string(sections))
}

func TestSaveRejectsInvalidRecipe(t *testing.T) {
	// Validation happens before any query, so a nil-backed DBTX is never touched.
	s := NewPostgresRecipeStore(&sql.DB{}, nil)
	r := testRecipe("k")
	r.Title = ""

	_, err := s.Save(context.Background(), r)
	assert.ErrorIs(t, err, store.ErrInvalidEntity)
}

func TestRecipeStoreIntegration(t *testing.T) {
	db := openTestDB(t)
	s := NewPostgresRecipeStore(db, nil)
	ctx := context.Background()
	key := fmt.Sprintf("https://example.com/pasta-%d", time.Now().UnixNano())

	id, err := s.Save(ctx, testRecipe(key))
	require.NoError(t, err)
	require.NotZero(t, id)
	t.Cleanup(func() { _ = s.Delete(ctx, id) })

	t.Run("find by id", func(t *testing.T) {
		got, err := s.FindByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, key, got.SubjectKey)
		assert.Equal(t, []string{"pasta", "water"}, got.Ingredients)
		assert.JSONEq(t, `{"title":"Pasta"}`, string(got.Data))
	})

	t.Run("save is an upsert on subject key", func(t *testing.T) {
		r := testRecipe(key)
		r.Title = "Better Pasta"
		again, err := s.Save(ctx, r)
		require.NoError(t, err)
		assert.Equal(t, id, again)

		got, err := s.FindBySubjectKey(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "Better Pasta", got.Title)
	})

	t.Run("concurrent saves produce one row", func(t *testing.T) {
		concurrentKey := key + "-concurrent"
		ids := make([]int64, 8)
		var wg sync.WaitGroup
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id, err := s.Save(ctx, testRecipe(concurrentKey))
				assert.NoError(t, err)
				ids[i] = id
			}(i)
		}
		wg.Wait()
		for _, got := range ids {
			assert.Equal(t, ids[0], got)
		}
		require.NoError(t, s.Delete(ctx, ids[0]))
	})

	t.Run("missing recipes", func(t *testing.T) {
		_, err := s.FindByID(ctx, -1)
		assert.ErrorIs(t, err, store.ErrRecipeNotFound)
		_, err = s.FindBySubjectKey(ctx, "nope")
		assert.ErrorIs(t, err, store.ErrRecipeNotFound)
		assert.ErrorIs(t, s.Delete(ctx, -1), store.ErrRecipeNotFound)
	})
}
