package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/phrazzld/recipe-forge/internal/domain"
)

// MemoryRecipeStore is a RecipeStore kept in process memory. It backs local
// runs without a database and tests that need a real store.
type MemoryRecipeStore struct {
	mu        sync.RWMutex
	nextID    int64
	byID      map[int64]*domain.Recipe
	bySubject map[string]int64
}

var _ RecipeStore = (*MemoryRecipeStore)(nil)

// NewMemoryRecipeStore creates an empty store whose first id is 1.
func NewMemoryRecipeStore() *MemoryRecipeStore {
	return &MemoryRecipeStore{
		nextID:    1,
		byID:      make(map[int64]*domain.Recipe),
		bySubject: make(map[string]int64),
	}
}

// SetNextID sets the id given to the next inserted recipe.
func (s *MemoryRecipeStore) SetNextID(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID = id
}

// Save implements RecipeStore.
func (s *MemoryRecipeStore) Save(_ context.Context, recipe *domain.Recipe) (int64, error) {
	if err := recipe.Validate(); err != nil {
		return 0, NewStoreError("recipe", "save", "validation failed", errors.Join(ErrInvalidEntity, err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	stored := *recipe

	if id, ok := s.bySubject[recipe.SubjectKey]; ok {
		stored.ID = id
		stored.CreatedAt = s.byID[id].CreatedAt
		stored.UpdatedAt = now
		s.byID[id] = &stored
		return id, nil
	}

	stored.ID = s.nextID
	s.nextID++
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.byID[stored.ID] = &stored
	s.bySubject[stored.SubjectKey] = stored.ID
	return stored.ID, nil
}

// FindByID implements RecipeStore.
func (s *MemoryRecipeStore) FindByID(_ context.Context, id int64) (*domain.Recipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.byID[id]
	if !ok {
		return nil, ErrRecipeNotFound
	}
	cp := *r
	return &cp, nil
}

// FindBySubjectKey implements RecipeStore.
func (s *MemoryRecipeStore) FindBySubjectKey(ctx context.Context, key string) (*domain.Recipe, error) {
	s.mu.RLock()
	id, ok := s.bySubject[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrRecipeNotFound
	}
	return s.FindByID(ctx, id)
}

// Delete implements RecipeStore.
func (s *MemoryRecipeStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.byID[id]
	if !ok {
		return ErrRecipeNotFound
	}
	delete(s.bySubject, r.SubjectKey)
	delete(s.byID, id)
	return nil
}

// Count returns the number of stored recipes.
func (s *MemoryRecipeStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
