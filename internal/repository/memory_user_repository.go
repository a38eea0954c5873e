package repository

import (
	"context"
	"sync"
	"time"

	"realtime-chat/internal/models"

	"github.com/google/uuid"
)

// MemoryUserRepo keeps accounts in process memory. It is used when no
// DATABASE_URL is configured and in tests.
type MemoryUserRepo struct {
	mu         sync.RWMutex
	byID       map[uuid.UUID]*models.User
	byUsername map[string]uuid.UUID
}

func NewMemoryUserRepo() *MemoryUserRepo {
	return &MemoryUserRepo{
		byID:       make(map[uuid.UUID]*models.User),
		byUsername: make(map[string]uuid.UUID),
	}
}

func (r *MemoryUserRepo) CreateUser(_ context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byUsername[user.Username]; taken {
		return ErrDuplicate
	}
	now := time.Now()
	user.CreatedAt, user.UpdatedAt = now, now
	stored := *user
	r.byID[user.ID] = &stored
	r.byUsername[user.Username] = user.ID
	return nil
}

func (r *MemoryUserRepo) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byUsername[username]
	if !ok {
		return nil, ErrNotFound
	}
	u := *r.byID[id]
	return &u, nil
}

func (r *MemoryUserRepo) GetUserByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stored, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	u := *stored
	return &u, nil
}
