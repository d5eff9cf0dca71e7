package repository

import (
	"context"
	"sync"

	"github.com/SOG-web/reauth-sub001/internal/user/domain"
)

// MemoryRepository keeps users in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	byID    map[string]domain.User
	byEmail map[string]string
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]domain.User), byEmail: make(map[string]string)}
}

func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (r *MemoryRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	key := domain.NormalizeEmail(email)
	if key == "" {
		return nil, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEmail[key]
	if !ok {
		return nil, nil
	}
	u := r.byID[id]
	return &u, nil
}

func (r *MemoryRepository) Create(ctx context.Context, u *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := domain.NormalizeEmail(u.Email)
	if key != "" {
		if _, ok := r.byEmail[key]; ok {
			return ErrEmailTaken
		}
		r.byEmail[key] = u.ID
	}
	r.byID[u.ID] = *u
	return nil
}

func (r *MemoryRepository) Update(ctx context.Context, u *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[u.ID]
	if !ok {
		return nil
	}
	oldKey, newKey := domain.NormalizeEmail(cur.Email), domain.NormalizeEmail(u.Email)
	if oldKey != newKey {
		if _, taken := r.byEmail[newKey]; taken && newKey != "" {
			return ErrEmailTaken
		}
		delete(r.byEmail, oldKey)
		if newKey != "" {
			r.byEmail[newKey] = u.ID
		}
	}
	r.byID[u.ID] = *u
	return nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.byID[id]; ok {
		delete(r.byEmail, domain.NormalizeEmail(u.Email))
		delete(r.byID, id)
	}
	return nil
}
