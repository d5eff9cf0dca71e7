package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/SOG-web/reauth-sub001/internal/identity/domain"
)

// MemoryRepository keeps identities in process memory.
type MemoryRepository struct {
	mu   sync.RWMutex
	byID map[string]domain.Identity
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]domain.Identity)}
}

func (r *MemoryRepository) find(match func(domain.Identity) bool) *domain.Identity {
	for _, i := range r.byID {
		if match(i) {
			out := i
			return &out
		}
	}
	return nil
}

func (r *MemoryRepository) GetByUserAndProvider(ctx context.Context, userID string, provider domain.IdentityProvider) (*domain.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.find(func(i domain.Identity) bool { return i.UserID == userID && i.Provider == provider }), nil
}

func (r *MemoryRepository) GetByProviderID(ctx context.Context, provider domain.IdentityProvider, providerID string) (*domain.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.find(func(i domain.Identity) bool { return i.Provider == provider && i.ProviderID == providerID }), nil
}

func (r *MemoryRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Identity
	for _, i := range r.byID {
		if i.UserID == userID {
			c := i
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) Create(ctx context.Context, i *domain.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.find(func(x domain.Identity) bool { return x.Provider == i.Provider && x.ProviderID == i.ProviderID }) != nil {
		return ErrIdentityExists
	}
	r.byID[i.ID] = *i
	return nil
}

func (r *MemoryRepository) UpdatePasswordHash(ctx context.Context, id string, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.byID[id]; ok {
		i.PasswordHash = passwordHash
		r.byID[id] = i
	}
	return nil
}
