package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/SOG-web/reauth-sub001/internal/federation/domain"
)

// MemoryRepository keeps federation state in process memory.
type MemoryRepository struct {
	mu        sync.RWMutex
	sso       map[string]*domain.SSOSession
	federated map[string]*domain.FederatedSession
	byToken   map[string]string
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sso:       make(map[string]*domain.SSOSession),
		federated: make(map[string]*domain.FederatedSession),
		byToken:   make(map[string]string),
	}
}

func (r *MemoryRepository) CreateSSOSession(ctx context.Context, s *domain.SSOSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sso[s.ID] = s.Clone()
	return nil
}

func (r *MemoryRepository) GetSSOSession(ctx context.Context, id string) (*domain.SSOSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sso[id].Clone(), nil
}

func (r *MemoryRepository) MarkSSOLogout(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sso[id]
	if !ok {
		return false, nil
	}
	s.LogoutInitiated = true
	return true, nil
}

func (r *MemoryRepository) CreateFederatedSession(ctx context.Context, f *domain.FederatedSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byToken[f.Token]; ok {
		return ErrDuplicateToken
	}
	r.federated[f.ID] = f.Clone()
	r.byToken[f.Token] = f.ID
	return nil
}

func (r *MemoryRepository) GetFederatedSessionByToken(ctx context.Context, token string) (*domain.FederatedSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byToken[token]
	if !ok {
		return nil, nil
	}
	return r.federated[id].Clone(), nil
}

func (r *MemoryRepository) UpdateFederatedSession(ctx context.Context, f *domain.FederatedSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.federated[f.ID]
	if !ok {
		return nil
	}
	next := f.Clone()
	next.Token = cur.Token
	next.CreatedAt = cur.CreatedAt
	r.federated[f.ID] = next
	return nil
}

func (r *MemoryRepository) DeleteFederatedSession(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteFederatedLocked(id), nil
}

func (r *MemoryRepository) deleteFederatedLocked(id string) bool {
	f, ok := r.federated[id]
	if !ok {
		return false
	}
	delete(r.byToken, f.Token)
	delete(r.federated, id)
	return true
}

func (r *MemoryRepository) CleanupExpiredSSOSessions(ctx context.Context, before time.Time, batchSize int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []*domain.SSOSession
	for _, s := range r.sso {
		if s.ExpiresAt.Before(before) {
			expired = append(expired, s)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	if batchSize > 0 && len(expired) > batchSize {
		expired = expired[:batchSize]
	}
	for _, s := range expired {
		delete(r.sso, s.ID)
	}
	return len(expired), nil
}

func (r *MemoryRepository) CleanupExpiredFederatedSessions(ctx context.Context, before time.Time, batchSize int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []*domain.FederatedSession
	for _, f := range r.federated {
		if f.ExpiresAt.Before(before) {
			expired = append(expired, f)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	if batchSize > 0 && len(expired) > batchSize {
		expired = expired[:batchSize]
	}
	for _, f := range expired {
		r.deleteFederatedLocked(f.ID)
	}
	return len(expired), nil
}
