package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/SOG-web/reauth-sub001/internal/oauth/domain"
)

type tokenKey struct{ subjectID, provider string }
type profileKey struct{ provider, providerUserID string }

// MemoryRepository keeps tokens and profiles in process memory.
type MemoryRepository struct {
	mu       sync.RWMutex
	tokens   map[tokenKey]domain.Token
	profiles map[profileKey]*domain.Profile
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tokens:   make(map[tokenKey]domain.Token),
		profiles: make(map[profileKey]*domain.Profile),
	}
}

func (r *MemoryRepository) GetToken(ctx context.Context, subjectID, provider string) (*domain.Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[tokenKey{subjectID, provider}]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (r *MemoryRepository) UpsertToken(ctx context.Context, t *domain.Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := tokenKey{t.SubjectID, t.Provider}
	next := *t
	if cur, ok := r.tokens[k]; ok {
		next.CreatedAt = cur.CreatedAt
	}
	r.tokens[k] = next
	return nil
}

func (r *MemoryRepository) DeleteToken(ctx context.Context, subjectID, provider string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := tokenKey{subjectID, provider}
	_, ok := r.tokens[k]
	delete(r.tokens, k)
	return ok, nil
}

func (r *MemoryRepository) GetProfile(ctx context.Context, provider, providerUserID string) (*domain.Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profiles[profileKey{provider, providerUserID}].Clone(), nil
}

func (r *MemoryRepository) GetProfileBySubject(ctx context.Context, subjectID, provider string) (*domain.Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bySubjectLocked(subjectID, provider).Clone(), nil
}

func (r *MemoryRepository) bySubjectLocked(subjectID, provider string) *domain.Profile {
	for k, p := range r.profiles {
		if k.provider == provider && p.SubjectID == subjectID {
			return p
		}
	}
	return nil
}

func (r *MemoryRepository) ListProfilesBySubject(ctx context.Context, subjectID string) ([]*domain.Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Profile
	for _, p := range r.profiles {
		if p.SubjectID == subjectID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

func (r *MemoryRepository) UpsertProfile(ctx context.Context, p *domain.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if other := r.bySubjectLocked(p.SubjectID, p.Provider); other != nil && other.ProviderUserID != p.ProviderUserID {
		return ErrProfileConflict
	}
	k := profileKey{p.Provider, p.ProviderUserID}
	next := p.Clone()
	if cur, ok := r.profiles[k]; ok {
		if cur.SubjectID != p.SubjectID {
			return ErrAccountOwned
		}
		next.CreatedAt = cur.CreatedAt
	}
	r.profiles[k] = next
	return nil
}

func (r *MemoryRepository) DeleteProfile(ctx context.Context, provider, providerUserID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := profileKey{provider, providerUserID}
	_, ok := r.profiles[k]
	delete(r.profiles, k)
	return ok, nil
}

func (r *MemoryRepository) CleanupExpiredTokens(ctx context.Context, before time.Time, batchSize int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []tokenKey
	for k, t := range r.tokens {
		if !t.Refreshable() && t.ExpiresAt != nil && t.ExpiresAt.Before(before) {
			expired = append(expired, k)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return r.tokens[expired[i]].ExpiresAt.Before(*r.tokens[expired[j]].ExpiresAt)
	})
	if batchSize > 0 && len(expired) > batchSize {
		expired = expired[:batchSize]
	}
	for _, k := range expired {
		delete(r.tokens, k)
	}
	return len(expired), nil
}
