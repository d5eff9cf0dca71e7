package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/SOG-web/reauth-sub001/internal/session/domain"
)

// Resolver loads the subject behind a session and strips anything that must
// not leave the process, such as password hashes or provider secrets.
type Resolver interface {
	GetByID(ctx context.Context, id string) (*domain.Subject, error)
	Sanitize(s *domain.Subject) *domain.Subject
}

// ResolverFuncs adapts plain functions to Resolver. A nil SanitizeFunc
// returns the subject unchanged.
type ResolverFuncs struct {
	GetByIDFunc  func(ctx context.Context, id string) (*domain.Subject, error)
	SanitizeFunc func(s *domain.Subject) *domain.Subject
}

func (f ResolverFuncs) GetByID(ctx context.Context, id string) (*domain.Subject, error) {
	return f.GetByIDFunc(ctx, id)
}

func (f ResolverFuncs) Sanitize(s *domain.Subject) *domain.Subject {
	if f.SanitizeFunc == nil {
		return s
	}
	return f.SanitizeFunc(s)
}

// ResolverRegistry maps subject types to resolvers. Features register their
// resolver at wiring time; the manager looks them up on every verify.
type ResolverRegistry struct {
	mu        sync.RWMutex
	resolvers map[string]Resolver
}

// NewResolverRegistry returns an empty registry.
func NewResolverRegistry() *ResolverRegistry {
	return &ResolverRegistry{resolvers: make(map[string]Resolver)}
}

// Register adds r for subjectType. Registering a type twice is an error.
func (reg *ResolverRegistry) Register(subjectType string, r Resolver) error {
	if subjectType == "" || r == nil {
		return fmt.Errorf("resolver registration needs a subject type and a resolver")
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.resolvers[subjectType]; ok {
		return fmt.Errorf("resolver for subject type %q already registered", subjectType)
	}
	reg.resolvers[subjectType] = r
	return nil
}

// Lookup returns the resolver for subjectType.
func (reg *ResolverRegistry) Lookup(subjectType string) (Resolver, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.resolvers[subjectType]
	return r, ok
}
