// Package service runs the OAuth authorization code flow and manages the
// provider accounts linked to subjects.
package service

import (
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/SOG-web/reauth-sub001/internal/oauth/domain"
)

// ProviderRegistry holds the configured providers. It is built once at boot
// and is read-only afterwards.
type ProviderRegistry struct {
	providers map[string]domain.Provider
}

// NewProviderRegistry validates every provider and rejects duplicate names.
func NewProviderRegistry(providers []domain.Provider) (*ProviderRegistry, error) {
	v := validator.New()
	reg := &ProviderRegistry{providers: make(map[string]domain.Provider, len(providers))}
	for i := range providers {
		p := providers[i]
		if err := v.Struct(p); err != nil {
			return nil, fmt.Errorf("oauth provider %q: %w", p.Name, err)
		}
		if _, dup := reg.providers[p.Name]; dup {
			return nil, fmt.Errorf("oauth provider %q configured twice", p.Name)
		}
		p.Scopes = append([]string(nil), p.Scopes...)
		p.ProfileMapping = p.ProfileMapping.WithDefaults()
		reg.providers[p.Name] = p
	}
	return reg, nil
}

// Get returns a copy of the named provider if it exists and is active.
func (r *ProviderRegistry) Get(name string) (*domain.Provider, bool) {
	p, ok := r.providers[name]
	if !ok || !p.Active {
		return nil, false
	}
	p.Scopes = append([]string(nil), p.Scopes...)
	return &p, true
}

// Names returns the active provider names in sorted order.
func (r *ProviderRegistry) Names() []string {
	out := make([]string, 0, len(r.providers))
	for name, p := range r.providers {
		if p.Active {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
