package domain

import "time"

// Profile links a provider account to a subject. (Provider, ProviderUserID)
// identifies the external account; a subject has at most one profile per provider.
type Profile struct {
	Provider       string
	ProviderUserID string
	SubjectID      string
	Email          string
	Name           string
	AvatarURL      string
	Raw            map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Clone returns a copy whose Raw map is not shared.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	if p.Raw != nil {
		c.Raw = make(map[string]any, len(p.Raw))
		for k, v := range p.Raw {
			c.Raw[k] = v
		}
	}
	return &c
}
