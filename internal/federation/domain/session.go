// Package domain holds the single sign-on records kept by the federation bridge.
package domain

import (
	"slices"
	"time"
)

// Protocol is the federation protocol an SSO session came from.
type Protocol string

const (
	ProtocolSAML Protocol = "saml"
	ProtocolOIDC Protocol = "oidc"
)

// SSOSession mirrors one provider-issued assertion or ID token bound to a subject.
type SSOSession struct {
	ID              string
	SubjectID       string
	ProviderID      string
	Protocol        Protocol
	SessionIndex    string
	NameID          string
	Attributes      map[string]any
	AuthInstant     time.Time
	ExpiresAt       time.Time
	LogoutInitiated bool
	CreatedAt       time.Time
}

// Active reports whether the session still backs federated access at now.
func (s *SSOSession) Active(now time.Time) bool {
	return s != nil && !s.LogoutInitiated && now.Before(s.ExpiresAt)
}

// Clone returns a copy whose Attributes map is not shared.
func (s *SSOSession) Clone() *SSOSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.Attributes != nil {
		c.Attributes = make(map[string]any, len(s.Attributes))
		for k, v := range s.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

// FederatedSession aggregates a subject's active SSO sessions across trusted
// domains behind one token. ProviderSessions maps provider id to SSO session id.
type FederatedSession struct {
	ID               string
	Token            string
	SubjectID        string
	Domains          []string
	ProviderSessions map[string]string
	ExpiresAt        time.Time
	LastActivity     time.Time
	CreatedAt        time.Time
}

// Expired reports whether the federated session has passed its expiry at now.
func (f *FederatedSession) Expired(now time.Time) bool {
	return !now.Before(f.ExpiresAt)
}

// AllowsDomain reports whether domain is one of the session's domains.
func (f *FederatedSession) AllowsDomain(domain string) bool {
	return slices.Contains(f.Domains, domain)
}

// Clone returns a deep copy.
func (f *FederatedSession) Clone() *FederatedSession {
	if f == nil {
		return nil
	}
	c := *f
	c.Domains = slices.Clone(f.Domains)
	if f.ProviderSessions != nil {
		c.ProviderSessions = make(map[string]string, len(f.ProviderSessions))
		for k, v := range f.ProviderSessions {
			c.ProviderSessions[k] = v
		}
	}
	return &c
}

// MergeDomains returns the union of existing and added without duplicates or
// empty entries, in order of first appearance.
func MergeDomains(existing, added []string) []string {
	out := make([]string, 0, len(existing)+len(added))
	seen := make(map[string]struct{}, len(existing)+len(added))
	for _, list := range [][]string{existing, added} {
		for _, d := range list {
			if d == "" {
				continue
			}
			if _, ok := seen[d]; ok {
				continue
			}
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	return out
}

// MergeProviderSessions returns the union of existing and added keyed by
// provider id. Entries in added replace those in existing.
func MergeProviderSessions(existing, added map[string]string) map[string]string {
	out := make(map[string]string, len(existing)+len(added))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range added {
		out[k] = v
	}
	return out
}
