package domain

import "time"

// Session is one authenticated context for a subject, presented by an opaque token.
type Session struct {
	ID          string
	SubjectType string
	SubjectID   string
	// Token is the bearer secret. Backends that persist it store only its hash
	// and fill Token back in from the lookup key.
	Token         string
	ExpiresAt     *time.Time // nil means the session never expires
	RotationCount int
	LastSeenAt    *time.Time
	IPAddress     string
	UserAgent     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.ExpiresAt = cloneTime(s.ExpiresAt)
	c.LastSeenAt = cloneTime(s.LastSeenAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Subject is the authenticated entity a session belongs to, as returned by a
// subject-type resolver.
type Subject struct {
	Type       string
	ID         string
	Attributes map[string]any
}

// Metadata is caller-defined key/value data scoped to one session.
type Metadata map[string]string
