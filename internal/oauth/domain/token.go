package domain

import "time"

// Token is the provider credential kept for a linked account. Only hashes
// of the access and refresh tokens are stored.
type Token struct {
	SubjectID        string
	Provider         string
	AccessTokenHash  string
	RefreshTokenHash string
	ExpiresAt        *time.Time
	Scope            string
	LastUsedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Expired reports whether the access token is past its expiry at now. A
// token without expiry never expires.
func (t *Token) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// Refreshable reports whether a refresh token was issued.
func (t *Token) Refreshable() bool { return t.RefreshTokenHash != "" }
