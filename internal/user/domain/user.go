package domain

import (
	"errors"
	"strings"
	"time"
)

// SubjectType is the session subject type under which users are resolved.
const SubjectType = "user"

// User is the core subject of the engine.
type User struct {
	ID        string
	Email     string
	Name      string
	Status    UserStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusDisabled UserStatus = "disabled"
)

// NormalizeEmail lowercases and trims an address for lookups and storage.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Validate validates the user for persistence. Email may be empty for
// subjects created from a provider profile that carries none.
func (u *User) Validate() error {
	if u.ID == "" {
		return errors.New("id is required")
	}
	if u.Status == "" {
		u.Status = UserStatusActive
	}
	return nil
}

// Active reports whether the user may hold sessions.
func (u *User) Active() bool { return u.Status == UserStatusActive }
