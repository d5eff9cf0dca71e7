// Package service exposes users as session subjects.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/SOG-web/reauth-sub001/internal/clock"
	"github.com/SOG-web/reauth-sub001/internal/security"
	sessiondomain "github.com/SOG-web/reauth-sub001/internal/session/domain"
	"github.com/SOG-web/reauth-sub001/internal/user/domain"
	userrepo "github.com/SOG-web/reauth-sub001/internal/user/repository"
)

// sensitiveAttributes never leave Sanitize, whichever resolver produced them.
var sensitiveAttributes = []string{"password_hash", "access_token", "refresh_token", "client_secret", "id_token"}

// Directory creates, resolves and deletes user subjects. It is the "user"
// resolver for sessions and the subject store for OAuth sign-in.
type Directory struct {
	repo  userrepo.Repository
	clock clock.Clock
}

// NewDirectory returns a Directory over repo.
func NewDirectory(repo userrepo.Repository, clk clock.Clock) *Directory {
	return &Directory{repo: repo, clock: clock.OrReal(clk)}
}

// GetByID resolves an active user as a subject. Missing and disabled users
// resolve to nil.
func (d *Directory) GetByID(ctx context.Context, id string) (*sessiondomain.Subject, error) {
	u, err := d.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if u == nil || !u.Active() {
		return nil, nil
	}
	return ToSubject(u), nil
}

// Sanitize returns a copy of s without credential material.
func (d *Directory) Sanitize(s *sessiondomain.Subject) *sessiondomain.Subject {
	return Sanitize(s)
}

// CreateSubject creates an active user. An email already held by another
// user returns userrepo.ErrEmailTaken.
func (d *Directory) CreateSubject(ctx context.Context, email, name string) (*sessiondomain.Subject, error) {
	now := d.clock.Now()
	u := &domain.User{
		ID:        security.NewID(),
		Email:     domain.NormalizeEmail(email),
		Name:      strings.TrimSpace(name),
		Status:    domain.UserStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}
	if err := d.repo.Create(ctx, u); err != nil {
		return nil, err
	}
	return ToSubject(u), nil
}

// ErrNoEmail is returned by ResolveByEmail for an empty address.
var ErrNoEmail = errors.New("federated identity carries no email")

// ResolveByEmail returns the active user holding email, creating one when no
// user has it. A disabled user resolves to nil.
func (d *Directory) ResolveByEmail(ctx context.Context, email, name string) (*sessiondomain.Subject, error) {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return nil, ErrNoEmail
	}
	u, err := d.repo.GetByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	if u != nil {
		if !u.Active() {
			return nil, nil
		}
		return ToSubject(u), nil
	}
	s, err := d.CreateSubject(ctx, email, name)
	if errors.Is(err, userrepo.ErrEmailTaken) {
		// Lost a race with a concurrent sign-in; the winner's user is the one.
		u, err = d.repo.GetByEmail(ctx, email)
		if err != nil || u == nil {
			return nil, fmt.Errorf("get user by email: %w", err)
		}
		return ToSubject(u), nil
	}
	return s, err
}

// DeleteSubject removes the user.
func (d *Directory) DeleteSubject(ctx context.Context, id string) error {
	return d.repo.Delete(ctx, id)
}

// ToSubject converts a user to its session subject form.
func ToSubject(u *domain.User) *sessiondomain.Subject {
	return &sessiondomain.Subject{
		Type: domain.SubjectType,
		ID:   u.ID,
		Attributes: map[string]any{
			"email":  u.Email,
			"name":   u.Name,
			"status": string(u.Status),
		},
	}
}

// Sanitize returns a copy of s with sensitive attributes removed.
func Sanitize(s *sessiondomain.Subject) *sessiondomain.Subject {
	if s == nil {
		return nil
	}
	out := &sessiondomain.Subject{Type: s.Type, ID: s.ID, Attributes: make(map[string]any, len(s.Attributes))}
	for k, v := range s.Attributes {
		out.Attributes[k] = v
	}
	for _, k := range sensitiveAttributes {
		delete(out.Attributes, k)
	}
	return out
}
