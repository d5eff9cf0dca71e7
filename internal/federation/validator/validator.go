// Package validator checks provider assertions before the federation bridge
// trusts them. SAML validators are supplied by the embedding application
// through AssertionValidator; OIDC ID tokens are verified here.
package validator

import (
	"context"
	"errors"
	"time"

	"github.com/SOG-web/reauth-sub001/internal/federation/domain"
)

// ErrInvalidAssertion wraps every validation failure.
var ErrInvalidAssertion = errors.New("invalid assertion")

// AuthRequest is the redirect to the identity provider.
type AuthRequest struct {
	RedirectURI string
	State       string
	Nonce       string
}

// ValidatedAssertion is what a validator extracted from a verified assertion.
// SubjectID is set only by validators that resolve local subjects themselves.
// Email is used to map a local subject only when EmailVerified is set.
type ValidatedAssertion struct {
	SubjectID     string
	NameID        string
	SessionIndex  string
	Email         string
	EmailVerified bool
	Name          string
	Attributes   map[string]any
	AuthInstant  time.Time
	NotOnOrAfter time.Time
}

// AssertionValidator verifies the raw assertion or ID token of one provider.
type AssertionValidator interface {
	Protocol() domain.Protocol
	// AuthURL returns where to send the user agent to start sign-in.
	AuthURL(ctx context.Context, req AuthRequest) (string, error)
	// Validate verifies raw and returns its claims. A non-empty nonce must
	// match the one bound into the assertion.
	Validate(ctx context.Context, raw, nonce string) (*ValidatedAssertion, error)
}
