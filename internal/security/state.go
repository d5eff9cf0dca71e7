package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/SOG-web/reauth-sub001/internal/clock"
)

// MaxStateAge is how long an OAuth state value stays acceptable after issue.
const MaxStateAge = 10 * time.Minute

// stateClockSkew tolerates an issuer clock slightly ahead of the verifier.
const stateClockSkew = 30 * time.Second

// MinStateSecretLen is the minimum HMAC key length for state signing.
const MinStateSecretLen = 32

var (
	// ErrInvalidState is returned for every state that must not be accepted.
	// Callers treat it as a security violation.
	ErrInvalidState = errors.New("invalid oauth state")
	// ErrWeakStateSecret is returned by NewStateCodec for short secrets.
	ErrWeakStateSecret = errors.New("state secret must be at least 32 bytes")
)

// StateClaims is the payload carried through the provider redirect.
type StateClaims struct {
	Provider string `json:"provider"`
	Redirect string `json:"redirect,omitempty"`
	Nonce    string `json:"nonce"`
	// IssuedAt is filled by Encode from the codec's clock.
	IssuedAt time.Time `json:"-"`
}

type stateJWT struct {
	Provider string `json:"provider"`
	Redirect string `json:"redirect,omitempty"`
	Nonce    string `json:"nonce"`
	jwt.RegisteredClaims
}

// StateCodec signs and verifies OAuth state values so the callback can be
// checked without server-side storage.
type StateCodec struct {
	secret []byte
	clock  clock.Clock
	maxAge time.Duration
}

// NewStateCodec returns a codec signing with HS256 over secret.
func NewStateCodec(secret []byte, clk clock.Clock) (*StateCodec, error) {
	if len(secret) < MinStateSecretLen {
		return nil, ErrWeakStateSecret
	}
	return &StateCodec{secret: secret, clock: clock.OrReal(clk), maxAge: MaxStateAge}, nil
}

// Encode returns a signed state for claims. A nonce is generated when empty.
func (c *StateCodec) Encode(claims StateClaims) (string, StateClaims, error) {
	if claims.Provider == "" {
		return "", StateClaims{}, fmt.Errorf("encode state: provider required")
	}
	if claims.Nonce == "" {
		nonce, err := GenerateToken()
		if err != nil {
			return "", StateClaims{}, err
		}
		claims.Nonce = nonce
	}
	now := c.clock.Now().Truncate(time.Second)
	claims.IssuedAt = now
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, stateJWT{
		Provider: claims.Provider,
		Redirect: claims.Redirect,
		Nonce:    claims.Nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
	})
	signed, err := t.SignedString(c.secret)
	if err != nil {
		return "", StateClaims{}, fmt.Errorf("encode state: %w", err)
	}
	return signed, claims, nil
}

// Decode verifies state and returns its claims. Any decode failure, a state
// older than MaxStateAge or one issued for a different provider returns an
// error wrapping ErrInvalidState.
func (c *StateCodec) Decode(state, expectedProvider string) (*StateClaims, error) {
	if state == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidState)
	}
	var parsed stateJWT
	_, err := jwt.ParseWithClaims(state, &parsed, func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.clock.Now),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(stateClockSkew),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if parsed.IssuedAt == nil {
		return nil, fmt.Errorf("%w: missing iat", ErrInvalidState)
	}
	issuedAt := parsed.IssuedAt.Time
	if c.clock.Now().Sub(issuedAt) > c.maxAge {
		return nil, fmt.Errorf("%w: expired", ErrInvalidState)
	}
	if parsed.Provider == "" || parsed.Provider != expectedProvider {
		return nil, fmt.Errorf("%w: provider mismatch", ErrInvalidState)
	}
	if parsed.Nonce == "" {
		return nil, fmt.Errorf("%w: missing nonce", ErrInvalidState)
	}
	return &StateClaims{
		Provider: parsed.Provider,
		Redirect: parsed.Redirect,
		Nonce:    parsed.Nonce,
		IssuedAt: issuedAt,
	}, nil
}
