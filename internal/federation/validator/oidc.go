package validator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/SOG-web/reauth-sub001/internal/clock"
	"github.com/SOG-web/reauth-sub001/internal/federation/domain"
	"github.com/SOG-web/reauth-sub001/internal/security"
)

// OIDCConfig configures an OIDC federation provider. Without PublicKeys or
// JWKSURL the keys and the authorization endpoint come from discovery.
type OIDCConfig struct {
	IssuerURL string
	ClientID  string
	AuthURL   string
	JWKSURL   string
	// PublicKeys is inline PEM or a PEM file path.
	PublicKeys string
	Scopes     []string
}

// OIDCValidator verifies ID tokens with go-oidc.
type OIDCValidator struct {
	cfg      OIDCConfig
	verifier *oidc.IDTokenVerifier
}

var _ AssertionValidator = (*OIDCValidator)(nil)

// NewOIDCValidator builds the verifier. Discovery, when needed, uses ctx.
func NewOIDCValidator(ctx context.Context, cfg OIDCConfig, clk clock.Clock) (*OIDCValidator, error) {
	if cfg.IssuerURL == "" || cfg.ClientID == "" {
		return nil, errors.New("oidc federation needs an issuer and a client id")
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}
	clk = clock.OrReal(clk)
	vcfg := &oidc.Config{
		ClientID:             cfg.ClientID,
		SupportedSigningAlgs: []string{oidc.RS256, oidc.ES256},
		Now:                  clk.Now,
	}

	var keySet oidc.KeySet
	switch {
	case cfg.PublicKeys != "":
		keys, err := security.ParsePublicKeys(cfg.PublicKeys)
		if err != nil {
			return nil, fmt.Errorf("oidc federation keys: %w", err)
		}
		keySet = &oidc.StaticKeySet{PublicKeys: keys}
	case cfg.JWKSURL != "":
		keySet = oidc.NewRemoteKeySet(ctx, cfg.JWKSURL)
	}

	if keySet == nil || cfg.AuthURL == "" {
		p, err := oidc.NewProvider(ctx, cfg.IssuerURL)
		if err != nil {
			return nil, fmt.Errorf("oidc discovery for %s: %w", cfg.IssuerURL, err)
		}
		if cfg.AuthURL == "" {
			cfg.AuthURL = p.Endpoint().AuthURL
		}
		if keySet == nil {
			return &OIDCValidator{cfg: cfg, verifier: p.Verifier(vcfg)}, nil
		}
	}
	return &OIDCValidator{cfg: cfg, verifier: oidc.NewVerifier(cfg.IssuerURL, keySet, vcfg)}, nil
}

func (v *OIDCValidator) Protocol() domain.Protocol { return domain.ProtocolOIDC }

// AuthURL builds an implicit ID token request posted back to RedirectURI.
func (v *OIDCValidator) AuthURL(_ context.Context, req AuthRequest) (string, error) {
	u, err := url.Parse(v.cfg.AuthURL)
	if err != nil {
		return "", fmt.Errorf("parse oidc auth url: %w", err)
	}
	q := u.Query()
	q.Set("client_id", v.cfg.ClientID)
	q.Set("redirect_uri", req.RedirectURI)
	q.Set("response_type", "id_token")
	q.Set("response_mode", "form_post")
	q.Set("scope", strings.Join(v.cfg.Scopes, " "))
	q.Set("state", req.State)
	q.Set("nonce", req.Nonce)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type oidcClaims struct {
	Email         string    `json:"email"`
	EmailVerified claimBool `json:"email_verified"`
	Name          string    `json:"name"`
	SID           string    `json:"sid"`
	AuthTime      int64     `json:"auth_time"`
}

// claimBool accepts a JSON boolean or the strings "true"/"false"; some
// providers send email_verified as a string.
type claimBool bool

func (b *claimBool) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case bool:
		*b = claimBool(t)
	case string:
		*b = claimBool(strings.EqualFold(t, "true"))
	default:
		*b = false
	}
	return nil
}

// Validate verifies the ID token signature, issuer, audience, expiry and nonce.
func (v *OIDCValidator) Validate(ctx context.Context, raw, nonce string) (*ValidatedAssertion, error) {
	tok, err := v.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}
	if nonce == "" || !security.TokenHashEqual(tok.Nonce, security.HashToken(nonce)) {
		return nil, fmt.Errorf("%w: nonce mismatch", ErrInvalidAssertion)
	}
	var c oidcClaims
	if err := tok.Claims(&c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}
	attrs := map[string]any{}
	if err := tok.Claims(&attrs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}
	authInstant := tok.IssuedAt
	if c.AuthTime > 0 {
		authInstant = time.Unix(c.AuthTime, 0).UTC()
	}
	return &ValidatedAssertion{
		NameID:        tok.Subject,
		SessionIndex:  c.SID,
		Email:         c.Email,
		EmailVerified: bool(c.EmailVerified),
		Name:          c.Name,
		Attributes:    attrs,
		AuthInstant:   authInstant,
		NotOnOrAfter:  tok.Expiry,
	}, nil
}
