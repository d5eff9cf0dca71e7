// Package domain holds OAuth provider configuration and the records kept for
// linked accounts.
package domain

import "strings"

// Family selects how a provider's endpoints and profile are obtained.
type Family string

const (
	// FamilyOAuth2 is a plain OAuth2 provider with a JSON userinfo endpoint.
	FamilyOAuth2 Family = "oauth2"
	// FamilyOIDC is an OpenID Connect provider; endpoints may come from discovery.
	FamilyOIDC Family = "oidc"
)

// ProfileMapping names the userinfo fields that carry each profile attribute.
// Dotted paths reach into nested objects.
type ProfileMapping struct {
	ID        string `mapstructure:"id" json:"id"`
	Email     string `mapstructure:"email" json:"email"`
	Name      string `mapstructure:"name" json:"name"`
	AvatarURL string `mapstructure:"avatar_url" json:"avatar_url"`
}

// WithDefaults fills unset fields with the OIDC standard claim names.
func (m ProfileMapping) WithDefaults() ProfileMapping {
	if m.ID == "" {
		m.ID = "sub"
	}
	if m.Email == "" {
		m.Email = "email"
	}
	if m.Name == "" {
		m.Name = "name"
	}
	if m.AvatarURL == "" {
		m.AvatarURL = "picture"
	}
	return m
}

// Provider is one configured OAuth provider. Providers are validated once
// when the registry is built and never change afterwards.
type Provider struct {
	Name           string         `mapstructure:"name" validate:"required,max=64,excludesall=/?#&="`
	Family         Family         `mapstructure:"family" validate:"required,oneof=oauth2 oidc"`
	ClientID       string         `mapstructure:"client_id" validate:"required"`
	ClientSecret   string         `mapstructure:"client_secret" validate:"required"`
	AuthURL        string         `mapstructure:"auth_url" validate:"required_without=IssuerURL,omitempty,url"`
	TokenURL       string         `mapstructure:"token_url" validate:"required_without=IssuerURL,omitempty,url"`
	UserInfoURL    string         `mapstructure:"userinfo_url" validate:"omitempty,url"`
	IssuerURL      string         `mapstructure:"issuer_url" validate:"omitempty,url"`
	Scopes         []string       `mapstructure:"scopes" validate:"dive,required"`
	RedirectURL    string         `mapstructure:"redirect_url" validate:"omitempty,url"`
	Active         bool           `mapstructure:"active"`
	ProfileMapping ProfileMapping `mapstructure:"profile_mapping"`
}

// IsOIDC reports whether the provider speaks OpenID Connect.
func (p *Provider) IsOIDC() bool { return p.Family == FamilyOIDC }

// ScopeString joins scopes with spaces as the authorization request expects.
func ScopeString(scopes []string) string {
	return strings.Join(scopes, " ")
}
