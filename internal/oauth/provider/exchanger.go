// Package provider talks to OAuth2 and OpenID Connect provider endpoints.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/sony/gobreaker"

	"github.com/SOG-web/reauth-sub001/internal/oauth/domain"
)

// DefaultTimeout bounds every provider HTTP call.
const DefaultTimeout = 10 * time.Second

// maxBodyBytes caps how much of a provider response is read.
const maxBodyBytes = 1 << 20

// TokenSet is a token endpoint response.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

// ExternalProfile is the provider account as mapped by ProfileMapping.
type ExternalProfile struct {
	ID        string
	Email     string
	Name      string
	AvatarURL string
	Raw       map[string]any
}

// AuthRequest carries the per-request values of an authorization URL.
type AuthRequest struct {
	RedirectURI string
	Scopes      []string
	State       string
	// Nonce is sent for OIDC providers only.
	Nonce string
}

// Exchanger performs the provider side of the authorization code flow.
type Exchanger interface {
	AuthCodeURL(ctx context.Context, p *domain.Provider, req AuthRequest) (string, error)
	Exchange(ctx context.Context, p *domain.Provider, code, redirectURI string) (*TokenSet, error)
	Refresh(ctx context.Context, p *domain.Provider, refreshToken string) (*TokenSet, error)
	FetchProfile(ctx context.Context, p *domain.Provider, tok *TokenSet) (*ExternalProfile, error)
}

type endpoints struct {
	auth     string
	token    string
	userInfo string
}

// HTTPExchanger is the Exchanger used in production. Each provider gets its
// own circuit breaker so one failing provider does not slow the others.
type HTTPExchanger struct {
	client *http.Client

	mu        sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker
	discovery map[string]endpoints
}

var _ Exchanger = (*HTTPExchanger)(nil)

// NewHTTPExchanger returns an exchanger whose calls time out after timeout.
// A zero timeout uses DefaultTimeout.
func NewHTTPExchanger(timeout time.Duration) *HTTPExchanger {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPExchanger{
		client:    &http.Client{Timeout: timeout},
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		discovery: make(map[string]endpoints),
	}
}

func (x *HTTPExchanger) breaker(name string) *gobreaker.CircuitBreaker {
	x.mu.Lock()
	defer x.mu.Unlock()
	if cb, ok := x.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "oauth:" + name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		// A rejected code or revoked refresh token says nothing about
		// provider health.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("provider circuit breaker state changed", "component", "oauth", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	x.breakers[name] = cb
	return cb
}

// resolve returns the provider endpoints, running OIDC discovery once when an
// issuer is configured and an endpoint is missing.
func (x *HTTPExchanger) resolve(ctx context.Context, p *domain.Provider) (endpoints, error) {
	ep := endpoints{auth: p.AuthURL, token: p.TokenURL, userInfo: p.UserInfoURL}
	if p.IssuerURL == "" || (ep.auth != "" && ep.token != "" && ep.userInfo != "") {
		return ep, nil
	}

	x.mu.Lock()
	cached, ok := x.discovery[p.Name]
	x.mu.Unlock()
	if !ok {
		disc, err := oidc.NewProvider(oidc.ClientContext(ctx, x.client), p.IssuerURL)
		if err != nil {
			return endpoints{}, transportError(p.Name, fmt.Errorf("oidc discovery: %w", err))
		}
		cached = endpoints{auth: disc.Endpoint().AuthURL, token: disc.Endpoint().TokenURL, userInfo: disc.UserInfoEndpoint()}
		x.mu.Lock()
		x.discovery[p.Name] = cached
		x.mu.Unlock()
	}
	if ep.auth == "" {
		ep.auth = cached.auth
	}
	if ep.token == "" {
		ep.token = cached.token
	}
	if ep.userInfo == "" {
		ep.userInfo = cached.userInfo
	}
	return ep, nil
}

func (x *HTTPExchanger) AuthCodeURL(ctx context.Context, p *domain.Provider, req AuthRequest) (string, error) {
	ep, err := x.resolve(ctx, p)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(ep.auth)
	if err != nil {
		return "", fmt.Errorf("parse authorization endpoint: %w", err)
	}
	q := u.Query()
	q.Set("client_id", p.ClientID)
	q.Set("redirect_uri", req.RedirectURI)
	q.Set("response_type", "code")
	q.Set("scope", domain.ScopeString(req.Scopes))
	q.Set("state", req.State)
	if p.IsOIDC() && req.Nonce != "" {
		q.Set("nonce", req.Nonce)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (x *HTTPExchanger) Exchange(ctx context.Context, p *domain.Provider, code, redirectURI string) (*TokenSet, error) {
	ep, err := x.resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	data := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
	}
	return x.tokenRequest(ctx, p, ep.token, data)
}

func (x *HTTPExchanger) Refresh(ctx context.Context, p *domain.Provider, refreshToken string) (*TokenSet, error) {
	ep, err := x.resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	return x.tokenRequest(ctx, p, ep.token, data)
}

func (x *HTTPExchanger) FetchProfile(ctx context.Context, p *domain.Provider, tok *TokenSet) (*ExternalProfile, error) {
	ep, err := x.resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	if ep.userInfo == "" {
		return nil, fmt.Errorf("provider %s has no userinfo endpoint", p.Name)
	}
	body, err := x.do(ctx, p.Name, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.userInfo, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	prof := MapProfile(raw, p.ProfileMapping)
	if prof.ID == "" {
		return nil, fmt.Errorf("userinfo from %s has no account id", p.Name)
	}
	return prof, nil
}

func (x *HTTPExchanger) tokenRequest(ctx context.Context, p *domain.Provider, endpoint string, data url.Values) (*TokenSet, error) {
	data.Set("client_id", p.ClientID)
	if p.ClientSecret != "" {
		data.Set("client_secret", p.ClientSecret)
	}
	body, err := x.do(ctx, p.Name, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	var ts TokenSet
	if err := json.Unmarshal(body, &ts); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if ts.AccessToken == "" {
		return nil, &UpstreamError{Provider: p.Name, StatusCode: http.StatusOK, Body: "missing access_token"}
	}
	return &ts, nil
}

// do runs one request through the provider's breaker and returns the body of
// a 2xx response.
func (x *HTTPExchanger) do(ctx context.Context, provider string, build func(context.Context) (*http.Request, error)) ([]byte, error) {
	out, err := x.breaker(provider).Execute(func() (interface{}, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := x.client.Do(req)
		if err != nil {
			return nil, transportError(provider, err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, transportError(provider, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &UpstreamError{
				Provider:   provider,
				StatusCode: resp.StatusCode,
				Body:       truncate(string(body), 512),
				Retryable:  retryableStatus(resp.StatusCode),
			}
		}
		return body, nil
	})
	if err != nil {
		if breakerError(err) {
			return nil, transportError(provider, err)
		}
		return nil, err
	}
	return out.([]byte), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// MapProfile extracts the mapped fields from a userinfo document. Numeric
// account ids are rendered without exponent or fraction.
func MapProfile(raw map[string]any, m domain.ProfileMapping) *ExternalProfile {
	m = m.WithDefaults()
	return &ExternalProfile{
		ID:        lookupString(raw, m.ID),
		Email:     lookupString(raw, m.Email),
		Name:      lookupString(raw, m.Name),
		AvatarURL: lookupString(raw, m.AvatarURL),
		Raw:       raw,
	}
}

func lookupString(raw map[string]any, path string) string {
	var cur any = raw
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = obj[part]
		if !ok {
			return ""
		}
	}
	switch v := cur.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}
