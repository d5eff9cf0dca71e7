package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SOG-web/reauth-sub001/internal/oauth/domain"
)

func testProvider(base string) *domain.Provider {
	return &domain.Provider{
		Name:         "github",
		Family:       domain.FamilyOAuth2,
		ClientID:     "cid",
		ClientSecret: "secret",
		AuthURL:      base + "/authorize",
		TokenURL:     base + "/token",
		UserInfoURL:  base + "/user",
		Scopes:       []string{"read:user", "user:email"},
		Active:       true,
		ProfileMapping: domain.ProfileMapping{
			ID:        "id",
			Name:      "login",
			AvatarURL: "avatar_url",
		},
	}
}

func TestAuthCodeURL(t *testing.T) {
	x := NewHTTPExchanger(0)
	p := testProvider("https://idp.example.com")

	raw, err := x.AuthCodeURL(context.Background(), p, AuthRequest{
		RedirectURI: "https://app.example.com/cb",
		Scopes:      p.Scopes,
		State:       "st",
		Nonce:       "n0",
	})
	if err != nil {
		t.Fatal(err)
	}
	u, _ := url.Parse(raw)
	q := u.Query()
	if u.Path != "/authorize" || q.Get("client_id") != "cid" || q.Get("response_type") != "code" ||
		q.Get("scope") != "read:user user:email" || q.Get("state") != "st" || q.Get("redirect_uri") != "https://app.example.com/cb" {
		t.Errorf("unexpected url %s", raw)
	}
	if q.Has("nonce") {
		t.Error("plain oauth2 provider must not receive a nonce")
	}

	p.Family = domain.FamilyOIDC
	raw, _ = x.AuthCodeURL(context.Background(), p, AuthRequest{State: "st", Nonce: "n0"})
	u, _ = url.Parse(raw)
	if u.Query().Get("nonce") != "n0" {
		t.Errorf("oidc url missing nonce: %s", raw)
	}
}

func TestExchange_PostsForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/token" {
			http.NotFound(w, r)
			return
		}
		_ = r.ParseForm()
		if r.Form.Get("grant_type") != "authorization_code" || r.Form.Get("code") != "c1" ||
			r.Form.Get("client_id") != "cid" || r.Form.Get("client_secret") != "secret" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at", "refresh_token": "rt", "token_type": "bearer", "expires_in": 3600,
		})
	}))
	defer srv.Close()

	x := NewHTTPExchanger(time.Second)
	ts, err := x.Exchange(context.Background(), testProvider(srv.URL), "c1", "https://app.example.com/cb")
	if err != nil {
		t.Fatal(err)
	}
	if ts.AccessToken != "at" || ts.RefreshToken != "rt" || ts.ExpiresIn != 3600 {
		t.Errorf("token set = %+v", ts)
	}
}

func TestExchange_ClassifiesStatus(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
		}))
		x := NewHTTPExchanger(time.Second)
		_, err := x.Refresh(context.Background(), testProvider(srv.URL), "rt")
		srv.Close()

		var ue *UpstreamError
		if !errors.As(err, &ue) {
			t.Fatalf("status %d: err = %v, want UpstreamError", tc.status, err)
		}
		if ue.StatusCode != tc.status || ue.Retryable != tc.retryable {
			t.Errorf("status %d: got %+v", tc.status, ue)
		}
	}
}

func TestExchange_TimeoutIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	x := NewHTTPExchanger(20 * time.Millisecond)
	_, err := x.Exchange(context.Background(), testProvider(srv.URL), "c", "")
	if !IsRetryable(err) {
		t.Fatalf("err = %v, want retryable", err)
	}
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	x := NewHTTPExchanger(time.Second)
	p := testProvider(srv.URL)
	for i := 0; i < 5; i++ {
		_, _ = x.Refresh(context.Background(), p, "rt")
	}
	_, err := x.Refresh(context.Background(), p, "rt")
	if !IsRetryable(err) {
		t.Fatalf("err = %v, want retryable", err)
	}
	if got := hits.Load(); got != 5 {
		t.Errorf("provider hit %d times, want 5 before the breaker opened", got)
	}
}

func TestBreakerIgnoresTerminalErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	x := NewHTTPExchanger(time.Second)
	p := testProvider(srv.URL)
	for i := 0; i < 8; i++ {
		_, _ = x.Refresh(context.Background(), p, "rt")
	}
	if got := hits.Load(); got != 8 {
		t.Errorf("provider hit %d times, want 8", got)
	}
}

func TestFetchProfile_NumericID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id": 12345678901, "login": "ada", "email": "ada@example.com", "avatar_url": "https://a/x.png"}`))
	}))
	defer srv.Close()

	x := NewHTTPExchanger(time.Second)
	prof, err := x.FetchProfile(context.Background(), testProvider(srv.URL), &TokenSet{AccessToken: "at"})
	if err != nil {
		t.Fatal(err)
	}
	if prof.ID != "12345678901" || prof.Name != "ada" || prof.Email != "ada@example.com" || prof.AvatarURL != "https://a/x.png" {
		t.Errorf("profile = %+v", prof)
	}
	if prof.Raw["login"] != "ada" {
		t.Errorf("raw = %v", prof.Raw)
	}
}

func TestFetchProfile_MissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"login": "ada"}`))
	}))
	defer srv.Close()

	x := NewHTTPExchanger(time.Second)
	if _, err := x.FetchProfile(context.Background(), testProvider(srv.URL), &TokenSet{AccessToken: "at"}); err == nil {
		t.Fatal("expected error for profile without id")
	}
}

func TestMapProfile_DottedPaths(t *testing.T) {
	raw := map[string]any{
		"data": map[string]any{"user": map[string]any{"uid": "u-9", "mail": "x@example.com"}},
	}
	prof := MapProfile(raw, domain.ProfileMapping{ID: "data.user.uid", Email: "data.user.mail"})
	if prof.ID != "u-9" || prof.Email != "x@example.com" || prof.Name != "" {
		t.Errorf("profile = %+v", prof)
	}
	if got := MapProfile(raw, domain.ProfileMapping{ID: "data.user.uid.deeper"}).ID; got != "" {
		t.Errorf("path through a string should not resolve, got %q", got)
	}
}

func TestResolve_OIDCDiscovery(t *testing.T) {
	var srv *httptest.Server
	var discoveries atomic.Int32
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/openid-configuration":
			discoveries.Add(1)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"issuer":                 srv.URL,
				"authorization_endpoint": srv.URL + "/auth",
				"token_endpoint":         srv.URL + "/oauth/token",
				"userinfo_endpoint":      srv.URL + "/userinfo",
				"jwks_uri":               srv.URL + "/keys",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := &domain.Provider{Name: "corp", Family: domain.FamilyOIDC, ClientID: "cid", ClientSecret: "s", IssuerURL: srv.URL}
	x := NewHTTPExchanger(time.Second)
	for i := 0; i < 2; i++ {
		raw, err := x.AuthCodeURL(context.Background(), p, AuthRequest{State: "st", Nonce: "n"})
		if err != nil {
			t.Fatal(err)
		}
		u, _ := url.Parse(raw)
		if u.Path != "/auth" {
			t.Errorf("authorization endpoint = %s", raw)
		}
	}
	if discoveries.Load() != 1 {
		t.Errorf("discovery ran %d times, want 1", discoveries.Load())
	}
}
