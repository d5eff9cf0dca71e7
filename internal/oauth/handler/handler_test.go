package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/SOG-web/reauth-sub001/internal/clock"
	"github.com/SOG-web/reauth-sub001/internal/oauth/domain"
	"github.com/SOG-web/reauth-sub001/internal/oauth/provider"
	"github.com/SOG-web/reauth-sub001/internal/oauth/repository"
	"github.com/SOG-web/reauth-sub001/internal/oauth/service"
	"github.com/SOG-web/reauth-sub001/internal/security"
	"github.com/SOG-web/reauth-sub001/internal/server/interceptors"
	sessionrepo "github.com/SOG-web/reauth-sub001/internal/session/repository"
	sessionservice "github.com/SOG-web/reauth-sub001/internal/session/service"
	userdomain "github.com/SOG-web/reauth-sub001/internal/user/domain"
	userrepo "github.com/SOG-web/reauth-sub001/internal/user/repository"
	userservice "github.com/SOG-web/reauth-sub001/internal/user/service"
)

// stubExchanger accepts any code and returns the account registered for it.
type stubExchanger struct {
	accounts map[string]*provider.ExternalProfile
}

func (s *stubExchanger) AuthCodeURL(_ context.Context, p *domain.Provider, req provider.AuthRequest) (string, error) {
	q := url.Values{"client_id": {p.ClientID}, "redirect_uri": {req.RedirectURI}, "state": {req.State},
		"scope": {domain.ScopeString(req.Scopes)}}
	return p.AuthURL + "?" + q.Encode(), nil
}

func (s *stubExchanger) Exchange(_ context.Context, _ *domain.Provider, code, _ string) (*provider.TokenSet, error) {
	return &provider.TokenSet{AccessToken: code, RefreshToken: "rt-" + code, ExpiresIn: 3600}, nil
}

func (s *stubExchanger) Refresh(context.Context, *domain.Provider, string) (*provider.TokenSet, error) {
	return &provider.TokenSet{AccessToken: "fresh", ExpiresIn: 3600}, nil
}

func (s *stubExchanger) FetchProfile(_ context.Context, _ *domain.Provider, tok *provider.TokenSet) (*provider.ExternalProfile, error) {
	p, ok := s.accounts[tok.AccessToken]
	if !ok {
		return nil, &provider.UpstreamError{Provider: "github", StatusCode: http.StatusUnauthorized}
	}
	return p, nil
}

type noCreds struct{}

func (noCreds) HasLocalCredential(context.Context, string) (bool, error) { return false, nil }

func newController(t *testing.T) *service.Controller {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	dir := userservice.NewDirectory(userrepo.NewMemoryRepository(), clk)
	reg := sessionservice.NewResolverRegistry()
	if err := reg.Register(userdomain.SubjectType, dir); err != nil {
		t.Fatal(err)
	}
	mgr, err := sessionservice.NewManager(sessionservice.DefaultConfig(), sessionrepo.NewMemoryRepository(clk), reg, nil, nil, nil, clk)
	if err != nil {
		t.Fatal(err)
	}
	providers, err := service.NewProviderRegistry([]domain.Provider{{
		Name: "github", Family: domain.FamilyOAuth2, ClientID: "cid", ClientSecret: "secret",
		AuthURL: "https://github.example/authorize", TokenURL: "https://github.example/token",
		UserInfoURL: "https://api.github.example/user", Scopes: []string{"read:user"},
		RedirectURL: "https://app.example.com/oauth/github/callback", Active: true,
	}})
	if err != nil {
		t.Fatal(err)
	}
	codec, err := security.NewStateCodec([]byte(strings.Repeat("k", 32)), clk)
	if err != nil {
		t.Fatal(err)
	}
	exch := &stubExchanger{accounts: map[string]*provider.ExternalProfile{
		"ada":   {ID: "1001", Email: "ada@example.com", Name: "Ada"},
		"grace": {ID: "1002", Email: "grace@example.com", Name: "Grace"},
	}}
	return service.NewController(providers, exch, repository.NewMemoryRepository(), dir, noCreds{}, mgr, codec, nil, nil, clk)
}

func as(subjectID string) context.Context {
	return interceptors.WithIdentity(context.Background(), interceptors.Identity{SubjectType: userdomain.SubjectType, SubjectID: subjectID, SessionID: "s1"})
}

func TestServer_Unimplemented(t *testing.T) {
	srv := NewServer(nil)
	if _, err := srv.ListProviders(context.Background(), &ListProvidersRequest{}); status.Code(err) != codes.Unimplemented {
		t.Errorf("code = %v", status.Code(err))
	}
}

func TestServer_SignInAndLinkedAccounts(t *testing.T) {
	srv := NewServer(newController(t))
	ctx := context.Background()

	providers, err := srv.ListProviders(ctx, &ListProvidersRequest{})
	if err != nil || len(providers.Providers) != 1 || providers.Providers[0] != "github" {
		t.Fatalf("ListProviders = %+v, %v", providers, err)
	}
	if _, err := srv.Initiate(ctx, &InitiateRequest{Provider: "nope"}); status.Code(err) != codes.NotFound {
		t.Errorf("unknown provider code = %v", status.Code(err))
	}
	init, err := srv.Initiate(ctx, &InitiateRequest{Provider: "github"})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if _, err := srv.Callback(ctx, &CallbackRequest{Provider: "github", Code: "ada", State: "forged"}); status.Code(err) != codes.PermissionDenied {
		t.Errorf("forged state code = %v", status.Code(err))
	}
	if _, err := srv.Callback(ctx, &CallbackRequest{Provider: "github", Code: "ada", State: init.State, TTLSeconds: -1}); status.Code(err) != codes.InvalidArgument {
		t.Errorf("negative ttl code = %v", status.Code(err))
	}
	cb, err := srv.Callback(ctx, &CallbackRequest{Provider: "github", Code: "ada", State: init.State, TTLSeconds: 3600})
	if err != nil {
		t.Fatalf("Callback: %v", err)
	}
	if !cb.Success || !cb.IsNewSubject || cb.Token == "" || cb.Profile.ProviderUserID != "1001" {
		t.Fatalf("callback = %+v", cb)
	}
	if cb.ExpiresAt == nil || !cb.ExpiresAt.Equal(time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)) {
		t.Errorf("expires_at = %v", cb.ExpiresAt)
	}

	if _, err := srv.ListLinked(ctx, &ListLinkedRequest{}); status.Code(err) != codes.Unauthenticated {
		t.Errorf("anonymous ListLinked code = %v", status.Code(err))
	}
	linked, err := srv.ListLinked(as(cb.SubjectID), &ListLinkedRequest{})
	if err != nil || len(linked.Profiles) != 1 {
		t.Fatalf("ListLinked = %+v, %v", linked, err)
	}
	prof, err := srv.GetProfile(as(cb.SubjectID), &ProfileRequest{Provider: "github"})
	if err != nil || prof.Profile.Email != "ada@example.com" {
		t.Fatalf("GetProfile = %+v, %v", prof, err)
	}

	// The only sign-in method cannot be removed.
	if _, err := srv.Unlink(as(cb.SubjectID), &ProfileRequest{Provider: "github"}); status.Code(err) != codes.InvalidArgument {
		t.Errorf("last method unlink code = %v", status.Code(err))
	}
}

func TestServer_LinkConflict(t *testing.T) {
	srv := NewServer(newController(t))
	ctx := context.Background()

	first, _ := srv.Initiate(ctx, &InitiateRequest{Provider: "github"})
	if _, err := srv.Callback(ctx, &CallbackRequest{Provider: "github", Code: "ada", State: first.State}); err != nil {
		t.Fatal(err)
	}
	second, _ := srv.Initiate(ctx, &InitiateRequest{Provider: "github"})
	grace, err := srv.Callback(ctx, &CallbackRequest{Provider: "github", Code: "grace", State: second.State})
	if err != nil {
		t.Fatal(err)
	}
	third, _ := srv.Initiate(ctx, &InitiateRequest{Provider: "github"})
	_, err = srv.Link(as(grace.SubjectID), &LinkRequest{Provider: "github", Code: "ada", State: third.State})
	if status.Code(err) != codes.AlreadyExists {
		t.Errorf("link ada's account to grace code = %v", status.Code(err))
	}
	if _, err := srv.Link(context.Background(), &LinkRequest{Provider: "github", Code: "ada", State: third.State}); status.Code(err) != codes.Unauthenticated {
		t.Errorf("anonymous link code = %v", status.Code(err))
	}
}

func newRouter(t *testing.T) http.Handler {
	t.Helper()
	r := chi.NewRouter()
	NewHTTPHandler(newController(t), HTTPConfig{}).Routes(r)
	return r
}

func TestHTTP_AuthorizeAndCallback(t *testing.T) {
	router := newRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oauth/github/authorize?scope=read:user+user:email", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("authorize code = %d body %s", rec.Code, rec.Body)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil || loc.Host != "github.example" {
		t.Fatalf("Location = %q", rec.Header().Get("Location"))
	}
	if loc.Query().Get("scope") != "read:user user:email" {
		t.Errorf("scope = %q", loc.Query().Get("scope"))
	}
	state := loc.Query().Get("state")
	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == stateCookie {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value != state || !cookie.HttpOnly {
		t.Fatalf("state cookie = %+v", cookie)
	}

	req := httptest.NewRequest(http.MethodGet, "/oauth/github/callback?code=ada&state="+url.QueryEscape(state), nil)
	req.AddCookie(cookie)
	req.Header.Set("User-Agent", "test-browser")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("callback code = %d body %s", rec.Code, rec.Body)
	}
	var body CallbackResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.Success || body.Token == "" || body.Status != "ok" {
		t.Errorf("callback body = %+v", body)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("callback response must not be cached")
	}
}

func TestHTTP_CallbackRejections(t *testing.T) {
	router := newRouter(t)
	tests := []struct {
		name   string
		target string
		cookie string
		code   int
		status string
	}{
		{"provider error", "/oauth/github/callback?error=access_denied", "", http.StatusBadRequest, "invalid_input"},
		{"missing code", "/oauth/github/callback?state=x", "x", http.StatusBadRequest, "invalid_input"},
		{"missing cookie", "/oauth/github/callback?code=ada&state=x", "", http.StatusForbidden, "invalid_state"},
		{"cookie mismatch", "/oauth/github/callback?code=ada&state=x", "y", http.StatusForbidden, "invalid_state"},
		{"bad state", "/oauth/github/callback?code=ada&state=x", "x", http.StatusForbidden, "invalid_state"},
		{"unknown provider", "/oauth/nope/authorize", "", http.StatusNotFound, "provider_not_found"},
		{"bad redirect", "/oauth/github/authorize?redirect_uri=not-a-url", "", http.StatusBadRequest, "invalid_input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: stateCookie, Value: tt.cookie})
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tt.code {
				t.Fatalf("code = %d, want %d (body %s)", rec.Code, tt.code, rec.Body)
			}
			var body map[string]any
			_ = json.Unmarshal(rec.Body.Bytes(), &body)
			if body["status"] != tt.status || body["success"] != false {
				t.Errorf("body = %v", body)
			}
		})
	}
}
