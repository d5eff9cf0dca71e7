package handler

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/SOG-web/reauth-sub001/internal/apperror"
	"github.com/SOG-web/reauth-sub001/internal/oauth/service"
	"github.com/SOG-web/reauth-sub001/internal/security"
	sessiondomain "github.com/SOG-web/reauth-sub001/internal/session/domain"
)

const stateCookie = "oauth_state"

// HTTPConfig controls the browser flow cookies.
type HTTPConfig struct {
	CookieSecure bool
}

type authorizeQuery struct {
	RedirectURI string `validate:"omitempty,url,max=2048"`
	Scope       string `validate:"max=1024"`
}

type callbackQuery struct {
	Code  string `validate:"required,max=2048"`
	State string `validate:"required,max=4096"`
}

// HTTPHandler serves the browser redirect leg of the OAuth flow.
type HTTPHandler struct {
	oauth    *service.Controller
	config   HTTPConfig
	validate *validator.Validate
}

// NewHTTPHandler returns the redirect and callback endpoints over ctl.
func NewHTTPHandler(ctl *service.Controller, config HTTPConfig) *HTTPHandler {
	return &HTTPHandler{oauth: ctl, config: config, validate: validator.New()}
}

// Routes mounts the endpoints under r:
//
//	GET /oauth/{provider}/authorize
//	GET /oauth/{provider}/callback
func (h *HTTPHandler) Routes(r chi.Router) {
	r.Route("/oauth/{provider}", func(r chi.Router) {
		r.Get("/authorize", h.Authorize)
		r.Get("/callback", h.Callback)
	})
}

// Authorize redirects the browser to the provider and pins the state in a cookie.
func (h *HTTPHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	q := authorizeQuery{
		RedirectURI: r.URL.Query().Get("redirect_uri"),
		Scope:       r.URL.Query().Get("scope"),
	}
	if err := h.validate.Struct(q); err != nil {
		writeError(w, apperror.Validation(apperror.StatusInvalidInput, "invalid authorize parameters"))
		return
	}
	res, err := h.oauth.Initiate(r.Context(), chi.URLParam(r, "provider"), service.InitiateOptions{
		RedirectURI: q.RedirectURI,
		Scopes:      strings.Fields(q.Scope),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    res.State,
		Path:     "/oauth",
		MaxAge:   int(security.MaxStateAge.Seconds()),
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, res.AuthorizationURL, http.StatusFound)
}

// Callback finishes the sign-in and returns the session as JSON.
func (h *HTTPHandler) Callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if e := query.Get("error"); e != "" {
		slog.Info("oauth provider returned an error", "provider", chi.URLParam(r, "provider"), "error", e)
		writeError(w, apperror.Validation(apperror.StatusInvalidInput, "authorization was not granted"))
		return
	}
	q := callbackQuery{Code: query.Get("code"), State: query.Get("state")}
	if err := h.validate.Struct(q); err != nil {
		writeError(w, apperror.Validation(apperror.StatusInvalidInput, "code and state are required"))
		return
	}
	c, err := r.Cookie(stateCookie)
	if err != nil || !security.TokenHashEqual(q.State, security.HashToken(c.Value)) {
		slog.Warn("oauth state cookie mismatch", "provider", chi.URLParam(r, "provider"))
		writeError(w, apperror.Security(apperror.StatusInvalidState, "invalid oauth state", nil))
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    "",
		Path:     "/oauth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	res, err := h.oauth.Callback(r.Context(), chi.URLParam(r, "provider"), q.Code, q.State, service.CallbackOptions{
		Device: deviceFromRequest(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, toCallbackResponse(res))
}

func deviceFromRequest(r *http.Request) *sessiondomain.DeviceInfo {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	return &sessiondomain.DeviceInfo{
		Fingerprint: strings.TrimSpace(r.Header.Get("X-Device-Fingerprint")),
		UserAgent:   r.UserAgent(),
		IPAddress:   ip,
	}
}

func writeError(w http.ResponseWriter, err error) {
	ae := apperror.From(err)
	if ae.Kind == apperror.KindInternal {
		slog.Error("oauth http request failed", "error", err)
	}
	writeJSON(w, ae.HTTPStatus(), apperror.ResultOf(err))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
