// Package auth handles HTTP routes for authentication
package auth

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/catbird-blue/nest/internal/config"
	"github.com/catbird-blue/nest/internal/httputil"
	"github.com/catbird-blue/nest/internal/logger"
	"github.com/catbird-blue/nest/internal/metrics"
	"github.com/catbird-blue/nest/internal/middleware"
	"github.com/catbird-blue/nest/internal/oauth"
	"github.com/catbird-blue/nest/internal/ratelimit"
	"github.com/catbird-blue/nest/internal/session"
	"github.com/catbird-blue/nest/internal/svrlib"
)

// sessionCookieMaxAge matches the Redis session TTL default (30 days).
const sessionCookieMaxAge = 30 * 24 * 60 * 60

// Router handles authentication-related HTTP routes
type Router struct {
	*svrlib.Router
	oauthClient *oauth.Client
	sessions    *session.Service
}

// SessionInfo is the payload returned to the mobile app for /auth/session.
type SessionInfo struct {
	DID       string    `json:"did"`
	Handle    string    `json:"handle"`
	CreatedAt time.Time `json:"created_at"`
}

// LogoutResponse acknowledges a logout.
type LogoutResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// RegisterRoutes registers all /auth/* routes on the given mux.
func RegisterRoutes(mux *http.ServeMux, prefix string, cfg *config.Config, oauthClient *oauth.Client, sessions *session.Service, limits *ratelimit.State) {
	router := &Router{
		Router:      svrlib.NewRouter(mux, prefix, cfg),
		oauthClient: oauthClient,
		sessions:    sessions,
	}

	requireSession := middleware.RequireSession(sessions)
	ipLimit := middleware.IPRateLimit(limits)

	mux.Handle(prefix+"/login", ipLimit(http.HandlerFunc(router.LoginHandler)))
	mux.HandleFunc(prefix+"/callback", router.CallbackHandler)
	mux.Handle(prefix+"/logout", requireSession(http.HandlerFunc(router.LogoutHandler)))
	mux.Handle(prefix+"/session", requireSession(http.HandlerFunc(router.SessionHandler)))
}

// LoginHandler starts the OAuth flow: resolves the identifier, stores the
// in-flight authorization state, and redirects to the authorization server.
//
// GET|POST /auth/login?identifier=user.bsky.social
func (rt *Router) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "bad_request", "Method not allowed", "path", r.URL.Path)
		return
	}

	identifier := r.FormValue("identifier")
	if identifier == "" {
		identifier = r.URL.Query().Get("identifier")
	}
	if identifier == "" {
		httputil.WriteError(w, http.StatusBadRequest, "bad_request", "Missing identifier")
		return
	}

	logger.Info("Login request", "identifier", identifier)

	authURL, err := rt.oauthClient.Authorize(r.Context(), identifier)
	if err != nil {
		metrics.RecordOAuthLogin(false)
		httputil.WriteAppError(w, err, "identifier", identifier)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// CallbackHandler completes the OAuth flow. On success it writes the three
// per-session records, sets the session cookie, and redirects to the app with
// the session id in the URL fragment, never the query.
//
// GET /auth/callback?code=...&state=...&iss=...
func (rt *Router) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	result, err := rt.oauthClient.Callback(r.Context(), q.Get("code"), q.Get("state"), q.Get("iss"))
	if err != nil {
		metrics.RecordOAuthLogin(false)
		httputil.WriteAppError(w, err)
		return
	}

	sessionID := uuid.New()
	now := time.Now()

	jkt, err := result.DPoPKey.Thumbprint()
	if err != nil {
		metrics.RecordOAuthLogin(false)
		httputil.WriteAppError(w, err)
		return
	}

	expiresIn := result.Token.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}

	sess := &session.GatewaySession{
		ID:                   sessionID,
		DID:                  result.DID,
		Handle:               result.DID,
		PDSURL:               result.PDSURL,
		AccessToken:          result.Token.AccessToken,
		RefreshToken:         result.Token.RefreshToken,
		AccessTokenExpiresAt: now.Add(time.Duration(expiresIn) * time.Second),
		CreatedAt:            now,
		LastUsedAt:           now,
		DPoPJKT:              jkt,
	}

	store := rt.sessions.Store()
	id := sessionID.String()

	// DPoP key and OAuth record first; the gateway session is only readable
	// once its two companions exist.
	if err := store.SaveDPoPKey(r.Context(), id, result.DPoPKey); err != nil {
		metrics.RecordOAuthLogin(false)
		httputil.WriteAppError(w, err)
		return
	}
	if err := store.SaveOAuthSession(r.Context(), id, &session.OAuthSessionRecord{
		DID: result.DID,
		TokenSet: session.TokenSet{
			AccessToken:  result.Token.AccessToken,
			RefreshToken: result.Token.RefreshToken,
			Audience:     result.PDSURL,
			ExpiresAt:    sess.AccessTokenExpiresAt,
		},
		DPoPPublicJWK: result.DPoPKey.PublicJWK(),
	}); err != nil {
		metrics.RecordOAuthLogin(false)
		httputil.WriteAppError(w, err)
		return
	}
	if err := store.SaveSession(r.Context(), sess); err != nil {
		metrics.RecordOAuthLogin(false)
		httputil.WriteAppError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   !rt.Config.IsDev(),
		SameSite: http.SameSiteStrictMode,
		MaxAge:   sessionCookieMaxAge,
	})

	metrics.RecordOAuthLogin(true)
	logger.Info("Login complete", "did", result.DID, "session_id", id)

	http.Redirect(w, r, rt.Config.OAuth.AppRedirectURI+"#session_id="+id, http.StatusFound)
}

// LogoutHandler revokes the session upstream and clears local state.
//
// POST /auth/logout
func (rt *Router) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "bad_request", "Method not allowed", "path", r.URL.Path)
		return
	}

	sess := middleware.SessionFromContext(r.Context())
	if err := rt.sessions.RevokeSession(r.Context(), sess); err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   !rt.Config.IsDev(),
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})

	httputil.WriteSuccess(w, LogoutResponse{Success: true, Message: "Logged out"})
}

// SessionHandler returns the resolved session's identity.
//
// GET /auth/session
func (rt *Router) SessionHandler(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	httputil.WriteSuccess(w, SessionInfo{
		DID:       sess.DID,
		Handle:    sess.Handle,
		CreatedAt: sess.CreatedAt,
	})
}
