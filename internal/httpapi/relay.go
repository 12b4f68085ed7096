package httpapi

import (
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"aulagate.org/internal/audit"
	"aulagate.org/internal/auth"
	"aulagate.org/internal/obs"
)

// Relay keeps a session alive on behalf of an edge tier (server-side
// rendering or proxy) that forwards browser requests to resource
// services. The browser only ever holds the HttpOnly refresh cookie; the
// relay turns it into short-lived access tokens as needed.
type Relay struct {
	Auth         *auth.Service
	CookieName   string
	CookiePath   string
	CookieSecure bool
}

// RelayResult is the outcome of resolving an access token for a request.
type RelayResult struct {
	Token        string
	WasRefreshed bool
	// SetCookie carries the rotated refresh token when WasRefreshed.
	// Once rotation committed the cookie must reach the client: the old
	// token is already revoked, so withholding it on a downstream
	// failure would only strand the session.
	SetCookie *http.Cookie
}

// AccessToken resolves an access token for the incoming request. A valid
// bearer token passes through unchanged; otherwise the refresh cookie is
// rotated; with neither, ErrNoSession. Rotation failures surface as the
// auth errors they are; callers treat them as authentication failures,
// not server errors.
func (rl *Relay) AccessToken(r *http.Request) (RelayResult, error) {
	if token, err := extractBearerToken(r.Header.Get(authHeader)); err == nil {
		if _, err := rl.Auth.Authenticate(token); err == nil {
			return RelayResult{Token: token}, nil
		}
		// Expired or invalid bearer: fall through to the refresh cookie.
	}

	cookie, err := r.Cookie(rl.CookieName)
	if err != nil || cookie.Value == "" {
		return RelayResult{}, auth.ErrNoSession
	}

	ctx := audit.WithSourceAddr(r.Context(), clientIP(r))
	pair, _, err := rl.Auth.Rotate(ctx, cookie.Value)
	if err != nil {
		return RelayResult{}, err
	}

	obs.RelayRefreshes.Inc()
	return RelayResult{
		Token:        pair.AccessToken,
		WasRefreshed: true,
		SetCookie:    rl.refreshCookie(pair.RefreshToken, pair.RefreshExpiresAt),
	}, nil
}

// Proxy forwards requests to a resource backend, silently re-
// authenticating them first. The rotated cookie is attached to the
// response regardless of how the downstream call ends.
func (rl *Relay) Proxy(target *url.URL) http.Handler {
	proxy := httputil.NewSingleHostReverseProxy(target)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := rl.AccessToken(r)
		if err != nil {
			if isAuthFailure(err) {
				writeError(w, r, http.StatusUnauthorized, "no session")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "session relay failed")
			return
		}
		if res.SetCookie != nil {
			http.SetCookie(w, res.SetCookie)
		}
		outbound := r.Clone(r.Context())
		outbound.Header.Set(authHeader, bearer+res.Token)
		outbound.Header.Del("Cookie")
		proxy.ServeHTTP(w, outbound)
	})
}

func isAuthFailure(err error) bool {
	return errors.Is(err, auth.ErrNoSession) ||
		errors.Is(err, auth.ErrRefreshInvalid) ||
		errors.Is(err, auth.ErrRefreshExpired) ||
		errors.Is(err, auth.ErrRefreshReused) ||
		errors.Is(err, auth.ErrAccountDeactivated)
}

func (rl *Relay) refreshCookie(token string, expires time.Time) *http.Cookie {
	path := rl.CookiePath
	if path == "" {
		path = "/"
	}
	return &http.Cookie{
		Name:     rl.CookieName,
		Value:    token,
		Path:     path,
		Expires:  expires,
		HttpOnly: true,
		Secure:   rl.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	}
}
