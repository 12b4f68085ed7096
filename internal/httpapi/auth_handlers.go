package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"aulagate.org/internal/audit"
	"aulagate.org/internal/auth"
	"aulagate.org/internal/obs"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type accountView struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

type tokenResponse struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	ExpiresAt   time.Time    `json:"expires_at"`
	Account     *accountView `json:"account,omitempty"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "username and password are required")
		return
	}

	ctx := audit.WithSourceAddr(r.Context(), clientIP(r))
	pair, acc, err := a.auth.Login(ctx, req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrAccountLocked):
			obs.LoginAttempts.WithLabelValues("locked").Inc()
			writeError(w, r, http.StatusTooManyRequests, "account locked, try again later")
		case errors.Is(err, auth.ErrAccountDeactivated):
			obs.LoginAttempts.WithLabelValues("deactivated").Inc()
			writeError(w, r, http.StatusForbidden, "account deactivated")
		case errors.Is(err, auth.ErrInvalidCredentials):
			obs.LoginAttempts.WithLabelValues("invalid_credentials").Inc()
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		default:
			obs.LoginAttempts.WithLabelValues("error").Inc()
			obs.LogError("login_failed", err, map[string]any{"request_id": requestIDFromContext(ctx)})
			writeError(w, r, http.StatusInternalServerError, "login failed")
		}
		return
	}

	obs.LoginAttempts.WithLabelValues("success").Inc()
	a.setRefreshCookie(w, pair.RefreshToken, pair.RefreshExpiresAt)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: pair.AccessToken,
		TokenType:   "Bearer",
		ExpiresAt:   pair.AccessExpiresAt,
		Account: &accountView{
			ID:          acc.ID,
			Username:    acc.Username,
			DisplayName: acc.DisplayName,
			Role:        string(acc.Role),
		},
	})
}

// handleRefresh accepts the refresh-token cookie only: no body credential
// can drive a rotation.
func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	cookie, err := r.Cookie(a.cfg.CookieName)
	if err != nil || cookie.Value == "" {
		obs.RefreshRotations.WithLabelValues("invalid").Inc()
		writeError(w, r, http.StatusUnauthorized, "no session")
		return
	}

	ctx := audit.WithSourceAddr(r.Context(), clientIP(r))
	pair, _, err := a.auth.Rotate(ctx, cookie.Value)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrRefreshExpired):
			obs.RefreshRotations.WithLabelValues("expired").Inc()
			a.clearRefreshCookie(w)
			writeError(w, r, http.StatusUnauthorized, "session expired")
		case errors.Is(err, auth.ErrRefreshReused):
			obs.RefreshRotations.WithLabelValues("reused").Inc()
			a.clearRefreshCookie(w)
			writeError(w, r, http.StatusUnauthorized, "session invalidated")
		case errors.Is(err, auth.ErrRefreshInvalid), errors.Is(err, auth.ErrAccountDeactivated):
			obs.RefreshRotations.WithLabelValues("invalid").Inc()
			a.clearRefreshCookie(w)
			writeError(w, r, http.StatusUnauthorized, "invalid session")
		default:
			// A store outage must not destroy a still-valid session
			// cookie; the client retries with it intact.
			obs.RefreshRotations.WithLabelValues("error").Inc()
			obs.LogError("refresh_failed", err, map[string]any{"request_id": requestIDFromContext(ctx)})
			writeError(w, r, http.StatusInternalServerError, "refresh failed")
		}
		return
	}

	obs.RefreshRotations.WithLabelValues("rotated").Inc()
	a.setRefreshCookie(w, pair.RefreshToken, pair.RefreshExpiresAt)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: pair.AccessToken,
		TokenType:   "Bearer",
		ExpiresAt:   pair.AccessExpiresAt,
	})
}

// handleLogout clears the session cookie and revokes the record behind
// it. It succeeds even when no session exists.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	if cookie, err := r.Cookie(a.cfg.CookieName); err == nil && cookie.Value != "" {
		ctx := audit.WithSourceAddr(r.Context(), clientIP(r))
		a.auth.Logout(ctx, cookie.Value)
	}
	a.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleSession is token introspection for collaborating resource tiers.
func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": principal.AccountID,
		"username":   principal.Username,
		"role":       string(principal.Role),
		"expires_at": principal.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

type revokeSessionsRequest struct {
	AccountID string `json:"account_id"`
}

// handleRevokeSessions is the administrative bulk invalidation endpoint,
// rate limited by acting identity rather than source address.
func (a *API) handleRevokeSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req revokeSessionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.AccountID) == "" {
		writeError(w, r, http.StatusBadRequest, "account_id is required")
		return
	}

	ctx := audit.WithSourceAddr(r.Context(), clientIP(r))
	if err := a.auth.RevokeAllForAccount(ctx, req.AccountID); err != nil {
		obs.LogError("revoke_sessions_failed", err, map[string]any{"request_id": requestIDFromContext(ctx)})
		writeError(w, r, http.StatusInternalServerError, "revocation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) setRefreshCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cfg.CookieName,
		Value:    token,
		Path:     a.cfg.CookiePath,
		Expires:  expires,
		HttpOnly: true,
		Secure:   a.cfg.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cfg.CookieName,
		Value:    "",
		Path:     a.cfg.CookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cfg.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}
