package session

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gatehouse-auth/gatehouse/internal/shared"
)

type resolutionContextKey struct{}

// ContextWithResolution stores the resolution in context.
func ContextWithResolution(ctx context.Context, res Resolution) context.Context {
	return context.WithValue(ctx, resolutionContextKey{}, res)
}

// FromContext extracts the resolution from context. A request that never went
// through the middleware yields the empty StateNone resolution.
func FromContext(ctx context.Context) Resolution {
	res, _ := ctx.Value(resolutionContextKey{}).(Resolution)
	return res
}

// Middleware resolves the session cookie on every request and stashes the
// resolution in the request context. When resolution extends the session it
// re-issues the cookie with the new expiration.
func (m *Manager) Middleware(cookies CookieConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var token string
			if cookie, err := r.Cookie(CookieName); err == nil {
				token = cookie.Value
			}

			resolution, err := m.Resolve(r.Context(), token)
			if err != nil {
				shared.RespondError(m.logger, w, err)
				return
			}

			if resolution.State == StateExtended {
				http.SetCookie(w, cookies.Cookie(token, resolution.ExpiresAt))
			}

			next.ServeHTTP(w, r.WithContext(ContextWithResolution(r.Context(), resolution)))
		})
	}
}

// RequireSession rejects requests without a full-privilege authenticated
// session. FORGOT_PASSWORD sessions exist only to carry the password-reset
// flow and do not pass this guard.
func RequireSession(logger *slog.Logger) func(http.Handler) http.Handler {
	return requireScope(logger, ScopeAuth)
}

// RequireResetSession admits any authenticated session, including the
// limited FORGOT_PASSWORD scope used by the password-reset verify and reset
// endpoints.
func RequireResetSession(logger *slog.Logger) func(http.Handler) http.Handler {
	return requireScope(logger, ScopeAuth, ScopeForgotPassword)
}

// RequireVerified rejects authenticated callers whose email is unverified.
// It must run after a session guard.
func RequireVerified(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !FromContext(r.Context()).EmailVerified {
				shared.RespondError(logger, w, shared.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requireScope(logger *slog.Logger, scopes ...Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			resolution := FromContext(r.Context())
			if !resolution.Authenticated() {
				shared.RespondError(logger, w, shared.ErrUnauthenticated)
				return
			}
			for _, scope := range scopes {
				if resolution.Scope == scope {
					next.ServeHTTP(w, r)
					return
				}
			}
			shared.RespondError(logger, w, shared.ErrForbidden)
		})
	}
}
