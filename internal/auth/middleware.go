package auth

import (
	"net/http"

	"github.com/mofeng-git/one-kvm/internal/store"
)

// SessionCookieName is the HttpOnly cookie auth reads/writes for browser
// sessions; exported so handlers that need to read it directly (e.g. logout,
// auth/check) don't duplicate the literal.
const SessionCookieName = "onekvm_session"

const sessionCookieName = SessionCookieName

// RequireSession rejects requests without a valid, unexpired session cookie
// and injects the resolved Principal into the request context. Wraps next
// the way spec.md §4.3 describes the "auth" link of the middleware chain.
func RequireSession(svc *Service, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil {
			http.Error(w, ErrInvalidCredentials.Error(), http.StatusUnauthorized)
			return
		}

		principal, err := svc.Authenticate(r.Context(), cookie.Value)
		switch {
		case err == ErrSessionExpired:
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		case err != nil:
			http.Error(w, ErrInvalidCredentials.Error(), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// RequireAdmin rejects non-Admin principals. Must run after RequireSession;
// spec.md §4.3: "All config-write endpoints require Admin."
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFromContext(r.Context())
		if !ok || principal.Role != store.RoleAdmin {
			http.Error(w, ErrPermissionDenied.Error(), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetSessionCookie writes the HttpOnly session cookie after a successful
// login (spec.md §4.3 "return as an HttpOnly cookie").
func SetSessionCookie(w http.ResponseWriter, session *store.Session, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    session.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
		Expires:  session.ExpiresAt,
	})
}

// ClearSessionCookie expires the cookie immediately, used on logout.
func ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}
