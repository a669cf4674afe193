package httpapi

import (
	"net/http"

	"gracechurch.org/authz/internal/guard"
)

func (a *API) requestContext(r *http.Request) guard.RequestContext {
	return guard.RequestContext{
		IP:        a.proxies.clientIP(r),
		UserAgent: r.UserAgent(),
		Query:     r.URL.Query(),
		Now:       a.now(),
	}
}

// withRouteGuard resolves the route policy for every request. Anonymous callers
// turned away get 401, known callers 403.
func (a *API) withRouteGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		userID := UserIDFromContext(r.Context())
		d := a.guard.CheckRouteAccess(r.Context(), r.URL.Path, userID, a.requestContext(r))
		if d.Allowed {
			next.ServeHTTP(w, r)
			return
		}
		if userID == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, r, http.StatusUnauthorized, d.Reason)
			return
		}
		writeError(w, r, http.StatusForbidden, d.Reason)
	})
}
