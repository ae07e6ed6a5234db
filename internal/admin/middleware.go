// internal/admin/middleware.go
//
// Bearer-token middleware for the admin surface.
//
// Every mutating endpoint the daemon exposes is an operator action, so
// the whole router sits behind one static token from configuration.  The
// comparison is constant-time; an empty configured token disables the
// surface outright rather than leaving it open.
//
// Notes
// -----
// • This is deliberately not a user-auth system; platform authentication
//   lives outside this subsystem.
package admin

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Auth guards next with a static bearer token.
func Auth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				http.Error(w, "admin surface disabled", http.StatusForbidden)
				return
			}
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
