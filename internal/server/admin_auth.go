package server

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// adminAuthMiddleware checks the HTTP Basic password against a bcrypt
// hash. The user name is not checked. An empty hash disables the check.
func adminAuthMiddleware(passwordHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if passwordHash == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, password, ok := r.BasicAuth()
			if !ok || bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="admin"`)
				writeError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
