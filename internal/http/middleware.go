package http

import (
	"net/http"

	"sdpo-trainer/internal/auth"
)

// RequireAPIToken rejects requests without "Authorization: Bearer <token>".
// An empty token closes the group entirely.
func RequireAPIToken(token string) func(http.Handler) http.Handler {
	want := ""
	if token != "" {
		want = auth.HashToken(token)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !auth.Matches(r.Header.Get("Authorization"), want) {
				writeJSON(w, http.StatusUnauthorized, errResp{"unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
