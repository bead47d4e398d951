// Package apigate is the API Gate: API-key authentication and
// per-key sliding-window rate limiting in front of the
// Ingestion/Subscription handlers (spec.md §4.7).
package apigate

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"dividend-ingest/internal/apperr"
	"dividend-ingest/internal/store"
)

var apiKeyFormat = regexp.MustCompile(`^tk_[A-Za-z0-9_]{6,}$`)

type ctxKey string

const apiUserKey ctxKey = "api_user"

// UserFromContext recovers the authenticated ApiUser a downstream
// handler runs as.
func UserFromContext(ctx context.Context) (*store.ApiUser, bool) {
	u, ok := ctx.Value(apiUserKey).(*store.ApiUser)
	return u, ok
}

func extractKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// RequireAPIKey authenticates by X-API-Key or Authorization: Bearer,
// rejecting malformed, unknown, or disabled keys with 401.
func RequireAPIKey(gw store.Gateway) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := extractKey(r)
			if key == "" || !apiKeyFormat.MatchString(key) {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or malformed API key")
				return
			}

			user, err := gw.GetAPIUserByKey(r.Context(), key)
			if err != nil {
				if apperr.Is(err, apperr.KindAuth) {
					writeError(w, http.StatusUnauthorized, "unauthorized", "unknown or inactive API key")
					return
				}
				writeError(w, http.StatusInternalServerError, "internal_error", "")
				return
			}

			ctx := context.WithValue(r.Context(), apiUserKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := `{"error":"` + code + `"`
	if message != "" {
		body += `,"message":"` + message + `"`
	}
	body += "}"
	_, _ = w.Write([]byte(body))
}
