package apigate

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS is permissive across the full verb set the spec's HTTP surface
// uses, per spec.md §4.7 ("permissive for GET/POST/PUT/DELETE/OPTIONS").
// Grounded on the teacher's internal/http/middleware.CORS, generalized
// from the teacher's GET/POST/DELETE set to include PUT.
func CORS(allowedOrigins []string, allowCredentials bool) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "X-API-Key", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: allowCredentials,
		MaxAge:           300,
	})
}
