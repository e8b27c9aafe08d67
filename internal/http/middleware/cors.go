package middleware

import (
	"net/http"

	"github.com/rs/cors"

	"github.com/davidbz/relayd/internal/config"
)

// CORS creates a middleware that handles Cross-Origin Resource Sharing using
// github.com/rs/cors. The X-Trace-Id and X-Request-Id headers are exposed so
// browser clients can report them.
func CORS(cfg *config.CORSConfig) Middleware {
	if cfg == nil {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   cfg.AllowedMethods,
		AllowedHeaders:   cfg.AllowedHeaders,
		ExposedHeaders:   []string{"X-Trace-Id", "X-Request-Id"},
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           cfg.MaxAge,
	})

	return c.Handler
}
