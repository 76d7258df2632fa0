package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/cors"

	"github.com/davidbz/meterproxy/internal/config"
)

// Headers every caller needs: the three key carriers and the JSON body type.
var credentialHeaders = []string{"Content-Type", "Authorization", "Api-Key", "X-Api-Key"}

// CORS lets browser callers reach the proxy. A nil config or an empty origin
// list disables it.
func CORS(cfg *config.CORSConfig) Middleware {
	if cfg == nil || len(cfg.AllowedOrigins) == 0 {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   cfg.AllowedMethods,
		AllowedHeaders:   withCredentialHeaders(cfg.AllowedHeaders),
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           cfg.MaxAge,
	})

	return c.Handler
}

func withCredentialHeaders(configured []string) []string {
	out := make([]string, 0, len(configured)+len(credentialHeaders))
	seen := make(map[string]struct{}, cap(out))

	for _, h := range append(append([]string{}, configured...), credentialHeaders...) {
		key := strings.ToLower(strings.TrimSpace(h))
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, h)
	}

	return out
}
