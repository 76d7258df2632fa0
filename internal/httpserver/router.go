package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/davidbz/meterproxy/internal/httpserver/middleware"
)

// NewRouter mounts the proxy, health and admin routes.
func NewRouter(handler *Handler, admin *AdminHandler, middlewares middleware.Middleware) http.Handler {
	r := chi.NewRouter()
	if middlewares != nil {
		r.Use(middlewares)
	}

	r.Get("/health", handler.HandleHealth)

	r.Post("/openai/*", handler.HandleProxy)
	r.Post("/v1/*", handler.HandleProxy)

	if admin != nil && admin.Enabled() {
		r.Route("/admin", admin.RegisterRoutes)
	}

	return r
}
