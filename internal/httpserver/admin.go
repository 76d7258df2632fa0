package httpserver

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/davidbz/meterproxy/internal/config"
	"github.com/davidbz/meterproxy/internal/domain"
	"github.com/davidbz/meterproxy/internal/observability"
)

// AdminHandler serves usage export and endpoint health views.
type AdminHandler struct {
	ledger    domain.UsageLedger
	health    domain.HealthReporter
	keyDigest [sha256.Size]byte
	enabled   bool
}

// NewAdminHandler creates the admin handler. Without an admin key the admin
// routes are not mounted.
func NewAdminHandler(ledger domain.UsageLedger, health domain.HealthReporter, cfg *config.AdminConfig) *AdminHandler {
	h := &AdminHandler{
		ledger: ledger,
		health: health,
	}
	if cfg != nil && cfg.APIKey != "" {
		h.keyDigest = sha256.Sum256([]byte(cfg.APIKey))
		h.enabled = true
	}
	return h
}

// Enabled reports whether admin routes should be mounted.
func (h *AdminHandler) Enabled() bool {
	return h.enabled
}

// RegisterRoutes mounts the admin routes behind the admin key.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Use(h.requireAdminKey)
	r.Get("/usage", h.HandleUsageList)
	r.Get("/usage/{user}", h.HandleUsage)
	r.Get("/endpoints", h.HandleEndpoints)
}

func (h *AdminHandler) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		digest := sha256.Sum256([]byte(extractAPIKey(r)))
		if subtle.ConstantTimeCompare(digest[:], h.keyDigest[:]) != 1 {
			observability.FromContext(r.Context()).Warn("admin request rejected")
			writeError(w, http.StatusUnauthorized, "invalid admin key", "authentication_error")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HandleUsageList exports every user's usage snapshot.
func (h *AdminHandler) HandleUsageList(w http.ResponseWriter, r *http.Request) {
	records, err := h.ledger.List(r.Context())
	if err != nil {
		observability.FromContext(r.Context()).Error("failed to list usage", observability.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list usage", "internal_error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"users": records})
}

// HandleUsage exports one user's usage snapshot.
func (h *AdminHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")

	record, err := h.ledger.Read(r.Context(), user)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownUser) {
			writeError(w, http.StatusNotFound, "unknown user", "not_found")
			return
		}
		observability.FromContext(r.Context()).Error("failed to read usage", observability.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read usage", "internal_error")
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// HandleEndpoints reports the health of every endpoint.
func (h *AdminHandler) HandleEndpoints(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": h.health.Snapshot()})
}
