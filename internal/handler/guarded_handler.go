package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"api-guardian/internal/admission"
)

// GuardedHandler serves the routes that sit behind the admission pipeline.
// A request that reaches these handlers has already been admitted.
type GuardedHandler struct{}

func NewGuardedHandler() *GuardedHandler {
	return &GuardedHandler{}
}

// RegisterRoutes registers the guarded routes.
func (h *GuardedHandler) RegisterRoutes(router chi.Router) {
	router.Get("/status", h.Status)
	router.Get("/me", h.Me)
}

// Status confirms admission. Clients use it to probe their remaining quota
// via the rate limit headers.
func (h *GuardedHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"admitted":  true,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, ""))
}

// Me echoes the caller's resolved identity and tier.
func (h *GuardedHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := admission.IdentityFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, successResponse(map[string]interface{}{
			"authenticated": false,
		}, ""))
		return
	}

	writeJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"authenticated": identity.CredentialID != "",
		"identifier":    identity.Identifier,
		"tier":          identity.Tier.String(),
		"userId":        identity.UserID,
	}, ""))
}
