package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"api-guardian/internal/ratelimit"
	"api-guardian/internal/usage"
	"api-guardian/internal/util"
)

// AdminHandler exposes the operator surface: inspect violations, lift bans,
// reset buckets, read usage counters. These routes sit outside the admission
// pipeline so an operator can always reach them.
type AdminHandler struct {
	limiter  *ratelimit.Limiter
	detector *ratelimit.AbuseDetector
	usage    *usage.Aggregator
	store    usage.Store
}

func NewAdminHandler(limiter *ratelimit.Limiter, detector *ratelimit.AbuseDetector, aggregator *usage.Aggregator, store usage.Store) *AdminHandler {
	return &AdminHandler{
		limiter:  limiter,
		detector: detector,
		usage:    aggregator,
		store:    store,
	}
}

// Response is the standard admin API envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		util.Error("failed to encode admin response", zap.Error(err))
	}
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

func errorResponse(err error, message string) Response {
	return Response{Success: false, Error: err.Error(), Message: message}
}

// RegisterRoutes registers the admin routes.
func (h *AdminHandler) RegisterRoutes(router chi.Router) {
	router.Route("/admin", func(r chi.Router) {
		r.Post("/ban/clear/{identifier}", h.ClearBan)
		r.Post("/ban/clear-all", h.ClearAllBans)
		r.Get("/violations/{identifier}", h.GetViolations)
		r.Post("/ratelimit/reset/{identifier}", h.ResetRateLimit)
		r.Get("/usage/{credentialID}", h.GetUsage)
	})
}

// ClearBan lifts a ban and wipes the identifier's violation history, giving it
// a clean slate.
func (h *AdminHandler) ClearBan(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")

	if err := h.detector.ClearBan(r.Context(), identifier); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err, "failed to clear ban"))
		return
	}

	util.Info("ban cleared by admin", zap.String("identifier", identifier))
	writeJSON(w, http.StatusOK, successResponse(map[string]string{
		"identifier": identifier,
	}, "ban and violation history cleared"))
}

// ClearAllBans wipes every ban and violation record.
func (h *AdminHandler) ClearAllBans(w http.ResponseWriter, r *http.Request) {
	bans, violations, err := h.detector.ClearAllBans(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err, "failed to clear bans"))
		return
	}

	util.Info("all bans cleared by admin",
		zap.Int64("bans", bans),
		zap.Int64("violations", violations))
	writeJSON(w, http.StatusOK, successResponse(map[string]int64{
		"bansCleared":       bans,
		"violationsCleared": violations,
	}, "all bans cleared"))
}

// GetViolations reports an identifier's abuse standing.
func (h *AdminHandler) GetViolations(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")
	ctx := r.Context()

	violations, err := h.detector.ViolationCount(ctx, identifier)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err, "failed to read violations"))
		return
	}
	banned, err := h.detector.IsBanned(ctx, identifier)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err, "failed to read ban state"))
		return
	}
	remaining, err := h.detector.RemainingBanTime(ctx, identifier)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err, "failed to read ban ttl"))
		return
	}

	writeJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"identifier":          identifier,
		"violations":          violations,
		"isBanned":            banned,
		"remainingBanSeconds": remaining,
	}, ""))
}

// ResetRateLimit deletes an identifier's bucket so the next request starts
// from full capacity.
func (h *AdminHandler) ResetRateLimit(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")

	if err := h.limiter.Reset(r.Context(), identifier); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err, "failed to reset rate limit"))
		return
	}

	util.Info("rate limit reset by admin", zap.String("identifier", identifier))
	writeJSON(w, http.StatusOK, successResponse(map[string]string{
		"identifier": identifier,
	}, "rate limit reset"))
}

// GetUsage returns a credential's persisted usage counters plus whatever is
// still buffered in the aggregator.
func (h *AdminHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	credentialID := chi.URLParam(r, "credentialID")

	stored, err := h.store.FindUsageCounters(r.Context(), credentialID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err, "failed to read usage counters"))
		return
	}
	pending, _ := h.usage.Pending(credentialID)

	writeJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"credentialId":       credentialID,
		"totalRequests":      stored.TotalRequests + pending.TotalRequests,
		"successfulRequests": stored.SuccessfulRequests + pending.SuccessfulRequests,
		"failedRequests":     stored.FailedRequests + pending.FailedRequests,
		"pendingFlush":       pending.TotalRequests,
	}, ""))
}
