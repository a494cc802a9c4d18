package admission

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"api-guardian/internal/model"
	"api-guardian/internal/ratelimit"
	"api-guardian/internal/util"
)

// EventSink receives the pipeline's telemetry. Publishing never blocks and
// never fails the request.
type EventSink interface {
	PublishAPIRequest(event model.APIRequestEvent)
	PublishUsage(event model.APIKeyUsageEvent)
}

// Auditor receives the write-only audit tuple for every decision.
type Auditor interface {
	Log(decision, endpoint, method, identifier string)
}

// Options configures pipeline policy.
type Options struct {
	// FailOpen admits requests when the counter store is unreachable;
	// fail-closed rejects them with 503. Either way the failure is logged,
	// never silently absorbed into a normal decision.
	FailOpen bool

	// StoreTimeout bounds the admission decision's store calls.
	StoreTimeout time.Duration
}

// Pipeline makes the per-request admission decision: ban check, token-bucket
// check, hour/day window ceilings, violation recording, telemetry. One pass,
// no retries.
type Pipeline struct {
	limiter  *ratelimit.Limiter
	detector *ratelimit.AbuseDetector
	events   EventSink
	audit    Auditor
	resolver Resolver
	opts     Options
}

func NewPipeline(limiter *ratelimit.Limiter, detector *ratelimit.AbuseDetector, events EventSink, audit Auditor, resolver Resolver, opts Options) *Pipeline {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	if resolver == nil {
		resolver = ContextResolver{}
	}
	return &Pipeline{
		limiter:  limiter,
		detector: detector,
		events:   events,
		audit:    audit,
		resolver: resolver,
		opts:     opts,
	}
}

type rejectionBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter *int64 `json:"retryAfter"`
}

// Middleware wires the pipeline into a chi router.
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		start := time.Now()

		identity := p.resolver.Resolve(r)
		r = r.WithContext(WithIdentity(r.Context(), identity))
		cfg := model.ConfigForTier(identity.Tier)

		ctx, cancel := context.WithTimeout(r.Context(), p.opts.StoreTimeout)
		defer cancel()

		// Step 1: banned identifiers never reach the rate limiter and never
		// consume bucket capacity.
		banned, err := p.detector.IsBanned(ctx, identity.Identifier)
		if err != nil {
			p.handleStoreFailure(w, r, next, identity, requestID, start, err)
			return
		}
		if banned {
			p.reject(w, r, identity, model.DecisionBanned, requestID, start,
				"You are temporarily banned due to abuse", nil)
			return
		}

		// Step 2: per-minute token bucket, atomic check-and-consume.
		take, err := p.limiter.Allow(ctx, identity.Identifier, cfg)
		if err != nil {
			p.handleStoreFailure(w, r, next, identity, requestID, start, err)
			return
		}
		if !take.Allowed {
			retryAfter := p.retryAfter(ctx, identity.Identifier, cfg)
			p.recordViolation(ctx, identity, r)
			p.reject(w, r, identity, model.DecisionRateLimit, requestID, start,
				"Rate limit exceeded. Please try again later.", &retryAfter)
			return
		}

		// Step 3: hour/day ceilings layered on top of the bucket.
		caps := identity.Tier.Caps()
		for _, ceiling := range []struct {
			limit  int64
			window time.Duration
		}{
			{caps.RequestsPerHour, time.Hour},
			{caps.RequestsPerDay, 24 * time.Hour},
		} {
			allowed, _, err := p.limiter.AllowWindow(ctx, identity.Identifier, ceiling.limit, ceiling.window)
			if err != nil {
				p.handleStoreFailure(w, r, next, identity, requestID, start, err)
				return
			}
			if !allowed {
				retryAfter := int64(ceiling.window.Seconds())
				p.recordViolation(ctx, identity, r)
				p.reject(w, r, identity, model.DecisionRateLimit, requestID, start,
					"Rate limit exceeded. Please try again later.", &retryAfter)
				return
			}
		}

		// Step 4: admitted.
		p.audit.Log(model.DecisionAllow.String(), r.URL.Path, r.Method, identity.Identifier)
		p.setRateLimitHeaders(ctx, w, identity, cfg, take.Remaining)

		if identity.CredentialID != "" {
			p.events.PublishUsage(model.APIKeyUsageEvent{
				APIKeyID:  identity.CredentialID,
				UserID:    identity.UserID,
				Endpoint:  r.URL.Path,
				Success:   true,
				Tier:      identity.Tier.String(),
				Timestamp: time.Now(),
			})
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		p.emitRequestEvent(r, identity, model.DecisionAllow, status, requestID, start)
	})
}

func (p *Pipeline) recordViolation(ctx context.Context, identity Identity, r *http.Request) {
	if _, err := p.detector.RecordViolation(ctx, identity.Identifier, r.URL.Path, identity.Tier.String()); err != nil {
		util.Error("failed to record violation",
			zap.String("identifier", identity.Identifier),
			zap.Error(err))
	}
}

func (p *Pipeline) retryAfter(ctx context.Context, identifier string, cfg model.RateLimitConfig) int64 {
	retryAfter, err := p.limiter.RetryAfterSeconds(ctx, identifier, cfg)
	if err != nil {
		return 0
	}
	return retryAfter
}

func (p *Pipeline) reject(w http.ResponseWriter, r *http.Request, identity Identity, decision model.Decision, requestID string, start time.Time, message string, retryAfter *int64) {
	p.audit.Log(decision.String(), r.URL.Path, r.Method, identity.Identifier)

	w.Header().Set("Content-Type", "application/json")
	if retryAfter != nil {
		w.Header().Set("Retry-After", strconv.FormatInt(*retryAfter, 10))
	}
	w.WriteHeader(decision.StatusCode())

	body := rejectionBody{
		Error:      decision.ErrorLabel(),
		Message:    message,
		RetryAfter: retryAfter,
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		util.Error("failed to write rejection body", zap.Error(err))
	}

	p.emitRequestEvent(r, identity, decision, decision.StatusCode(), requestID, start)
}

// handleStoreFailure applies the configured fail-open/fail-closed policy when
// the counter store is unreachable. Neither variant is a normal decision, so
// no violation is recorded.
func (p *Pipeline) handleStoreFailure(w http.ResponseWriter, r *http.Request, next http.Handler, identity Identity, requestID string, start time.Time, err error) {
	util.Error("counter store failure during admission",
		zap.String("identifier", identity.Identifier),
		zap.Bool("fail_open", p.opts.FailOpen),
		zap.Error(err))

	if p.opts.FailOpen {
		p.audit.Log(model.DecisionAllow.String(), r.URL.Path, r.Method, identity.Identifier)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		p.emitRequestEvent(r, identity, model.DecisionAllow, status, requestID, start)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	body := rejectionBody{
		Error:   "Service Unavailable",
		Message: "Admission control is temporarily unavailable",
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		util.Error("failed to write unavailable body", zap.Error(err))
	}
}

func (p *Pipeline) setRateLimitHeaders(ctx context.Context, w http.ResponseWriter, identity Identity, cfg model.RateLimitConfig, remaining int64) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(cfg.Capacity, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	w.Header().Set("X-RateLimit-Tier", identity.Tier.String())

	resetTime, err := p.limiter.ResetTime(ctx, identity.Identifier, cfg)
	if err != nil {
		util.Debug("failed to read reset time", zap.Error(err))
		return
	}
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime, 10))
}

func (p *Pipeline) emitRequestEvent(r *http.Request, identity Identity, decision model.Decision, statusCode int, requestID string, start time.Time) {
	p.events.PublishAPIRequest(model.APIRequestEvent{
		RequestID:      requestID,
		Identifier:     identity.Identifier,
		Endpoint:       r.URL.Path,
		HTTPMethod:     r.Method,
		Decision:       decision.String(),
		Tier:           identity.Tier.String(),
		StatusCode:     statusCode,
		ResponseTimeMs: time.Since(start).Milliseconds(),
		UserAgent:      r.UserAgent(),
		IPAddress:      util.ClientIP(r),
		Timestamp:      time.Now(),
	})
}
