package admission

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"api-guardian/internal/events"
	"api-guardian/internal/model"
	"api-guardian/internal/ratelimit"
)

type captureAuditor struct {
	mu        sync.Mutex
	decisions []string
}

func (a *captureAuditor) Log(decision, _, _, _ string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.decisions = append(a.decisions, decision)
}

func (a *captureAuditor) all() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.decisions))
	copy(out, a.decisions)
	return out
}

func newTestPipeline(failOpen bool) (*Pipeline, *ratelimit.MemoryCounterStore, *events.CapturePublisher, *captureAuditor) {
	store := ratelimit.NewMemoryCounterStore()
	limiter := ratelimit.NewLimiter(store, time.Hour)
	pub := events.NewCapturePublisher()
	detector := ratelimit.NewAbuseDetector(store, pub, 5*time.Minute)
	auditor := &captureAuditor{}

	pipeline := NewPipeline(limiter, detector, pub, auditor, ContextResolver{}, Options{
		FailOpen:     failOpen,
		StoreTimeout: 2 * time.Second,
	})
	return pipeline, store, pub, auditor
}

func okDownstream() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}

func doRequest(t *testing.T, guard http.Handler) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.RemoteAddr = "203.0.113.7:52000"
	rec := httptest.NewRecorder()
	guard.ServeHTTP(rec, req)
	return rec
}

func TestPipelineAdmitsUpToCapacityThenRejects(t *testing.T) {
	t.Parallel()

	pipeline, _, pub, _ := newTestPipeline(true)
	guard := pipeline.Middleware(okDownstream())

	capacity := model.TierFree.Caps().RequestsPerMinute
	for i := int64(0); i < capacity; i++ {
		rec := doRequest(t, guard)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rec.Code)
		}
		wantRemaining := strconv.FormatInt(capacity-1-i, 10)
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != wantRemaining {
			t.Fatalf("request %d: remaining header = %q, want %q", i+1, got, wantRemaining)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != strconv.FormatInt(capacity, 10) {
			t.Fatalf("limit header = %q, want %d", got, capacity)
		}
		if got := rec.Header().Get("X-RateLimit-Tier"); got != "FREE" {
			t.Fatalf("tier header = %q, want FREE", got)
		}
		if rec.Header().Get("X-RateLimit-Reset") == "" {
			t.Fatal("reset header missing on admitted request")
		}
	}

	rec := doRequest(t, guard)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over-capacity status = %d, want 429", rec.Code)
	}

	retryAfter, err := strconv.ParseInt(rec.Header().Get("Retry-After"), 10, 64)
	if err != nil {
		t.Fatalf("Retry-After header %q not an integer: %v", rec.Header().Get("Retry-After"), err)
	}
	if retryAfter <= 0 || retryAfter > 60 {
		t.Fatalf("Retry-After = %d, want within (0, 60]", retryAfter)
	}

	var body struct {
		Error      string `json:"error"`
		Message    string `json:"message"`
		RetryAfter *int64 `json:"retryAfter"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("rejection body not JSON: %v", err)
	}
	if body.Error != "Too Many Requests" {
		t.Fatalf("body error = %q, want Too Many Requests", body.Error)
	}
	if body.RetryAfter == nil || *body.RetryAfter != retryAfter {
		t.Fatal("body retryAfter disagrees with Retry-After header")
	}

	// One request event per request, the last one a RATE_LIMIT.
	if len(pub.Requests) != int(capacity)+1 {
		t.Fatalf("request events = %d, want %d", len(pub.Requests), capacity+1)
	}
	last := pub.Requests[len(pub.Requests)-1]
	if last.Decision != "RATE_LIMIT" || last.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("last event = %s/%d, want RATE_LIMIT/429", last.Decision, last.StatusCode)
	}
	if len(pub.Violations) != 1 {
		t.Fatalf("violation events = %d, want 1", len(pub.Violations))
	}
}

func TestPipelineEscalatesRepeatedViolationsToBan(t *testing.T) {
	t.Parallel()

	pipeline, _, pub, auditor := newTestPipeline(true)
	guard := pipeline.Middleware(okDownstream())

	capacity := model.TierFree.Caps().RequestsPerMinute
	for i := int64(0); i < capacity; i++ {
		doRequest(t, guard)
	}

	// Three rejections cross the ban threshold.
	for i := 0; i < 3; i++ {
		rec := doRequest(t, guard)
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("violation %d: status = %d, want 429", i+1, rec.Code)
		}
	}
	if pub.BanCount() != 1 {
		t.Fatalf("ban events = %d, want 1", pub.BanCount())
	}

	// Banned identifiers are rejected before the rate limiter.
	rec := doRequest(t, guard)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("banned request status = %d, want 403", rec.Code)
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("ban body not JSON: %v", err)
	}
	if body.Error != "Forbidden" {
		t.Fatalf("ban body error = %q, want Forbidden", body.Error)
	}

	last := pub.Requests[len(pub.Requests)-1]
	if last.Decision != "BANNED" {
		t.Fatalf("last event decision = %q, want BANNED", last.Decision)
	}

	decisions := auditor.all()
	if decisions[len(decisions)-1] != "BANNED" {
		t.Fatalf("last audit decision = %q, want BANNED", decisions[len(decisions)-1])
	}
}

func TestPipelineHourCeilingRejectsWithWindowRetryAfter(t *testing.T) {
	t.Parallel()

	pipeline, store, _, _ := newTestPipeline(true)
	guard := pipeline.Middleware(okDownstream())

	// Saturate the hour window directly; the per-minute bucket is untouched.
	caps := model.TierFree.Caps()
	identifier := "IP:203.0.113.7"
	ctx := context.Background()
	for i := int64(0); i < caps.RequestsPerHour; i++ {
		if ok, _, err := store.TakeWindowSlot(ctx, identifier, caps.RequestsPerHour, time.Hour, time.Now()); err != nil || !ok {
			t.Fatalf("precharge slot %d: ok=%v err=%v", i, ok, err)
		}
	}

	rec := doRequest(t, guard)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "3600" {
		t.Fatalf("Retry-After = %q, want 3600 for the hour window", got)
	}
}

func TestPipelinePublishesUsageForCredentialedRequests(t *testing.T) {
	t.Parallel()

	pipeline, _, pub, _ := newTestPipeline(true)
	guard := pipeline.Middleware(okDownstream())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.RemoteAddr = "203.0.113.7:52000"
	req = req.WithContext(WithIdentity(req.Context(), Identity{
		Identifier:   "KEY:key-1",
		Tier:         model.TierPremium,
		CredentialID: "key-1",
		UserID:       "user-9",
	}))
	rec := httptest.NewRecorder()
	guard.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Tier"); got != "PREMIUM" {
		t.Fatalf("tier header = %q, want PREMIUM", got)
	}
	if len(pub.Usages) != 1 {
		t.Fatalf("usage events = %d, want 1", len(pub.Usages))
	}
	usage := pub.Usages[0]
	if usage.APIKeyID != "key-1" || usage.UserID != "user-9" || !usage.Success {
		t.Fatalf("usage event = %+v", usage)
	}

	// Anonymous requests never produce usage events.
	doRequest(t, guard)
	if len(pub.Usages) != 1 {
		t.Fatalf("usage events after anonymous request = %d, want 1", len(pub.Usages))
	}
}

type failingStore struct{}

func (failingStore) TakeToken(context.Context, string, int64, time.Duration, time.Duration, time.Time) (ratelimit.TokenTake, error) {
	return ratelimit.TokenTake{}, ratelimit.ErrStoreUnavailable
}
func (failingStore) TakeWindowSlot(context.Context, string, int64, time.Duration, time.Time) (bool, int64, error) {
	return false, 0, ratelimit.ErrStoreUnavailable
}
func (failingStore) BucketTokens(context.Context, string) (int64, bool, error) {
	return 0, false, ratelimit.ErrStoreUnavailable
}
func (failingStore) LastRefill(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, ratelimit.ErrStoreUnavailable
}
func (failingStore) WindowCount(context.Context, string, time.Duration) (int64, error) {
	return 0, ratelimit.ErrStoreUnavailable
}
func (failingStore) ResetBucket(context.Context, string) error {
	return ratelimit.ErrStoreUnavailable
}
func (failingStore) IncrementViolations(context.Context, string, time.Duration) (int64, error) {
	return 0, ratelimit.ErrStoreUnavailable
}
func (failingStore) ViolationCount(context.Context, string) (int64, error) {
	return 0, ratelimit.ErrStoreUnavailable
}
func (failingStore) ApplyBan(context.Context, string, time.Duration) error {
	return ratelimit.ErrStoreUnavailable
}
func (failingStore) IsBanned(context.Context, string) (bool, error) {
	return false, ratelimit.ErrStoreUnavailable
}
func (failingStore) BanTTL(context.Context, string) (time.Duration, error) {
	return 0, ratelimit.ErrStoreUnavailable
}
func (failingStore) ClearIdentifier(context.Context, string) error {
	return ratelimit.ErrStoreUnavailable
}
func (failingStore) ClearAll(context.Context) (int64, int64, error) {
	return 0, 0, ratelimit.ErrStoreUnavailable
}

func newFailingPipeline(failOpen bool) (*Pipeline, *events.CapturePublisher) {
	store := failingStore{}
	limiter := ratelimit.NewLimiter(store, time.Hour)
	pub := events.NewCapturePublisher()
	detector := ratelimit.NewAbuseDetector(store, pub, 5*time.Minute)

	pipeline := NewPipeline(limiter, detector, pub, &captureAuditor{}, ContextResolver{}, Options{
		FailOpen:     failOpen,
		StoreTimeout: 2 * time.Second,
	})
	return pipeline, pub
}

func TestPipelineFailOpenAdmitsOnStoreOutage(t *testing.T) {
	t.Parallel()

	pipeline, pub := newFailingPipeline(true)
	guard := pipeline.Middleware(okDownstream())

	rec := doRequest(t, guard)
	if rec.Code != http.StatusOK {
		t.Fatalf("fail-open status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Fatal("downstream was not reached under fail-open")
	}
	if len(pub.Requests) != 1 || pub.Requests[0].Decision != "ALLOW" {
		t.Fatalf("fail-open events = %+v, want one ALLOW", pub.Requests)
	}
}

func TestPipelineFailClosedRejectsOnStoreOutage(t *testing.T) {
	t.Parallel()

	pipeline, pub := newFailingPipeline(false)
	guard := pipeline.Middleware(okDownstream())

	rec := doRequest(t, guard)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("fail-closed status = %d, want 503", rec.Code)
	}

	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("503 body not JSON: %v", err)
	}
	if body.Error != "Service Unavailable" {
		t.Fatalf("503 body error = %q", body.Error)
	}

	// A store outage is not a decision; no request event is emitted.
	if len(pub.Requests) != 0 {
		t.Fatalf("request events = %d, want 0", len(pub.Requests))
	}
}
