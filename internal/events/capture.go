package events

import (
	"context"
	"sync"

	"api-guardian/internal/model"
)

// CaptureSink records emitted envelopes in memory. Test double for the
// publisher's Sink.
type CaptureSink struct {
	mu      sync.Mutex
	Emitted []CapturedMessage
}

type CapturedMessage struct {
	Topic   string
	Key     string
	Payload []byte
}

func NewCaptureSink() *CaptureSink {
	return &CaptureSink{}
}

func (s *CaptureSink) Emit(_ context.Context, topic, key string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Emitted = append(s.Emitted, CapturedMessage{Topic: topic, Key: key, Payload: payload})
	return nil
}

// Messages returns a snapshot of everything emitted so far.
func (s *CaptureSink) Messages() []CapturedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CapturedMessage, len(s.Emitted))
	copy(out, s.Emitted)
	return out
}

// CapturePublisher implements the abuse and pipeline event sinks directly,
// recording typed events without serialization. Test double for components
// that accept the narrow publish interfaces.
type CapturePublisher struct {
	mu         sync.Mutex
	Requests   []model.APIRequestEvent
	Violations []model.RateLimitViolationEvent
	Bans       []model.BanEvent
	Usages     []model.APIKeyUsageEvent
}

func NewCapturePublisher() *CapturePublisher {
	return &CapturePublisher{}
}

func (p *CapturePublisher) PublishAPIRequest(event model.APIRequestEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, event)
}

func (p *CapturePublisher) PublishViolation(event model.RateLimitViolationEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Violations = append(p.Violations, event)
}

func (p *CapturePublisher) PublishBan(event model.BanEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Bans = append(p.Bans, event)
}

func (p *CapturePublisher) PublishUsage(event model.APIKeyUsageEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Usages = append(p.Usages, event)
}

// BanCount returns how many ban events were published.
func (p *CapturePublisher) BanCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Bans)
}
