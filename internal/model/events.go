package model

import "time"

// Event payloads published to Kafka. All are immutable once constructed and
// published exactly once per occurrence.

// APIRequestEvent describes one admission decision, emitted on every path
// through the pipeline.
type APIRequestEvent struct {
	RequestID      string    `json:"requestId"`
	Identifier     string    `json:"identifier"`
	Endpoint       string    `json:"endpoint"`
	HTTPMethod     string    `json:"httpMethod"`
	Decision       string    `json:"decision"`
	Tier           string    `json:"tier"`
	StatusCode     int       `json:"statusCode"`
	ResponseTimeMs int64     `json:"responseTimeMs"`
	UserAgent      string    `json:"userAgent"`
	IPAddress      string    `json:"ipAddress"`
	Timestamp      time.Time `json:"timestamp"`
}

// RateLimitViolationEvent is emitted on every rejected admission attempt.
type RateLimitViolationEvent struct {
	Identifier        string    `json:"identifier"`
	Endpoint          string    `json:"endpoint"`
	Tier              string    `json:"tier"`
	ViolationCount    int64     `json:"violationCount"`
	RetryAfterSeconds int64     `json:"retryAfterSeconds"`
	Timestamp         time.Time `json:"timestamp"`
}

// BanEvent is emitted when violation escalation applies a time-boxed ban.
type BanEvent struct {
	Identifier         string    `json:"identifier"`
	Reason             string    `json:"reason"`
	ViolationCount     int64     `json:"violationCount"`
	BanDurationSeconds int64     `json:"banDurationSeconds"`
	BannedAt           time.Time `json:"bannedAt"`
	ExpiresAt          time.Time `json:"expiresAt"`
}

// APIKeyUsageEvent is emitted for admitted credential-based requests and
// consumed asynchronously by the usage aggregator.
type APIKeyUsageEvent struct {
	APIKeyID  string    `json:"apiKeyId"`
	UserID    string    `json:"userId"`
	Endpoint  string    `json:"endpoint"`
	Success   bool      `json:"success"`
	Tier      string    `json:"tier"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditEntry is the write-only tuple handed to the audit sink.
type AuditEntry struct {
	Decision   string    `json:"decision"`
	Endpoint   string    `json:"endpoint"`
	Method     string    `json:"method"`
	Identifier string    `json:"identifier"`
	Timestamp  time.Time `json:"timestamp"`
}
