package model

import "net/http"

// Decision is the admission outcome for a single request. It is a closed set:
// rejected requests are first-class decisions, not errors.
type Decision int

const (
	DecisionAllow Decision = iota
	DecisionRateLimit
	DecisionBanned
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "ALLOW"
	case DecisionRateLimit:
		return "RATE_LIMIT"
	case DecisionBanned:
		return "BANNED"
	default:
		return "ALLOW"
	}
}

// StatusCode returns the HTTP status attached to the decision.
func (d Decision) StatusCode() int {
	switch d {
	case DecisionRateLimit:
		return http.StatusTooManyRequests
	case DecisionBanned:
		return http.StatusForbidden
	default:
		return http.StatusOK
	}
}

// ErrorLabel returns the error field of the rejection body for non-allow
// decisions.
func (d Decision) ErrorLabel() string {
	switch d {
	case DecisionRateLimit:
		return "Too Many Requests"
	case DecisionBanned:
		return "Forbidden"
	default:
		return ""
	}
}
