package model

import "time"

// APIKeyStatus is the lifecycle state of a credential.
type APIKeyStatus string

const (
	APIKeyActive    APIKeyStatus = "ACTIVE"
	APIKeySuspended APIKeyStatus = "SUSPENDED"
	APIKeyRevoked   APIKeyStatus = "REVOKED"
	APIKeyExpired   APIKeyStatus = "EXPIRED"
)

// APIKey is the credential record resolved during identity resolution. The
// raw key is never stored; lookup happens by SHA-256 digest.
type APIKey struct {
	ID        string
	UserID    string
	Name      string
	Status    APIKeyStatus
	Tier      Tier
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Usable reports whether the key may authenticate requests right now.
func (k *APIKey) Usable(now time.Time) bool {
	if k.Status != APIKeyActive {
		return false
	}
	if !k.ExpiresAt.IsZero() && k.ExpiresAt.Before(now) {
		return false
	}
	return true
}
