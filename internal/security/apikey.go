package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"api-guardian/internal/admission"
	"api-guardian/internal/model"
	"api-guardian/internal/repository/scylla"
	"api-guardian/internal/util"
)

const apiKeyHeader = "X-API-Key"

// KeyLookup resolves a key digest to its stored credential. Implementations
// return scylla.ErrKeyNotFound for unknown digests.
type KeyLookup interface {
	FindByDigest(ctx context.Context, digest string) (*model.APIKey, error)
}

// APIKeyAuthenticator turns the X-API-Key header into an admission identity.
// Raw keys are never stored or logged; only the SHA-256 digest touches the
// repository.
type APIKeyAuthenticator struct {
	lookup KeyLookup
}

func NewAPIKeyAuthenticator(lookup KeyLookup) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{lookup: lookup}
}

// DigestKey returns the lowercase hex SHA-256 of a raw API key.
func DigestKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// Middleware authenticates requests that carry an API key. Requests without
// the header pass through anonymously and are identified by client IP further
// down the chain. Requests with an invalid, expired, or suspended key are
// rejected with 401.
func (a *APIKeyAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := r.Header.Get(apiKeyHeader)
		if rawKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		key, err := a.lookup.FindByDigest(r.Context(), DigestKey(rawKey))
		if err != nil {
			if errors.Is(err, scylla.ErrKeyNotFound) {
				unauthorized(w, "Invalid API key")
				return
			}
			util.Error("api key lookup failed", zap.Error(err))
			unauthorized(w, "Unable to verify API key")
			return
		}
		if !key.Usable(time.Now()) {
			unauthorized(w, "API key is not active")
			return
		}

		identity := admission.Identity{
			Identifier:   "KEY:" + key.ID,
			Tier:         key.Tier,
			CredentialID: key.ID,
			UserID:       key.UserID,
		}
		next.ServeHTTP(w, r.WithContext(admission.WithIdentity(r.Context(), identity)))
	})
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "Unauthorized",
		"message": message,
	})
}
