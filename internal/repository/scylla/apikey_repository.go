package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"api-guardian/internal/model"
	"api-guardian/internal/usage"
	"api-guardian/internal/util"
)

// ErrKeyNotFound is returned when no credential matches the presented digest.
var ErrKeyNotFound = errors.New("api key not found")

// APIKeyRepository is the credential-store adapter. Usage counters live in a
// counter table, so AddUsageCounters is purely additive and safe to run from
// independent replicas without coordination.
//
// Schema:
//
//	CREATE TABLE api_keys (
//	    key_digest text PRIMARY KEY,
//	    key_id text, user_id text, name text, status text, tier text,
//	    created_at timestamp, expires_at timestamp
//	);
//	CREATE TABLE api_key_usage (
//	    key_id text PRIMARY KEY,
//	    total counter, successful counter, failed counter
//	);
//	CREATE TABLE api_key_last_used (
//	    key_id text PRIMARY KEY,
//	    last_used_at timestamp
//	);
type APIKeyRepository struct {
	client *ScyllaClient
}

func NewAPIKeyRepository(client *ScyllaClient) *APIKeyRepository {
	return &APIKeyRepository{client: client}
}

// FindByDigest looks up a credential by the SHA-256 digest of its raw key.
func (r *APIKeyRepository) FindByDigest(ctx context.Context, digest string) (*model.APIKey, error) {
	var (
		key      model.APIKey
		status   string
		tierName string
	)

	err := r.client.Session.Query(
		`SELECT key_id, user_id, name, status, tier, created_at, expires_at
		   FROM api_keys WHERE key_digest = ?`,
		digest,
	).WithContext(ctx).Scan(
		&key.ID, &key.UserID, &key.Name, &status, &tierName,
		&key.CreatedAt, &key.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}

	key.Status = model.APIKeyStatus(status)
	tier, err := model.ParseTier(tierName)
	if err != nil {
		util.Warn("api key carries unknown tier, defaulting to FREE",
			zap.String("key_id", key.ID),
			zap.String("tier", tierName))
	}
	key.Tier = tier

	return &key, nil
}

// AddUsageCounters applies one accumulated delta. Counter columns make the
// write additive; the last-used timestamp is tracked in a regular table.
func (r *APIKeyRepository) AddUsageCounters(ctx context.Context, credentialID string, delta usage.Counters) error {
	err := r.client.Session.Query(
		`UPDATE api_key_usage
		    SET total = total + ?, successful = successful + ?, failed = failed + ?
		  WHERE key_id = ?`,
		delta.TotalRequests, delta.SuccessfulRequests, delta.FailedRequests,
		credentialID,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to add usage counters: %w", err)
	}

	if !delta.LastUsedAt.IsZero() {
		err = r.client.Session.Query(
			`UPDATE api_key_last_used SET last_used_at = ? WHERE key_id = ?`,
			delta.LastUsedAt, credentialID,
		).WithContext(ctx).Exec()
		if err != nil {
			return fmt.Errorf("failed to update last used: %w", err)
		}
	}

	util.Debug("usage counters persisted",
		zap.String("key_id", credentialID),
		zap.Int64("total", delta.TotalRequests))
	return nil
}

// FindUsageCounters reads the persisted totals for one credential.
func (r *APIKeyRepository) FindUsageCounters(ctx context.Context, credentialID string) (usage.Counters, error) {
	var counters usage.Counters

	err := r.client.Session.Query(
		`SELECT total, successful, failed FROM api_key_usage WHERE key_id = ?`,
		credentialID,
	).WithContext(ctx).Scan(
		&counters.TotalRequests, &counters.SuccessfulRequests, &counters.FailedRequests,
	)
	if err != nil && !errors.Is(err, gocql.ErrNotFound) {
		return usage.Counters{}, fmt.Errorf("failed to read usage counters: %w", err)
	}

	var lastUsed time.Time
	err = r.client.Session.Query(
		`SELECT last_used_at FROM api_key_last_used WHERE key_id = ?`,
		credentialID,
	).WithContext(ctx).Scan(&lastUsed)
	if err != nil && !errors.Is(err, gocql.ErrNotFound) {
		return usage.Counters{}, fmt.Errorf("failed to read last used: %w", err)
	}
	counters.LastUsedAt = lastUsed

	return counters, nil
}
