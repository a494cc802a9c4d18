package model

import (
	"fmt"
	"strings"
	"time"
)

// Tier is a named quota class. Ordering matters: higher tiers carry higher caps.
type Tier int

const (
	TierFree Tier = iota
	TierBasic
	TierPremium
	TierEnterprise
)

// TierCaps holds the fixed request ceilings attached to a tier.
type TierCaps struct {
	RequestsPerMinute int64
	RequestsPerHour   int64
	RequestsPerDay    int64
	RequestsPerMonth  int64
}

var tierCaps = map[Tier]TierCaps{
	TierFree:       {RequestsPerMinute: 10, RequestsPerHour: 100, RequestsPerDay: 1_000, RequestsPerMonth: 30_000},
	TierBasic:      {RequestsPerMinute: 50, RequestsPerHour: 1_000, RequestsPerDay: 10_000, RequestsPerMonth: 300_000},
	TierPremium:    {RequestsPerMinute: 200, RequestsPerHour: 5_000, RequestsPerDay: 50_000, RequestsPerMonth: 1_500_000},
	TierEnterprise: {RequestsPerMinute: 1_000, RequestsPerHour: 50_000, RequestsPerDay: 1_000_000, RequestsPerMonth: 30_000_000},
}

func (t Tier) String() string {
	switch t {
	case TierFree:
		return "FREE"
	case TierBasic:
		return "BASIC"
	case TierPremium:
		return "PREMIUM"
	case TierEnterprise:
		return "ENTERPRISE"
	default:
		return "FREE"
	}
}

// Caps returns the quota ceilings for the tier. Unknown tiers fall back to FREE.
func (t Tier) Caps() TierCaps {
	if caps, ok := tierCaps[t]; ok {
		return caps
	}
	return tierCaps[TierFree]
}

// ParseTier maps a stored tier name back to its enum value.
func ParseTier(name string) (Tier, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "FREE":
		return TierFree, nil
	case "BASIC":
		return TierBasic, nil
	case "PREMIUM":
		return TierPremium, nil
	case "ENTERPRISE":
		return TierEnterprise, nil
	default:
		return TierFree, fmt.Errorf("unknown tier: %q", name)
	}
}

// RateLimitConfig is the per-request quota configuration resolved from a tier.
// Immutable once built.
type RateLimitConfig struct {
	Tier           Tier
	Capacity       int64
	RefillInterval time.Duration
}

// ConfigForTier builds the token-bucket configuration for a tier: capacity is
// the per-minute cap, refilled in full every minute.
func ConfigForTier(tier Tier) RateLimitConfig {
	return RateLimitConfig{
		Tier:           tier,
		Capacity:       tier.Caps().RequestsPerMinute,
		RefillInterval: time.Minute,
	}
}
