package model

import (
	"testing"
	"time"
)

func TestParseTier(t *testing.T) {
	t.Parallel()

	cases := []struct {
		input   string
		want    Tier
		wantErr bool
	}{
		{"FREE", TierFree, false},
		{"basic", TierBasic, false},
		{"  Premium ", TierPremium, false},
		{"ENTERPRISE", TierEnterprise, false},
		{"platinum", TierFree, true},
		{"", TierFree, true},
	}

	for _, tc := range cases {
		got, err := ParseTier(tc.input)
		if (err != nil) != tc.wantErr {
			t.Fatalf("ParseTier(%q) error = %v, wantErr %v", tc.input, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("ParseTier(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestTierRoundTrip(t *testing.T) {
	t.Parallel()

	for _, tier := range []Tier{TierFree, TierBasic, TierPremium, TierEnterprise} {
		parsed, err := ParseTier(tier.String())
		if err != nil {
			t.Fatalf("ParseTier(%q): %v", tier.String(), err)
		}
		if parsed != tier {
			t.Fatalf("round trip %v -> %q -> %v", tier, tier.String(), parsed)
		}
	}
}

func TestTierCapsAreMonotonic(t *testing.T) {
	t.Parallel()

	tiers := []Tier{TierFree, TierBasic, TierPremium, TierEnterprise}
	for i := 1; i < len(tiers); i++ {
		lower, higher := tiers[i-1].Caps(), tiers[i].Caps()
		if higher.RequestsPerMinute <= lower.RequestsPerMinute ||
			higher.RequestsPerHour <= lower.RequestsPerHour ||
			higher.RequestsPerDay <= lower.RequestsPerDay ||
			higher.RequestsPerMonth <= lower.RequestsPerMonth {
			t.Fatalf("%v caps not strictly above %v", tiers[i], tiers[i-1])
		}
	}
}

func TestConfigForTier(t *testing.T) {
	t.Parallel()

	cfg := ConfigForTier(TierBasic)
	if cfg.Capacity != 50 {
		t.Fatalf("BASIC capacity = %d, want 50", cfg.Capacity)
	}
	if cfg.RefillInterval != time.Minute {
		t.Fatalf("refill interval = %v, want 1m", cfg.RefillInterval)
	}
	if cfg.Tier != TierBasic {
		t.Fatalf("tier = %v, want BASIC", cfg.Tier)
	}
}

func TestUnknownTierFallsBackToFree(t *testing.T) {
	t.Parallel()

	unknown := Tier(99)
	if unknown.Caps() != TierFree.Caps() {
		t.Fatal("unknown tier caps differ from FREE")
	}
	if unknown.String() != "FREE" {
		t.Fatalf("unknown tier name = %q, want FREE", unknown.String())
	}
}

func TestDecisionMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		decision Decision
		name     string
		status   int
	}{
		{DecisionAllow, "ALLOW", 200},
		{DecisionRateLimit, "RATE_LIMIT", 429},
		{DecisionBanned, "BANNED", 403},
	}

	for _, tc := range cases {
		if tc.decision.String() != tc.name {
			t.Fatalf("decision name = %q, want %q", tc.decision.String(), tc.name)
		}
		if tc.decision.StatusCode() != tc.status {
			t.Fatalf("%s status = %d, want %d", tc.name, tc.decision.StatusCode(), tc.status)
		}
	}
}

func TestAPIKeyUsable(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	key := APIKey{
		Status:    APIKeyActive,
		ExpiresAt: now.Add(time.Hour),
	}
	if !key.Usable(now) {
		t.Fatal("active unexpired key not usable")
	}

	expired := key
	expired.ExpiresAt = now.Add(-time.Minute)
	if expired.Usable(now) {
		t.Fatal("expired key usable")
	}

	suspended := key
	suspended.Status = APIKeySuspended
	if suspended.Usable(now) {
		t.Fatal("suspended key usable")
	}

	noExpiry := key
	noExpiry.ExpiresAt = time.Time{}
	if !noExpiry.Usable(now) {
		t.Fatal("key without expiry not usable")
	}
}
