package factory_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/referral"
	"github.com/warp/loyalty-engine/rules"
	"github.com/warp/loyalty-engine/store/memory"
)

func mustDecimal(s string) decimal.Decimal { return decimal.RequireFromString(s) }

const seedDoc = `{
	"earning_rules": [
		{
			"id": "purchase-standard",
			"name": "Standard purchase earning",
			"source_type": "purchase",
			"points_per_unit": "1.5",
			"expiry_rule_id": "expire-12mo"
		},
		{
			"id": "signup-bonus",
			"name": "Signup bonus",
			"source_type": "signup",
			"flat_amount": 200,
			"enabled": false
		}
	],
	"expiry_rules": [
		{
			"id": "expire-12mo",
			"name": "12 months after earn",
			"expiry_type": "relative_duration",
			"expiry_mode": "months_after_earn",
			"duration_months": 12
		}
	],
	"benefits": [
		{"id": "free-ship", "name": "Free shipping"}
	],
	"tiers": [
		{"id": "bronze", "name": "Bronze", "level": 1, "min_points": 0},
		{"id": "silver", "name": "Silver", "level": 2, "min_points": 1000, "benefits": ["free-ship"]}
	],
	"referral": {
		"id": "referral-2026",
		"name": "Referral program",
		"min_purchase_amount": "25.00",
		"one_reward_per_user": true,
		"slots": [
			{"slot_number": 1, "reward_points": 500, "quantity": 100},
			{"slot_number": 2, "reward_points": 250, "quantity": 400}
		]
	}
}`

// =============================================================================
// PARSING
// =============================================================================

func TestParseSeed(t *testing.T) {
	seed, err := factory.ParseSeed([]byte(seedDoc))
	require.NoError(t, err)

	require.Len(t, seed.EarningRules, 2)
	assert.True(t, seed.EarningRules[0].Enabled) // default
	assert.False(t, seed.EarningRules[1].Enabled)
	assert.Equal(t, "1.5", seed.EarningRules[0].PointsPerUnit.String())

	require.Len(t, seed.ExpiryRules, 1)
	assert.Equal(t, rules.ModeMonthsAfterEarn, seed.ExpiryRules[0].Mode)
	assert.Equal(t, 12, seed.ExpiryRules[0].DurationMonths)
	assert.True(t, seed.ExpiryRules[0].Active)

	require.Len(t, seed.Tiers, 2)
	require.Len(t, seed.TierBenefits, 1)
	assert.Equal(t, loyalty.TierID("silver"), seed.TierBenefits[0].TierID)

	require.NotNil(t, seed.Referral)
	assert.Equal(t, "25", seed.Referral.MinPurchaseAmount.String())
	assert.True(t, seed.Referral.OneRewardPerUser)
	require.Len(t, seed.Slots, 2)
	assert.Equal(t, referral.ConfigID("referral-2026"), seed.Slots[0].ConfigID)
}

func TestParseSeed_BadDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"malformed json", `{`},
		{"bad points_per_unit", `{"earning_rules":[{"id":"r","name":"R","source_type":"purchase","points_per_unit":"lots"}]}`},
		{"bad min_purchase_amount", `{"referral":{"id":"c","name":"C","min_purchase_amount":"cheap"}}`},
		{"unevaluable expiry rule", `{"expiry_rules":[{"id":"e","name":"E","expiry_type":"relative_duration","expiry_mode":"days_after_earn"}]}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := factory.ParseSeed([]byte(tc.doc))
			assert.Error(t, err)
		})
	}
}

// =============================================================================
// APPLYING
// =============================================================================

func TestApply_IsIdempotent(t *testing.T) {
	// GIVEN: A full seed document
	// WHEN: It is applied twice, as happens on every restart
	// THEN: The second pass changes nothing and duplicates nothing

	store := memory.New()
	ruleSvc := rules.NewService(store)
	tierSvc := rules.NewTierService(store)
	ledger := loyalty.NewLedger(store)
	alloc := referral.NewAllocator(store, ledger)
	ctx := context.Background()

	seed, err := factory.ParseSeed([]byte(seedDoc))
	require.NoError(t, err)
	require.NoError(t, factory.Apply(ctx, seed, ruleSvc, tierSvc, alloc))

	// Re-parse so the second pass starts from pristine structs
	seed, err = factory.ParseSeed([]byte(seedDoc))
	require.NoError(t, err)
	require.NoError(t, factory.Apply(ctx, seed, ruleSvc, tierSvc, alloc))

	earning, err := ruleSvc.ListEarningRules(ctx)
	require.NoError(t, err)
	assert.Len(t, earning, 2)

	tiers, err := tierSvc.ListTiers(ctx)
	require.NoError(t, err)
	assert.Len(t, tiers, 2)

	benefits, err := tierSvc.TierBenefits(ctx, "silver")
	require.NoError(t, err)
	assert.Len(t, benefits, 1)

	slots, err := alloc.ListSlots(ctx, "referral-2026")
	require.NoError(t, err)
	assert.Len(t, slots, 2)
	for _, s := range slots {
		assert.NotEmpty(t, s.ID)
	}
}

func TestApply_SeededRulesDrivePointEarning(t *testing.T) {
	// The seeded configuration must behave identically to rules created
	// through the service API

	store := memory.New()
	ruleSvc := rules.NewService(store)
	tierSvc := rules.NewTierService(store)
	ledger := loyalty.NewLedger(store)
	ledger.Expiry = ruleSvc
	alloc := referral.NewAllocator(store, ledger)
	ctx := context.Background()

	seed, err := factory.ParseSeed([]byte(seedDoc))
	require.NoError(t, err)
	require.NoError(t, factory.Apply(ctx, seed, ruleSvc, tierSvc, alloc))

	rule, points, err := ruleSvc.PointsFor(ctx, loyalty.SourcePurchase, mustDecimal("100"))
	require.NoError(t, err)
	assert.Equal(t, loyalty.RuleID("purchase-standard"), rule.ID)
	assert.Equal(t, int64(150), points)

	// The disabled signup rule is skipped
	_, _, err = ruleSvc.PointsFor(ctx, loyalty.SourceSignup, mustDecimal("0"))
	assert.True(t, loyalty.IsNotFound(err))
}
