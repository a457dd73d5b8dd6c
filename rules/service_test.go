package rules_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/rules"
	"github.com/warp/loyalty-engine/store/memory"
)

func newTestRuleService(t *testing.T) *rules.Service {
	t.Helper()
	return rules.NewService(memory.New())
}

// =============================================================================
// EARNING RULE EVALUATION
// =============================================================================

func TestService_PointsFor_FlatPlusRate(t *testing.T) {
	// GIVEN: A rule granting 10 flat points plus 1.5 per currency unit
	// WHEN: Evaluating a 33.40 purchase
	// THEN: 10 + floor(33.40 * 1.5) = 10 + 50 = 60

	svc := newTestRuleService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateEarningRule(ctx, &rules.EarningRule{
		ID: "purchase-std", Name: "Standard purchase", SourceType: loyalty.SourcePurchase,
		FlatAmount: 10, PointsPerUnit: decimal.RequireFromString("1.5"), Enabled: true,
	}))

	rule, points, err := svc.PointsFor(ctx, loyalty.SourcePurchase, decimal.RequireFromString("33.40"))
	require.NoError(t, err)
	assert.Equal(t, loyalty.RuleID("purchase-std"), rule.ID)
	assert.Equal(t, int64(60), points)
}

func TestService_PointsFor_SkipsDisabledRules(t *testing.T) {
	svc := newTestRuleService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateEarningRule(ctx, &rules.EarningRule{
		ID: "review-off", Name: "Disabled", SourceType: loyalty.SourceReview,
		FlatAmount: 500, Enabled: false,
	}))
	require.NoError(t, svc.CreateEarningRule(ctx, &rules.EarningRule{
		ID: "review-on", Name: "Enabled", SourceType: loyalty.SourceReview,
		FlatAmount: 25, Enabled: true,
	}))

	rule, points, err := svc.PointsFor(ctx, loyalty.SourceReview, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, loyalty.RuleID("review-on"), rule.ID)
	assert.Equal(t, int64(25), points)
}

func TestService_PointsFor_NoRuleForSource(t *testing.T) {
	svc := newTestRuleService(t)

	_, _, err := svc.PointsFor(context.Background(), loyalty.SourceSignup, decimal.Zero)
	assert.True(t, loyalty.IsNotFound(err))
}

func TestService_CreateEarningRule_Validation(t *testing.T) {
	svc := newTestRuleService(t)
	ctx := context.Background()

	// Awards nothing
	err := svc.CreateEarningRule(ctx, &rules.EarningRule{
		ID: "noop", Name: "Noop", SourceType: loyalty.SourcePurchase, Enabled: true,
	})
	assert.ErrorIs(t, err, loyalty.ErrInvalidRuleConfiguration)

	// Unknown source type
	err = svc.CreateEarningRule(ctx, &rules.EarningRule{
		ID: "weird", Name: "Weird", SourceType: "lottery", FlatAmount: 5, Enabled: true,
	})
	assert.ErrorIs(t, err, loyalty.ErrInvalidRuleConfiguration)

	// Dangling expiry link
	err = svc.CreateEarningRule(ctx, &rules.EarningRule{
		ID: "dangling", Name: "Dangling", SourceType: loyalty.SourcePurchase,
		FlatAmount: 5, Enabled: true, ExpiryRuleID: "missing",
	})
	assert.True(t, loyalty.IsNotFound(err))
}

// =============================================================================
// EXPIRY PLANNING
// =============================================================================

func TestService_PlanExpiry(t *testing.T) {
	svc := newTestRuleService(t)
	ctx := context.Background()
	earnedAt := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, svc.CreateExpiryRule(ctx, &rules.ExpiryRule{
		ID: "e-30d", Name: "30 days", Type: rules.ExpiryRelativeDuration,
		Mode: rules.ModeDaysAfterEarn, DurationDays: 30, Active: true,
	}))
	require.NoError(t, svc.CreateExpiryRule(ctx, &rules.ExpiryRule{
		ID: "e-off", Name: "Disabled", Type: rules.ExpiryRelativeDuration,
		Mode: rules.ModeDaysAfterEarn, DurationDays: 30, Active: false,
	}))
	require.NoError(t, svc.CreateEarningRule(ctx, &rules.EarningRule{
		ID: "with-expiry", Name: "Expiring", SourceType: loyalty.SourcePurchase,
		FlatAmount: 10, Enabled: true, ExpiryRuleID: "e-30d",
	}))
	require.NoError(t, svc.CreateEarningRule(ctx, &rules.EarningRule{
		ID: "no-expiry", Name: "Permanent", SourceType: loyalty.SourcePurchase,
		FlatAmount: 10, Enabled: true,
	}))
	require.NoError(t, svc.CreateEarningRule(ctx, &rules.EarningRule{
		ID: "expiry-off", Name: "Expiry disabled", SourceType: loyalty.SourcePurchase,
		FlatAmount: 10, Enabled: true, ExpiryRuleID: "e-off",
	}))

	// Linked and active: a timestamp comes back
	at, err := svc.PlanExpiry(ctx, "with-expiry", earnedAt)
	require.NoError(t, err)
	require.NotNil(t, at)
	assert.Equal(t, time.Date(2024, time.January, 31, 0, 0, 0, 0, time.UTC), at.UTC())

	// No expiry link: points never lapse
	at, err = svc.PlanExpiry(ctx, "no-expiry", earnedAt)
	require.NoError(t, err)
	assert.Nil(t, at)

	// Inactive expiry rule: treated as no expiry, not an error
	at, err = svc.PlanExpiry(ctx, "expiry-off", earnedAt)
	require.NoError(t, err)
	assert.Nil(t, at)

	// Unknown earning rule: same, the earn must not be blocked
	at, err = svc.PlanExpiry(ctx, "missing", earnedAt)
	require.NoError(t, err)
	assert.Nil(t, at)
}

func TestService_ExpiryRulesByMode(t *testing.T) {
	// GIVEN: Fixed-date and relative-duration rules across several modes
	// WHEN: Looking rules up by type and mode
	// THEN: Filters apply independently; a zero value matches any

	svc := newTestRuleService(t)
	ctx := context.Background()

	seed := []rules.ExpiryRule{
		{ID: "e-eom", Name: "Month end", Type: rules.ExpiryFixedDate, Mode: rules.ModeEndOfMonth, Active: true},
		{ID: "e-eoq", Name: "Quarter end", Type: rules.ExpiryFixedDate, Mode: rules.ModeEndOfQuarter, Active: true},
		{ID: "e-30d", Name: "30 days", Type: rules.ExpiryRelativeDuration, Mode: rules.ModeDaysAfterEarn, DurationDays: 30, Active: true},
	}
	for i := range seed {
		require.NoError(t, svc.CreateExpiryRule(ctx, &seed[i]))
	}

	out, err := svc.ExpiryRulesByMode(ctx, rules.ExpiryFixedDate, rules.ModeEndOfMonth)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, rules.ExpiryRuleID("e-eom"), out[0].ID)

	out, err = svc.ExpiryRulesByMode(ctx, rules.ExpiryFixedDate, "")
	require.NoError(t, err)
	assert.Len(t, out, 2)

	out, err = svc.ExpiryRulesByMode(ctx, "", rules.ModeDaysAfterEarn)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, rules.ExpiryRuleID("e-30d"), out[0].ID)

	out, err = svc.ExpiryRulesByMode(ctx, rules.ExpiryFixedDate, rules.ModeDaysAfterEarn)
	require.NoError(t, err)
	assert.Empty(t, out)
}
