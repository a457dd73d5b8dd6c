package rules_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/rules"
)

func mustDate(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// RELATIVE DURATIONS
// =============================================================================

func TestCalculateExpiryDate_DaysAfterEarn(t *testing.T) {
	rule := rules.ExpiryRule{
		ID: "r1", Type: rules.ExpiryRelativeDuration,
		Mode: rules.ModeDaysAfterEarn, DurationDays: 30, Active: true,
	}

	got, err := rules.CalculateExpiryDate(rule, mustDate(2024, time.January, 1))
	require.NoError(t, err)
	assert.Equal(t, mustDate(2024, time.January, 31), got)
}

func TestCalculateExpiryDate_MonthsAfterEarn_EndOfMonthClamping(t *testing.T) {
	// AddDate normalizes Jan 31 + 1 month into early March. That is the
	// documented Go behavior and callers get it as-is.
	rule := rules.ExpiryRule{
		ID: "r1", Type: rules.ExpiryRelativeDuration,
		Mode: rules.ModeMonthsAfterEarn, DurationMonths: 1, Active: true,
	}

	got, err := rules.CalculateExpiryDate(rule, mustDate(2024, time.January, 31))
	require.NoError(t, err)
	assert.Equal(t, mustDate(2024, time.March, 2), got)
}

// =============================================================================
// CALENDAR ANCHORS
// =============================================================================

func TestCalculateExpiryDate_FixedDateAnchors(t *testing.T) {
	tests := []struct {
		name     string
		mode     rules.ExpiryMode
		earnedAt time.Time
		want     time.Time
	}{
		{"end of month mid-month", rules.ModeEndOfMonth, mustDate(2024, time.March, 15), mustDate(2024, time.April, 1)},
		{"end of month on boundary day", rules.ModeEndOfMonth, mustDate(2024, time.March, 31), mustDate(2024, time.April, 1)},
		{"end of month december rolls year", rules.ModeEndOfMonth, mustDate(2024, time.December, 10), mustDate(2025, time.January, 1)},
		{"end of quarter q1", rules.ModeEndOfQuarter, mustDate(2024, time.February, 1), mustDate(2024, time.April, 1)},
		{"end of quarter q4 rolls year", rules.ModeEndOfQuarter, mustDate(2024, time.November, 20), mustDate(2025, time.January, 1)},
		{"end of year", rules.ModeEndOfYear, mustDate(2024, time.June, 1), mustDate(2025, time.January, 1)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rule := rules.ExpiryRule{ID: "r1", Type: rules.ExpiryFixedDate, Mode: tc.mode, Active: true}
			got, err := rules.CalculateExpiryDate(rule, tc.earnedAt)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCalculateExpiryDate_AnchorStrictlyAfterInput(t *testing.T) {
	// GIVEN: Points earned at the exact first instant of a period
	// THEN: The anchor still lands in the next period, never at earnedAt

	earnedAt := mustDate(2024, time.January, 1)
	for _, mode := range []rules.ExpiryMode{rules.ModeEndOfMonth, rules.ModeEndOfQuarter, rules.ModeEndOfYear} {
		rule := rules.ExpiryRule{ID: "r1", Type: rules.ExpiryFixedDate, Mode: mode, Active: true}
		got, err := rules.CalculateExpiryDate(rule, earnedAt)
		require.NoError(t, err)
		assert.True(t, got.After(earnedAt), "mode %s produced %s", mode, got)
	}
}

// =============================================================================
// FAILURE MODES
// =============================================================================

func TestCalculateExpiryDate_InactiveRule(t *testing.T) {
	rule := rules.ExpiryRule{
		ID: "r1", Type: rules.ExpiryRelativeDuration,
		Mode: rules.ModeDaysAfterEarn, DurationDays: 30, Active: false,
	}

	_, err := rules.CalculateExpiryDate(rule, mustDate(2024, time.January, 1))
	assert.ErrorIs(t, err, loyalty.ErrInvalidRuleConfiguration)
}

func TestCalculateExpiryDate_BadConfigurations(t *testing.T) {
	tests := []struct {
		name string
		rule rules.ExpiryRule
	}{
		{"mismatched type and mode", rules.ExpiryRule{Type: rules.ExpiryFixedDate, Mode: rules.ModeDaysAfterEarn, Active: true}},
		{"zero day duration", rules.ExpiryRule{Type: rules.ExpiryRelativeDuration, Mode: rules.ModeDaysAfterEarn, Active: true}},
		{"negative month duration", rules.ExpiryRule{Type: rules.ExpiryRelativeDuration, Mode: rules.ModeMonthsAfterEarn, DurationMonths: -1, Active: true}},
		{"unknown type", rules.ExpiryRule{Type: "lunar", Mode: rules.ModeEndOfMonth, Active: true}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := rules.CalculateExpiryDate(tc.rule, mustDate(2024, time.January, 1))
			assert.ErrorIs(t, err, loyalty.ErrInvalidRuleConfiguration)
		})
	}
}

func TestExpiryRule_Validate_IgnoresActiveFlag(t *testing.T) {
	// Validate checks the shape of the rule, not whether it is enabled:
	// a disabled but well-formed rule is still storable.
	rule := rules.ExpiryRule{
		ID: "r1", Type: rules.ExpiryRelativeDuration,
		Mode: rules.ModeDaysAfterEarn, DurationDays: 30, Active: false,
	}
	assert.NoError(t, rule.Validate())

	rule.DurationDays = 0
	assert.Error(t, rule.Validate())
}
