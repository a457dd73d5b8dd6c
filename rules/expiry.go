/*
expiry.go - Expiry rules and the expiry engine

PURPOSE:
  Computes when a batch of newly earned points lapses. The engine is
  pure: no side effects, no clock. The ledger stamps the computed time on
  the earn history entry and a periodic sweep later expires due batches.

MODES:
  fixed_date:
    end_of_month / end_of_quarter / end_of_year
    The next occurrence of the calendar anchor strictly after earnedAt.
    Anchors are exclusive boundaries: "end of month" is the first instant
    of the following month.

  relative_duration:
    days_after_earn / months_after_earn
    earnedAt plus the configured duration.

FAILURE:
  An inactive rule or a type/mode combination that doesn't line up fails
  with ErrInvalidRuleConfiguration. The configuration is wrong, not the
  caller's input.

SEE ALSO:
  - service.go: PlanExpiry, the ledger's view of this engine
  - api/scheduler.go: The sweep that consumes the stored timestamps
*/
package rules

import (
	"fmt"
	"time"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// EXPIRY RULE
// =============================================================================

type ExpiryRuleID string

type ExpiryType string

const (
	ExpiryFixedDate        ExpiryType = "fixed_date"
	ExpiryRelativeDuration ExpiryType = "relative_duration"
)

type ExpiryMode string

const (
	ModeEndOfMonth      ExpiryMode = "end_of_month"
	ModeEndOfQuarter    ExpiryMode = "end_of_quarter"
	ModeEndOfYear       ExpiryMode = "end_of_year"
	ModeDaysAfterEarn   ExpiryMode = "days_after_earn"
	ModeMonthsAfterEarn ExpiryMode = "months_after_earn"
)

type ExpiryRule struct {
	ID   ExpiryRuleID
	Name string
	Type ExpiryType
	Mode ExpiryMode

	// Durations for relative_duration modes.
	DurationDays   int
	DurationMonths int

	// NotifyBeforeExpiry toggles the pre-expiry reminder event.
	NotifyBeforeExpiry bool

	Active bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// EXPIRY ENGINE
// =============================================================================

// CalculateExpiryDate returns when points earned at earnedAt lapse under
// the rule. Pure function.
func CalculateExpiryDate(rule ExpiryRule, earnedAt time.Time) (time.Time, error) {
	if !rule.Active {
		return time.Time{}, errInvalidRule("expiry rule %s is not active", string(rule.ID))
	}

	earnedAt = earnedAt.UTC()

	switch rule.Type {
	case ExpiryFixedDate:
		switch rule.Mode {
		case ModeEndOfMonth:
			return nextMonthStart(earnedAt), nil
		case ModeEndOfQuarter:
			return nextQuarterStart(earnedAt), nil
		case ModeEndOfYear:
			return nextYearStart(earnedAt), nil
		}
	case ExpiryRelativeDuration:
		switch rule.Mode {
		case ModeDaysAfterEarn:
			if rule.DurationDays <= 0 {
				return time.Time{}, errInvalidRule("days_after_earn requires a positive duration")
			}
			return earnedAt.AddDate(0, 0, rule.DurationDays), nil
		case ModeMonthsAfterEarn:
			if rule.DurationMonths <= 0 {
				return time.Time{}, errInvalidRule("months_after_earn requires a positive duration")
			}
			return earnedAt.AddDate(0, rule.DurationMonths, 0), nil
		}
	}

	return time.Time{}, errInvalidRule("unset type/mode combination %q/%q", string(rule.Type), string(rule.Mode))
}

// Validate rejects rules CalculateExpiryDate could never evaluate.
func (r ExpiryRule) Validate() error {
	probe := r
	probe.Active = true
	_, err := CalculateExpiryDate(probe, time.Now())
	return err
}

// =============================================================================
// CALENDAR ANCHORS
// =============================================================================
// Anchors are exclusive boundaries, always strictly after the input:
// the anchor is computed from the period containing t, and the first
// instant of the next period is after every instant of this one.

func nextMonthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

func nextQuarterStart(t time.Time) time.Time {
	quarterMonth := time.Month((int(t.Month())-1)/3*3 + 1)
	return time.Date(t.Year(), quarterMonth, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 3, 0)
}

func nextYearStart(t time.Time) time.Time {
	return time.Date(t.Year()+1, time.January, 1, 0, 0, 0, 0, time.UTC)
}

func errInvalidRule(format string, args ...any) error {
	return fmt.Errorf("%w: %s", loyalty.ErrInvalidRuleConfiguration, fmt.Sprintf(format, args...))
}
