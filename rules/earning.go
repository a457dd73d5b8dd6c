/*
Package rules provides the read-mostly configuration the ledger consults:
earning rules, expiry rules, and the tier hierarchy with its benefits.

PURPOSE:
  Earning rules map a source event (purchase, review, referral, signup)
  to a point amount: a flat grant, a per-currency-unit rate applied to a
  qualifying amount, or both. Rules are created and edited by an
  administrator collaborator and are read-only to the ledger at mutation
  time.

PRECISION:
  Qualifying amounts are money, so rates and amounts use decimal.Decimal.
  Point balances stay integral; fractional points are floored.

SEE ALSO:
  - expiry.go: When earned points lapse
  - tier.go: What thresholds balances unlock
  - service.go: CRUD and the ledger-facing collaborator implementations
*/
package rules

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// EARNING RULE
// =============================================================================

type EarningRule struct {
	ID         loyalty.RuleID
	Name       string
	SourceType loyalty.SourceType

	// FlatAmount is granted regardless of the qualifying amount.
	FlatAmount int64

	// PointsPerUnit is multiplied by the qualifying monetary amount.
	// Zero means the rule is flat-only.
	PointsPerUnit decimal.Decimal

	Enabled bool

	// ExpiryRuleID links the expiry rule applied to points earned under
	// this rule. Empty means the points never lapse.
	ExpiryRuleID ExpiryRuleID

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Points computes the points awarded for a qualifying amount under this
// rule. Fractional points floor toward zero.
func (r EarningRule) Points(amount decimal.Decimal) int64 {
	points := r.FlatAmount
	if !r.PointsPerUnit.IsZero() && amount.IsPositive() {
		points += amount.Mul(r.PointsPerUnit).Floor().IntPart()
	}
	return points
}

// Validate rejects rules that could never award a point or reference an
// unknown source type.
func (r EarningRule) Validate() error {
	if !loyalty.ValidSourceType(r.SourceType) {
		return errInvalidRule("unknown source type %q", string(r.SourceType))
	}
	if r.FlatAmount < 0 {
		return errInvalidRule("flat amount must not be negative")
	}
	if r.PointsPerUnit.IsNegative() {
		return errInvalidRule("points per unit must not be negative")
	}
	if r.FlatAmount == 0 && r.PointsPerUnit.IsZero() {
		return errInvalidRule("rule awards no points")
	}
	return nil
}
