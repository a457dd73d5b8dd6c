/*
errors.go - Centralized error taxonomy for the ledger core

PURPOSE:
  All typed failures the core can surface, in one place. Every error here
  is recoverable and user-visible: a transaction that cannot satisfy its
  invariant is rolled back and the error returned unchanged. None of them
  represent corrupted internal state.

ERROR CATEGORIES:
  1. Ledger errors     - balance guards, invalid amounts
  2. Rule errors       - misconfigured expiry rules, tier hierarchy
  3. Allocation errors - referral slot exhaustion and duplication
  4. Workflow errors   - abuse-flag state machine violations

USAGE:
  Callers match with errors.Is/errors.As:

    if errors.Is(err, loyalty.ErrInsufficientAvailableBalance) {
        // reject the redemption, balance unchanged
    }

SEE ALSO:
  - ledger.go: Where the balance guards fire
*/
package loyalty

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned for non-positive point quantities.
	ErrInvalidAmount = errors.New("invalid amount: points must be positive")

	// ErrInsufficientPendingBalance is returned when a confirm or pending
	// deduction exceeds the user's pending points. Never partially applies.
	ErrInsufficientPendingBalance = errors.New("insufficient pending balance")

	// ErrInsufficientAvailableBalance is returned when a redemption exceeds
	// the user's available points.
	ErrInsufficientAvailableBalance = errors.New("insufficient available balance")

	// ErrTierNotFound is returned when a referenced tier doesn't exist.
	ErrTierNotFound = errors.New("tier not found")

	// ErrTierInactive is returned when assigning a user to a disabled tier.
	ErrTierInactive = errors.New("tier not active")

	// ErrTierHierarchyViolation is returned when a tier create/update/reorder
	// would leave a lower level with minPoints >= a higher level's minPoints.
	ErrTierHierarchyViolation = errors.New("tier hierarchy violation")

	// ErrDuplicateSlotNumber is returned when a slot number is already taken
	// within a referral reward config.
	ErrDuplicateSlotNumber = errors.New("duplicate slot number")

	// ErrNoSlotsAvailable is returned when no active referral slot has
	// remaining quantity. The referral reward is simply not granted.
	ErrNoSlotsAvailable = errors.New("no reward slots available")

	// ErrInvalidRuleConfiguration is returned when an expiry rule is inactive
	// or its type/mode combination is unset.
	ErrInvalidRuleConfiguration = errors.New("invalid rule configuration")

	// ErrInvalidStateTransition is returned when an abuse flag transition is
	// attempted on a terminal flag.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrNotFound is returned for a missing entity.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateIdempotencyKey is returned when a history entry with the
	// same idempotency key already exists. Expected behavior for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrConcurrentModification is returned when a guarded update lost a race.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError reports a balance-guard failure with the exact
// shortfall. Unwraps to the pending or available sentinel.
type InsufficientBalanceError struct {
	UserID    UserID
	Counter   string // "pending" or "available"
	Have      int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance for user %s: have %d, requested %d",
		e.Counter, e.UserID, e.Have, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	if e.Counter == "pending" {
		return ErrInsufficientPendingBalance
	}
	return ErrInsufficientAvailableBalance
}

// HierarchyViolationError reports which tier pair breaks the monotonic
// level/threshold ordering.
type HierarchyViolationError struct {
	LowerTier  TierID
	LowerLevel int
	LowerMin   int64
	UpperTier  TierID
	UpperLevel int
	UpperMin   int64
}

func (e *HierarchyViolationError) Error() string {
	return fmt.Sprintf("tier hierarchy violation: level %d (%s, min %d) >= level %d (%s, min %d)",
		e.LowerLevel, e.LowerTier, e.LowerMin, e.UpperLevel, e.UpperTier, e.UpperMin)
}

func (e *HierarchyViolationError) Unwrap() error { return ErrTierHierarchyViolation }

// StateTransitionError reports an illegal abuse-flag transition.
type StateTransitionError struct {
	From string
	To   string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

func (e *StateTransitionError) Unwrap() error { return ErrInvalidStateTransition }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is a rejected request rather
// than an infrastructure failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInsufficientPendingBalance) ||
		errors.Is(err, ErrInsufficientAvailableBalance) ||
		errors.Is(err, ErrTierHierarchyViolation) ||
		errors.Is(err, ErrTierInactive) ||
		errors.Is(err, ErrDuplicateSlotNumber) ||
		errors.Is(err, ErrNoSlotsAvailable) ||
		errors.Is(err, ErrInvalidRuleConfiguration) ||
		errors.Is(err, ErrInvalidStateTransition) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrTierNotFound)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
