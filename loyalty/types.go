/*
Package loyalty provides the core points-ledger engine.

PURPOSE:
  This package contains the types and state machine for per-user loyalty
  point balances: pending points earned but not yet redeemable, available
  points, lifetime counters, and the append-only history that makes every
  balance reconstructable.

KEY CONCEPTS IN THIS FILE (types.go):
  - HistoryEntry: An immutable ledger entry recording a balance change
  - TransactionType: The closed set of balance-changing event kinds
  - SourceType: What kind of external event earned the points
  - User/Tier/Rule/Entry IDs: Type-safe identifiers

DESIGN PRINCIPLES:
  1. Immutability: History entries are never modified, only appended
  2. Auditability: Every entry carries source, rule, and reference context
  3. Type Safety: Strong typing for IDs prevents mixing user/tier/rule IDs
  4. Closed Enums: Unknown type/status strings are rejected at the boundary

SEE ALSO:
  - balance.go: Balance aggregate and history replay
  - ledger.go: The mutating operations
  - store.go: Persistence interface
*/
package loyalty

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type TierID string
type RuleID string
type EntryID string

// NewEntryID returns a fresh unique history entry id.
func NewEntryID() EntryID { return EntryID(uuid.NewString()) }

// =============================================================================
// TRANSACTION TYPE - Closed set of balance-changing events
// =============================================================================

type TransactionType string

const (
	TxEarn    TransactionType = "earn"    // Points credited as pending
	TxConfirm TransactionType = "confirm" // Pending points became available
	TxRedeem  TransactionType = "redeem"  // Available points spent
	TxExpire  TransactionType = "expire"  // Available points lapsed
	TxAdjust  TransactionType = "adjust"  // Pending earn reversed (order cancelled)
)

// ValidTransactionType reports whether t is a known transaction type.
// Unknown values must be rejected at the boundary, never passed through.
func ValidTransactionType(t TransactionType) bool {
	switch t {
	case TxEarn, TxConfirm, TxRedeem, TxExpire, TxAdjust:
		return true
	}
	return false
}

// =============================================================================
// SOURCE TYPE - What kind of event earned the points
// =============================================================================

type SourceType string

const (
	SourcePurchase  SourceType = "purchase"
	SourceReview    SourceType = "review"
	SourceReferral  SourceType = "referral"
	SourceSignup    SourceType = "signup"
	SourcePromotion SourceType = "promotion"
	SourceAdmin     SourceType = "admin"
)

func ValidSourceType(s SourceType) bool {
	switch s {
	case SourcePurchase, SourceReview, SourceReferral, SourceSignup, SourcePromotion, SourceAdmin:
		return true
	}
	return false
}

// =============================================================================
// HISTORY ENTRY - Append-only audit record
// =============================================================================

// HistoryEntry is one immutable row of the points audit trail.
//
// Amount is never negative; Type carries the direction. The one
// zero-amount case is an expire entry for a batch with nothing left to
// lapse, written so the sweep does not revisit the batch. Adjust and
// expire entries reference the originating earn entry via ReferenceID so
// lifetime counters can be corrected against the actual batch rather
// than decremented blindly.
type HistoryEntry struct {
	ID     EntryID
	UserID UserID
	Type   TransactionType
	Amount int64

	// Earn context
	SourceType SourceType
	SourceID   string
	RuleID     RuleID

	// ReferenceID links adjust/expire entries to the earn entry they act on.
	ReferenceID EntryID

	// IdempotencyKey, when set, is rejected by the store on reuse.
	// Callers that retry after a timeout pass the same key to avoid
	// double-crediting.
	IdempotencyKey string

	// ExpiresAt is set on earn entries whose rule carries an expiry rule.
	// The sweep uses it to find batches due for expiry.
	ExpiresAt *time.Time

	CreatedAt time.Time
}

// EarnSource describes where an earn came from. Passed by the calling
// workflow (order fulfillment, referral signup, admin tools) into
// IncrementPendingPoints.
type EarnSource struct {
	SourceType     SourceType
	SourceID       string
	RuleID         RuleID
	IdempotencyKey string
}
