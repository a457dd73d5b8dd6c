/*
store.go - Persistence interface for balances and history

PURPOSE:
  Defines the interface between the ledger and the database. History is
  append-only; balances are the single mutable row per user and are only
  written inside WithTx.

APPEND-ONLY CONTRACT:
  - AppendHistory(): The only history write. No Update, No Delete. Ever.
  - Corrections happen via adjust entries referencing the original earn.

IDEMPOTENCY:
  Entries may carry an idempotency key. The store rejects a duplicate key
  with ErrDuplicateIdempotencyKey, so caller retries after a timeout
  cannot double-credit.

TRANSACTIONS:
  Every ledger mutation runs inside WithTx. The implementation must make
  the function body atomic and serialized with respect to other WithTx
  calls: either row-level locking or a single-writer lock. Read-then-write
  without that guard is forbidden.

IMPLEMENTATIONS:
  - store/sqlite: production SQLite
  - store/memory: in-memory for tests and dev

SEE ALSO:
  - ledger.go: The operations built on this interface
*/
package loyalty

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Balance row + append-only history
// =============================================================================

type Store interface {
	// GetBalance returns the user's balance, or ErrNotFound if the user
	// has never earned points.
	GetBalance(ctx context.Context, userID UserID) (*Balance, error)

	// SaveBalance inserts or updates the balance row.
	// Only call inside WithTx.
	SaveBalance(ctx context.Context, b *Balance) error

	// AppendHistory persists an entry. Rejects a reused idempotency key
	// with ErrDuplicateIdempotencyKey. This is the ONLY history write.
	AppendHistory(ctx context.Context, e HistoryEntry) error

	// History returns all entries for a user, oldest first.
	History(ctx context.Context, userID UserID) ([]HistoryEntry, error)

	// GetHistoryEntry returns a single entry, or ErrNotFound.
	GetHistoryEntry(ctx context.Context, id EntryID) (*HistoryEntry, error)

	// ReversedAmount returns the total of adjust entries referencing the
	// given earn entry. Used to bound pending reversals to the batch.
	ReversedAmount(ctx context.Context, ref EntryID) (int64, error)

	// EarnedFromSource reports whether the user already has an earn entry
	// for the given source. Used for one-reward-per-user referral configs.
	EarnedFromSource(ctx context.Context, userID UserID, source SourceType, sourceID string) (bool, error)

	// ExpiryDue returns earn entries whose ExpiresAt has passed and that
	// have no expire entry referencing them yet.
	ExpiryDue(ctx context.Context, now time.Time) ([]HistoryEntry, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support. If fn returns an error
// the transaction is rolled back and no partial state remains.
type TxStore interface {
	Store

	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// COLLABORATOR INTERFACES - Consulted by the ledger, implemented elsewhere
// =============================================================================

// TierDirectory resolves tier membership from a point balance. Implemented
// by rules.TierService; the ledger only needs these two questions answered.
type TierDirectory interface {
	// CurrentTierFor returns the tier unlocked by the given available
	// points, or nil when the points are below the lowest threshold.
	CurrentTierFor(ctx context.Context, points int64) (*TierID, error)

	// EnsureTierActive returns ErrTierNotFound or ErrTierInactive when the
	// tier cannot be assigned, nil otherwise.
	EnsureTierActive(ctx context.Context, id TierID) error
}

// ExpiryPlanner computes when a newly earned batch lapses. Implemented by
// rules.Service. A nil time means the batch never expires.
type ExpiryPlanner interface {
	PlanExpiry(ctx context.Context, ruleID RuleID, earnedAt time.Time) (*time.Time, error)
}

// Notifier receives best-effort events after a ledger operation commits.
// Implementations must not block; the ledger never waits on delivery and
// a notification failure never fails the transaction.
type Notifier interface {
	PointsRecorded(entry HistoryEntry, balance Balance)
	TierChanged(userID UserID, from, to *TierID)
}
