/*
balance.go - Balance aggregate and history replay

PURPOSE:
  Balance is the stored per-user aggregate: available, pending, and
  lifetime counters plus current tier. It is mutated only through the
  Ledger operations and never deleted.

  Replay reconstructs a Balance from the append-only history. The stored
  counters and the replayed counters must always agree; this is the audit
  property the history exists for.

INVARIANTS:
  - Available >= 0 and Pending >= 0 after every operation
  - LifetimeEarned / LifetimeRedeemed are monotonically non-decreasing,
    except that reversing an unconfirmed earn rolls back the exact
    lifetime increment attributed to that batch

SEE ALSO:
  - ledger.go: The operations that mutate Balance
  - types.go: HistoryEntry
*/
package loyalty

import "time"

// =============================================================================
// BALANCE - Per-user aggregate, owned by the Ledger
// =============================================================================

type Balance struct {
	UserID           UserID
	Available        int64
	Pending          int64
	LifetimeEarned   int64
	LifetimeRedeemed int64

	// CurrentTierID is nil until the user first qualifies for a tier.
	CurrentTierID *TierID

	LastTransactionAt time.Time
}

// NewBalance returns the zero balance created lazily on first earn.
func NewBalance(userID UserID) *Balance {
	return &Balance{UserID: userID}
}

// Clone returns a copy safe to hand to callers after the transaction
// commits.
func (b *Balance) Clone() *Balance {
	out := *b
	if b.CurrentTierID != nil {
		tier := *b.CurrentTierID
		out.CurrentTierID = &tier
	}
	return &out
}

// =============================================================================
// REPLAY - Deterministic reconstruction from history
// =============================================================================

// Replay applies history entries in order and returns the resulting
// balance. Entries must be for a single user, oldest first.
//
// Replaying the full history of a user always reproduces the stored
// counters; tests rely on this to detect drift.
func Replay(userID UserID, entries []HistoryEntry) Balance {
	b := Balance{UserID: userID}
	for _, e := range entries {
		switch e.Type {
		case TxEarn:
			b.Pending += e.Amount
			b.LifetimeEarned += e.Amount
		case TxConfirm:
			b.Pending -= e.Amount
			b.Available += e.Amount
		case TxRedeem:
			b.Available -= e.Amount
			b.LifetimeRedeemed += e.Amount
		case TxExpire:
			b.Available -= e.Amount
		case TxAdjust:
			b.Pending -= e.Amount
			b.LifetimeEarned -= e.Amount
		}
		if e.CreatedAt.After(b.LastTransactionAt) {
			b.LastTransactionAt = e.CreatedAt
		}
	}
	return b
}

// pendingRemainder reports how much of one earn batch has not yet been
// confirmed or reversed. Confirm entries carry no batch reference, so
// confirmation is attributed to open batches oldest first; reversals
// reduce the batch they reference. Entries must be for a single user,
// oldest first.
func pendingRemainder(entries []HistoryEntry, earnEntryID EntryID) int64 {
	type batch struct {
		id      EntryID
		pending int64
	}
	var open []batch
	for _, e := range entries {
		switch e.Type {
		case TxEarn:
			open = append(open, batch{id: e.ID, pending: e.Amount})
		case TxAdjust:
			for i := range open {
				if open[i].id == e.ReferenceID {
					open[i].pending -= e.Amount
					if open[i].pending < 0 {
						open[i].pending = 0
					}
					break
				}
			}
		case TxConfirm:
			left := e.Amount
			for i := range open {
				if left <= 0 {
					break
				}
				take := open[i].pending
				if take > left {
					take = left
				}
				open[i].pending -= take
				left -= take
			}
		}
	}
	for _, b := range open {
		if b.id == earnEntryID {
			return b.pending
		}
	}
	return 0
}
