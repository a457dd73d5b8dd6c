/*
ledger.go - The balance state machine

PURPOSE:
  The Ledger is the single mutation boundary for user point balances.
  Every operation is scoped to exactly one user, runs inside one store
  transaction, and appends a history entry alongside the counter change.
  No operation may observe or leave Available or Pending negative.

OPERATIONS:
  IncrementPendingPoints  earn: pending += n, lifetimeEarned += n
  ConfirmPendingPoints    pending -> available, all-or-nothing
  DeductPendingPoints     reverse an unconfirmed earn (order cancelled)
  DeductAvailablePoints   redemption: available -= n, lifetimeRedeemed += n
  ExpirePoints            sweep: lapse what remains of an expired batch
  UpdateCurrentTier       admin override of tier membership

COLLABORATORS:
  - TierDirectory: tier membership is re-resolved after any change to
    available points, before the operation returns (read-your-writes).
    Downgrades are applied the same way as upgrades; no grandfathering.
  - ExpiryPlanner: earns whose rule carries an expiry rule get an
    ExpiresAt stamped on the history entry for the sweep to find.
  - Notifier: fire-and-forget events after commit. Never blocks, never
    fails the operation.

FRAUD POLICY:
  The ledger does not consult abuse flags itself. Callers MUST check
  abuse.Workflow.HasBlockingFlags before earn-type operations; the check
  is deliberately at the workflow boundary so admin corrections remain
  possible for blocked users. The api earn handler enforces it.

SEE ALSO:
  - store.go: Transaction and collaborator contracts
  - balance.go: The aggregate and replay
*/
package loyalty

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// LEDGER
// =============================================================================

// Ledger mutates user balances through the store's transaction boundary.
// Tiers, Expiry, and Notify are optional; a nil collaborator disables
// that concern.
type Ledger struct {
	Store  TxStore
	Tiers  TierDirectory
	Expiry ExpiryPlanner
	Notify Notifier

	// now is swappable for tests.
	now func() time.Time
}

func NewLedger(store TxStore) *Ledger {
	return &Ledger{Store: store, now: time.Now}
}

// Now returns the ledger clock. Tests override via SetClock.
func (l *Ledger) Now() time.Time {
	if l.now == nil {
		return time.Now().UTC()
	}
	return l.now().UTC()
}

// SetClock replaces the ledger clock.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// =============================================================================
// QUERIES
// =============================================================================

// GetBalance returns the user's balance or ErrNotFound.
func (l *Ledger) GetBalance(ctx context.Context, userID UserID) (*Balance, error) {
	return l.Store.GetBalance(ctx, userID)
}

// History returns the user's audit trail, oldest first.
func (l *Ledger) History(ctx context.Context, userID UserID) ([]HistoryEntry, error) {
	return l.Store.History(ctx, userID)
}

// =============================================================================
// EARN PATH
// =============================================================================

// IncrementPendingPoints credits points as pending and counts them toward
// lifetimeEarned. The balance row is created lazily on first earn.
func (l *Ledger) IncrementPendingPoints(ctx context.Context, userID UserID, points int64, src EarnSource) (*Balance, error) {
	if points <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidAmount, points)
	}

	now := l.Now()

	var expiresAt *time.Time
	if l.Expiry != nil && src.RuleID != "" {
		at, err := l.Expiry.PlanExpiry(ctx, src.RuleID, now)
		if err != nil {
			return nil, err
		}
		expiresAt = at
	}

	entry := HistoryEntry{
		ID:             NewEntryID(),
		UserID:         userID,
		Type:           TxEarn,
		Amount:         points,
		SourceType:     src.SourceType,
		SourceID:       src.SourceID,
		RuleID:         src.RuleID,
		IdempotencyKey: src.IdempotencyKey,
		ExpiresAt:      expiresAt,
		CreatedAt:      now,
	}

	var result *Balance
	err := l.Store.WithTx(ctx, func(s Store) error {
		b, err := getOrCreateBalance(ctx, s, userID)
		if err != nil {
			return err
		}
		b.Pending += points
		b.LifetimeEarned += points
		b.LastTransactionAt = now
		if err := s.SaveBalance(ctx, b); err != nil {
			return err
		}
		if err := s.AppendHistory(ctx, entry); err != nil {
			return err
		}
		result = b.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.notifyPoints(entry, result)
	return result, nil
}

// ConfirmPendingPoints moves points from pending to available. Fails with
// InsufficientPendingBalance when pending < points; never partially
// applies. LifetimeEarned is untouched (already counted at earn time).
func (l *Ledger) ConfirmPendingPoints(ctx context.Context, userID UserID, points int64) (*Balance, error) {
	if points <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidAmount, points)
	}

	now := l.Now()
	entry := HistoryEntry{
		ID:        NewEntryID(),
		UserID:    userID,
		Type:      TxConfirm,
		Amount:    points,
		CreatedAt: now,
	}

	var result *Balance
	err := l.Store.WithTx(ctx, func(s Store) error {
		b, err := getOrCreateBalance(ctx, s, userID)
		if err != nil {
			return err
		}
		if b.Pending < points {
			return &InsufficientBalanceError{UserID: userID, Counter: "pending", Have: b.Pending, Requested: points}
		}
		b.Pending -= points
		b.Available += points
		b.LastTransactionAt = now
		if err := s.SaveBalance(ctx, b); err != nil {
			return err
		}
		if err := s.AppendHistory(ctx, entry); err != nil {
			return err
		}
		result = b.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.notifyPoints(entry, result)
	return l.reconcileTier(ctx, result)
}

// DeductPendingPoints reverses an unconfirmed earn. The reversal is
// validated against the originating earn entry so lifetimeEarned only
// rolls back the increment attributed to that batch.
func (l *Ledger) DeductPendingPoints(ctx context.Context, userID UserID, points int64, earnEntryID EntryID) (*Balance, error) {
	if points <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidAmount, points)
	}

	now := l.Now()
	entry := HistoryEntry{
		ID:          NewEntryID(),
		UserID:      userID,
		Type:        TxAdjust,
		Amount:      points,
		ReferenceID: earnEntryID,
		CreatedAt:   now,
	}

	var result *Balance
	err := l.Store.WithTx(ctx, func(s Store) error {
		earn, err := s.GetHistoryEntry(ctx, earnEntryID)
		if err != nil {
			return err
		}
		if earn.Type != TxEarn || earn.UserID != userID {
			return fmt.Errorf("%w: earn entry %s", ErrNotFound, earnEntryID)
		}
		reversed, err := s.ReversedAmount(ctx, earnEntryID)
		if err != nil {
			return err
		}
		if earn.Amount-reversed < points {
			return &InsufficientBalanceError{UserID: userID, Counter: "pending", Have: earn.Amount - reversed, Requested: points}
		}

		b, err := getOrCreateBalance(ctx, s, userID)
		if err != nil {
			return err
		}
		if b.Pending < points {
			return &InsufficientBalanceError{UserID: userID, Counter: "pending", Have: b.Pending, Requested: points}
		}
		b.Pending -= points
		b.LifetimeEarned -= points
		b.LastTransactionAt = now
		if err := s.SaveBalance(ctx, b); err != nil {
			return err
		}
		if err := s.AppendHistory(ctx, entry); err != nil {
			return err
		}
		result = b.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.notifyPoints(entry, result)
	return result, nil
}

// =============================================================================
// REDEEM AND EXPIRE PATHS
// =============================================================================

// DeductAvailablePoints is the redemption path. Two concurrent calls can
// not both succeed past the balance: the transaction boundary serializes
// them and the loser fails the guard.
func (l *Ledger) DeductAvailablePoints(ctx context.Context, userID UserID, points int64) (*Balance, error) {
	if points <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidAmount, points)
	}

	now := l.Now()
	entry := HistoryEntry{
		ID:        NewEntryID(),
		UserID:    userID,
		Type:      TxRedeem,
		Amount:    points,
		CreatedAt: now,
	}

	var result *Balance
	err := l.Store.WithTx(ctx, func(s Store) error {
		b, err := getOrCreateBalance(ctx, s, userID)
		if err != nil {
			return err
		}
		if b.Available < points {
			return &InsufficientBalanceError{UserID: userID, Counter: "available", Have: b.Available, Requested: points}
		}
		b.Available -= points
		b.LifetimeRedeemed += points
		b.LastTransactionAt = now
		if err := s.SaveBalance(ctx, b); err != nil {
			return err
		}
		if err := s.AppendHistory(ctx, entry); err != nil {
			return err
		}
		result = b.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.notifyPoints(entry, result)
	return l.reconcileTier(ctx, result)
}

// ExpirePoints lapses the confirmed share of an expired earn batch. The
// reversal is validated against the originating earn entry like
// DeductPendingPoints; the amount is bounded to the unreversed batch
// amount minus whatever is still pending, then clamped to the user's
// available balance. Confirmed points from other batches never lapse,
// and an already-empty balance expires nothing.
func (l *Ledger) ExpirePoints(ctx context.Context, userID UserID, points int64, earnEntryID EntryID) (*Balance, error) {
	if points <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidAmount, points)
	}

	now := l.Now()

	var result *Balance
	var entry HistoryEntry
	err := l.Store.WithTx(ctx, func(s Store) error {
		earn, err := s.GetHistoryEntry(ctx, earnEntryID)
		if err != nil {
			return err
		}
		if earn.Type != TxEarn || earn.UserID != userID {
			return fmt.Errorf("%w: earn entry %s", ErrNotFound, earnEntryID)
		}
		reversed, err := s.ReversedAmount(ctx, earnEntryID)
		if err != nil {
			return err
		}
		entries, err := s.History(ctx, userID)
		if err != nil {
			return err
		}
		b, err := getOrCreateBalance(ctx, s, userID)
		if err != nil {
			return err
		}
		expire := points
		if remaining := earn.Amount - reversed; expire > remaining {
			expire = remaining
		}
		// Only the part of the batch that reached Available can lapse.
		// The still-pending remainder stays in Pending until confirmed
		// or reversed.
		expire -= pendingRemainder(entries, earnEntryID)
		if expire > b.Available {
			expire = b.Available
		}
		if expire <= 0 {
			// Record a zero-cost expire marker so the sweep does not
			// revisit this batch.
			expire = 0
		}
		entry = HistoryEntry{
			ID:          NewEntryID(),
			UserID:      userID,
			Type:        TxExpire,
			Amount:      expire,
			ReferenceID: earnEntryID,
			CreatedAt:   now,
		}
		b.Available -= expire
		b.LastTransactionAt = now
		if err := s.SaveBalance(ctx, b); err != nil {
			return err
		}
		if err := s.AppendHistory(ctx, entry); err != nil {
			return err
		}
		result = b.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.notifyPoints(entry, result)
	return l.reconcileTier(ctx, result)
}

// =============================================================================
// TIER MEMBERSHIP
// =============================================================================

// UpdateCurrentTier is the administrative override. The tier must exist
// and be active. Subsequent balance changes re-resolve membership and
// may replace the override.
func (l *Ledger) UpdateCurrentTier(ctx context.Context, userID UserID, tierID TierID) (*Balance, error) {
	if l.Tiers == nil {
		return nil, fmt.Errorf("%w: no tier directory configured", ErrTierNotFound)
	}
	if err := l.Tiers.EnsureTierActive(ctx, tierID); err != nil {
		return nil, err
	}

	var from *TierID
	var result *Balance
	err := l.Store.WithTx(ctx, func(s Store) error {
		b, err := s.GetBalance(ctx, userID)
		if err != nil {
			return err
		}
		from = b.CurrentTierID
		tier := tierID
		b.CurrentTierID = &tier
		if err := s.SaveBalance(ctx, b); err != nil {
			return err
		}
		result = b.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !sameTier(from, result.CurrentTierID) && l.Notify != nil {
		l.Notify.TierChanged(userID, from, result.CurrentTierID)
	}
	return result, nil
}

// reconcileTier re-resolves membership after a change to available
// points. Runs in its own transaction, but always before the operation
// returns, so callers read their own writes.
func (l *Ledger) reconcileTier(ctx context.Context, b *Balance) (*Balance, error) {
	if l.Tiers == nil {
		return b, nil
	}

	target, err := l.Tiers.CurrentTierFor(ctx, b.Available)
	if err != nil {
		return b, fmt.Errorf("resolve tier for %s: %w", b.UserID, err)
	}
	if sameTier(b.CurrentTierID, target) {
		return b, nil
	}

	from := b.CurrentTierID
	var result *Balance
	err = l.Store.WithTx(ctx, func(s Store) error {
		cur, err := s.GetBalance(ctx, b.UserID)
		if err != nil {
			return err
		}
		cur.CurrentTierID = target
		if err := s.SaveBalance(ctx, cur); err != nil {
			return err
		}
		result = cur.Clone()
		return nil
	})
	if err != nil {
		return b, err
	}

	if l.Notify != nil {
		l.Notify.TierChanged(b.UserID, from, target)
	}
	return result, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func getOrCreateBalance(ctx context.Context, s Store, userID UserID) (*Balance, error) {
	b, err := s.GetBalance(ctx, userID)
	if err == nil {
		return b, nil
	}
	if IsNotFound(err) {
		return NewBalance(userID), nil
	}
	return nil, err
}

func sameTier(a, b *TierID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (l *Ledger) notifyPoints(entry HistoryEntry, b *Balance) {
	if l.Notify != nil && b != nil {
		l.Notify.PointsRecorded(entry, *b)
	}
}
