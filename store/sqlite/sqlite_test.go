package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/abuse"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/referral"
	"github.com/warp/loyalty-engine/rules"
	"github.com/warp/loyalty-engine/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// =============================================================================
// BALANCES AND HISTORY
// =============================================================================

func TestStore_BalanceRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetBalance(ctx, "user-1")
	assert.True(t, loyalty.IsNotFound(err))

	tier := loyalty.TierID("silver")
	b := &loyalty.Balance{
		UserID: "user-1", Available: 60, Pending: 40,
		LifetimeEarned: 100, LifetimeRedeemed: 0,
		CurrentTierID:     &tier,
		LastTransactionAt: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.SaveBalance(ctx, b))

	got, err := store.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, b.Available, got.Available)
	assert.Equal(t, b.Pending, got.Pending)
	assert.Equal(t, b.LifetimeEarned, got.LifetimeEarned)
	require.NotNil(t, got.CurrentTierID)
	assert.Equal(t, tier, *got.CurrentTierID)
	assert.True(t, b.LastTransactionAt.Equal(got.LastTransactionAt))

	// Upsert on the same user
	b.Available = 10
	b.CurrentTierID = nil
	require.NoError(t, store.SaveBalance(ctx, b))
	got, err = store.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Available)
	assert.Nil(t, got.CurrentTierID)
}

func TestStore_History_OldestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

	for i, typ := range []loyalty.TransactionType{loyalty.TxEarn, loyalty.TxConfirm, loyalty.TxRedeem} {
		require.NoError(t, store.AppendHistory(ctx, loyalty.HistoryEntry{
			ID: loyalty.NewEntryID(), UserID: "user-1", Type: typ, Amount: 10,
			CreatedAt: t0.Add(time.Duration(i) * time.Hour),
		}))
	}

	entries, err := store.History(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, loyalty.TxEarn, entries[0].Type)
	assert.Equal(t, loyalty.TxRedeem, entries[2].Type)
}

func TestStore_AppendHistory_DuplicateIdempotencyKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := loyalty.HistoryEntry{
		ID: loyalty.NewEntryID(), UserID: "user-1", Type: loyalty.TxEarn,
		Amount: 10, IdempotencyKey: "once", CreatedAt: time.Now(),
	}
	require.NoError(t, store.AppendHistory(ctx, e))

	e.ID = loyalty.NewEntryID()
	err := store.AppendHistory(ctx, e)
	assert.ErrorIs(t, err, loyalty.ErrDuplicateIdempotencyKey)

	// Empty keys never collide
	for i := 0; i < 2; i++ {
		require.NoError(t, store.AppendHistory(ctx, loyalty.HistoryEntry{
			ID: loyalty.NewEntryID(), UserID: "user-1", Type: loyalty.TxEarn,
			Amount: 5, CreatedAt: time.Now(),
		}))
	}
}

func TestStore_ReversedAmount_SumsAdjustments(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	earnID := loyalty.NewEntryID()
	require.NoError(t, store.AppendHistory(ctx, loyalty.HistoryEntry{
		ID: earnID, UserID: "user-1", Type: loyalty.TxEarn, Amount: 100, CreatedAt: time.Now(),
	}))
	for _, amt := range []int64{10, 15} {
		require.NoError(t, store.AppendHistory(ctx, loyalty.HistoryEntry{
			ID: loyalty.NewEntryID(), UserID: "user-1", Type: loyalty.TxAdjust,
			Amount: amt, ReferenceID: earnID, CreatedAt: time.Now(),
		}))
	}

	reversed, err := store.ReversedAmount(ctx, earnID)
	require.NoError(t, err)
	assert.Equal(t, int64(25), reversed)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestStore_WithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A transaction that writes a balance and then fails
	// THEN: Nothing is visible afterwards

	store := newTestStore(t)
	ctx := context.Background()

	boom := assert.AnError
	err := store.WithTx(ctx, func(s loyalty.Store) error {
		if err := s.SaveBalance(ctx, &loyalty.Balance{UserID: "user-1", Available: 50}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetBalance(ctx, "user-1")
	assert.True(t, loyalty.IsNotFound(err))
}

func TestStore_WithTx_CommitsOnSuccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(s loyalty.Store) error {
		return s.SaveBalance(ctx, &loyalty.Balance{UserID: "user-1", Available: 50})
	})
	require.NoError(t, err)

	b, err := store.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), b.Available)
}

// =============================================================================
// EXPIRY SWEEP QUERY
// =============================================================================

func TestStore_ExpiryDue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	dueID := loyalty.NewEntryID()
	require.NoError(t, store.AppendHistory(ctx, loyalty.HistoryEntry{
		ID: dueID, UserID: "user-1", Type: loyalty.TxEarn, Amount: 100,
		ExpiresAt: &past, CreatedAt: past.Add(-24 * time.Hour),
	}))
	require.NoError(t, store.AppendHistory(ctx, loyalty.HistoryEntry{
		ID: loyalty.NewEntryID(), UserID: "user-1", Type: loyalty.TxEarn, Amount: 50,
		ExpiresAt: &future, CreatedAt: past,
	}))
	require.NoError(t, store.AppendHistory(ctx, loyalty.HistoryEntry{
		ID: loyalty.NewEntryID(), UserID: "user-1", Type: loyalty.TxEarn, Amount: 25,
		CreatedAt: past,
	}))

	due, err := store.ExpiryDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, dueID, due[0].ID)

	// An expire entry referencing the batch removes it from the sweep,
	// even when it lapsed zero points
	require.NoError(t, store.AppendHistory(ctx, loyalty.HistoryEntry{
		ID: loyalty.NewEntryID(), UserID: "user-1", Type: loyalty.TxExpire,
		Amount: 0, ReferenceID: dueID, CreatedAt: now,
	}))
	due, err = store.ExpiryDue(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestStore_ExpiryDue_RefusedInsideTransaction(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(s loyalty.Store) error {
		_, err := s.ExpiryDue(ctx, time.Now())
		return err
	})
	assert.Error(t, err)
}

// =============================================================================
// RULES AND TIERS
// =============================================================================

func TestStore_EarningRuleRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveExpiryRule(ctx, &rules.ExpiryRule{
		ID: "e-1", Name: "EOM", Type: rules.ExpiryFixedDate, Mode: rules.ModeEndOfMonth, Active: true,
	}))
	r := &rules.EarningRule{
		ID: "r-1", Name: "Purchases", SourceType: loyalty.SourcePurchase,
		FlatAmount: 5, PointsPerUnit: decimal.RequireFromString("0.1"),
		Enabled: true, ExpiryRuleID: "e-1",
	}
	require.NoError(t, store.SaveEarningRule(ctx, r))

	got, err := store.GetEarningRule(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, r.Name, got.Name)
	assert.True(t, r.PointsPerUnit.Equal(got.PointsPerUnit))
	assert.Equal(t, rules.ExpiryRuleID("e-1"), got.ExpiryRuleID)

	bySource, err := store.EarningRulesBySource(ctx, loyalty.SourcePurchase)
	require.NoError(t, err)
	assert.Len(t, bySource, 1)

	require.NoError(t, store.DeleteEarningRule(ctx, "r-1"))
	_, err = store.GetEarningRule(ctx, "r-1")
	assert.True(t, loyalty.IsNotFound(err))
}

func TestStore_ExpiryRulesByMode(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveExpiryRule(ctx, &rules.ExpiryRule{
		ID: "e-eom", Name: "EOM", Type: rules.ExpiryFixedDate, Mode: rules.ModeEndOfMonth, Active: true,
	}))
	require.NoError(t, store.SaveExpiryRule(ctx, &rules.ExpiryRule{
		ID: "e-eoy", Name: "EOY", Type: rules.ExpiryFixedDate, Mode: rules.ModeEndOfYear, Active: true,
	}))
	require.NoError(t, store.SaveExpiryRule(ctx, &rules.ExpiryRule{
		ID: "e-90d", Name: "90 days", Type: rules.ExpiryRelativeDuration,
		Mode: rules.ModeDaysAfterEarn, DurationDays: 90, Active: true,
	}))

	out, err := store.ExpiryRulesByMode(ctx, rules.ExpiryFixedDate, rules.ModeEndOfYear)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, rules.ExpiryRuleID("e-eoy"), out[0].ID)

	// A zero value matches any
	out, err = store.ExpiryRulesByMode(ctx, rules.ExpiryFixedDate, "")
	require.NoError(t, err)
	assert.Len(t, out, 2)

	out, err = store.ExpiryRulesByMode(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, out, 3)
}

func TestStore_ReplaceTierLevels_Atomic(t *testing.T) {
	// GIVEN: Two persisted tiers
	// WHEN: Replacing levels with a map naming a missing tier
	// THEN: The whole replacement rolls back

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveTier(ctx, &rules.Tier{ID: "a", Name: "A", Level: 1, Active: true}))
	require.NoError(t, store.SaveTier(ctx, &rules.Tier{ID: "b", Name: "B", Level: 2, Active: true}))

	err := store.ReplaceTierLevels(ctx, map[loyalty.TierID]int{"a": 2, "missing": 1})
	require.Error(t, err)

	a, err := store.GetTier(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, a.Level)

	require.NoError(t, store.ReplaceTierLevels(ctx, map[loyalty.TierID]int{"a": 2, "b": 1}))
	a, err = store.GetTier(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, a.Level)
}

func TestStore_TierBenefits(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveTier(ctx, &rules.Tier{ID: "gold", Name: "Gold", Level: 1, Active: true}))
	require.NoError(t, store.SaveBenefit(ctx, &rules.Benefit{ID: "ship", Name: "Free shipping", Active: true}))
	require.NoError(t, store.AttachBenefit(ctx, rules.TierBenefit{TierID: "gold", BenefitID: "ship", Active: true}))

	benefits, err := store.TierBenefits(ctx, "gold")
	require.NoError(t, err)
	require.Len(t, benefits, 1)
	assert.Equal(t, "ship", benefits[0].ID)

	require.NoError(t, store.DetachBenefit(ctx, "gold", "ship"))
	benefits, err = store.TierBenefits(ctx, "gold")
	require.NoError(t, err)
	assert.Empty(t, benefits)
}

// =============================================================================
// ABUSE FLAGS
// =============================================================================

func TestStore_FlagRoundTripAndFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	f := &abuse.Flag{
		ID: abuse.NewFlagID(), UserID: "user-1", Type: abuse.TypeVelocity,
		Severity: abuse.SeverityHigh, Status: abuse.StatusPending,
		Details:   abuse.VelocityDetails{WindowMinutes: 5, EarnCount: 40, Points: 900},
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.SaveFlag(ctx, f))

	got, err := store.GetFlag(ctx, f.ID)
	require.NoError(t, err)
	details, ok := got.Details.(abuse.VelocityDetails)
	require.True(t, ok)
	assert.Equal(t, 40, details.EarnCount)

	other := &abuse.Flag{
		ID: abuse.NewFlagID(), UserID: "user-2", Type: abuse.TypePaymentAbuse,
		Severity: abuse.SeverityLow, Status: abuse.StatusDismissed,
		Details:   abuse.PaymentAbuseDetails{OrderID: "o-1"},
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.SaveFlag(ctx, other))

	user1 := loyalty.UserID("user-1")
	flags, err := store.ListFlags(ctx, abuse.Filter{UserID: &user1})
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, f.ID, flags[0].ID)

	dismissed := abuse.StatusDismissed
	flags, err = store.ListFlags(ctx, abuse.Filter{Status: &dismissed})
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, other.ID, flags[0].ID)
}

// =============================================================================
// REFERRAL SLOTS
// =============================================================================

func TestStore_SlotQuantity_AtomicDecrement(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveConfig(ctx, &referral.RewardConfig{
		ID: "c-1", Name: "Launch", Enabled: true, MinPurchaseAmount: decimal.Zero,
	}))
	require.NoError(t, store.SaveSlot(ctx, &referral.SlotReward{
		ID: "s-1", ConfigID: "c-1", SlotNumber: 1, RewardPoints: 100, Quantity: 1, Active: true,
	}))

	won, err := store.DecrementSlotQuantity(ctx, "s-1")
	require.NoError(t, err)
	assert.True(t, won)

	// Empty slot loses the acquire without erroring
	won, err = store.DecrementSlotQuantity(ctx, "s-1")
	require.NoError(t, err)
	assert.False(t, won)

	require.NoError(t, store.IncrementSlotQuantity(ctx, "s-1"))
	slot, err := store.GetSlot(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, 1, slot.Quantity)
}

func TestStore_SaveSlot_DuplicateNumberInConfig(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveConfig(ctx, &referral.RewardConfig{
		ID: "c-1", Name: "Launch", Enabled: true, MinPurchaseAmount: decimal.Zero,
	}))
	require.NoError(t, store.SaveSlot(ctx, &referral.SlotReward{
		ID: "s-1", ConfigID: "c-1", SlotNumber: 1, RewardPoints: 100, Quantity: 1, Active: true,
	}))

	err := store.SaveSlot(ctx, &referral.SlotReward{
		ID: "s-2", ConfigID: "c-1", SlotNumber: 1, RewardPoints: 50, Quantity: 1, Active: true,
	})
	assert.ErrorIs(t, err, loyalty.ErrDuplicateSlotNumber)

	// The same number under another config is fine
	require.NoError(t, store.SaveConfig(ctx, &referral.RewardConfig{
		ID: "c-2", Name: "Other", Enabled: true, MinPurchaseAmount: decimal.Zero,
	}))
	require.NoError(t, store.SaveSlot(ctx, &referral.SlotReward{
		ID: "s-3", ConfigID: "c-2", SlotNumber: 1, RewardPoints: 50, Quantity: 1, Active: true,
	}))
}

func TestStore_ConfigRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c := &referral.RewardConfig{
		ID: "c-1", Name: "Launch", Enabled: true, OneRewardPerUser: true,
		MinPurchaseAmount: decimal.RequireFromString("25.50"),
	}
	require.NoError(t, store.SaveConfig(ctx, c))

	got, err := store.GetConfig(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, got.OneRewardPerUser)
	assert.True(t, c.MinPurchaseAmount.Equal(got.MinPurchaseAmount))

	require.NoError(t, store.DeleteConfig(ctx, "c-1"))
	_, err = store.GetConfig(ctx, "c-1")
	assert.True(t, loyalty.IsNotFound(err))
}
