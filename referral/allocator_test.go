package referral_test

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/referral"
	"github.com/warp/loyalty-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestAllocator(t *testing.T) (*referral.Allocator, *loyalty.Ledger) {
	t.Helper()
	store := memory.New()
	ledger := loyalty.NewLedger(store)
	return referral.NewAllocator(store, ledger), ledger
}

func seedConfig(t *testing.T, a *referral.Allocator, cfg *referral.RewardConfig, slots ...*referral.SlotReward) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, a.CreateConfig(ctx, cfg))
	for _, s := range slots {
		s.ConfigID = cfg.ID
		require.NoError(t, a.CreateSlot(ctx, s))
	}
}

// =============================================================================
// SLOT LADDER
// =============================================================================

func TestAllocator_Allocate_SkipsExhaustedSlots(t *testing.T) {
	// GIVEN: Slot 1 is empty, slot 2 has one unit left
	// WHEN: A referrer qualifies
	// THEN: Slot 2 wins and its reward lands as pending points

	alloc, ledger := newTestAllocator(t)
	ctx := context.Background()

	seedConfig(t, alloc,
		&referral.RewardConfig{ID: "launch", Name: "Launch", Enabled: true},
		&referral.SlotReward{ID: "s1", SlotNumber: 1, RewardPoints: 1000, Quantity: 0, Active: true},
		&referral.SlotReward{ID: "s2", SlotNumber: 2, RewardPoints: 500, Quantity: 1, Active: true},
	)

	got, err := alloc.Allocate(ctx, "launch", "ref-1", decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, referral.SlotID("s2"), got.Slot.ID)
	assert.Equal(t, 0, got.Slot.Quantity)
	assert.Equal(t, int64(500), got.Balance.Pending)

	b, err := ledger.GetBalance(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), b.Pending)
}

func TestAllocator_Allocate_LadderExhausted(t *testing.T) {
	alloc, ledger := newTestAllocator(t)
	ctx := context.Background()

	seedConfig(t, alloc,
		&referral.RewardConfig{ID: "launch", Name: "Launch", Enabled: true},
		&referral.SlotReward{ID: "s1", SlotNumber: 1, RewardPoints: 1000, Quantity: 1, Active: true},
	)

	_, err := alloc.Allocate(ctx, "launch", "ref-1", decimal.Zero)
	require.NoError(t, err)

	_, err = alloc.Allocate(ctx, "launch", "ref-2", decimal.Zero)
	assert.ErrorIs(t, err, loyalty.ErrNoSlotsAvailable)

	// The loser got no points
	b, err := ledger.GetBalance(ctx, "ref-2")
	require.NoError(t, err)
	assert.Zero(t, b.Pending)
	assert.Zero(t, b.LifetimeEarned)
}

func TestAllocator_Allocate_IgnoresInactiveSlots(t *testing.T) {
	alloc, _ := newTestAllocator(t)
	ctx := context.Background()

	seedConfig(t, alloc,
		&referral.RewardConfig{ID: "launch", Name: "Launch", Enabled: true},
		&referral.SlotReward{ID: "s1", SlotNumber: 1, RewardPoints: 1000, Quantity: 5, Active: false},
	)

	_, err := alloc.Allocate(ctx, "launch", "ref-1", decimal.Zero)
	assert.ErrorIs(t, err, loyalty.ErrNoSlotsAvailable)
}

// =============================================================================
// ELIGIBILITY GATES
// =============================================================================

func TestAllocator_Allocate_DisabledConfig(t *testing.T) {
	alloc, _ := newTestAllocator(t)
	ctx := context.Background()

	seedConfig(t, alloc,
		&referral.RewardConfig{ID: "paused", Name: "Paused", Enabled: false},
		&referral.SlotReward{ID: "s1", SlotNumber: 1, RewardPoints: 100, Quantity: 5, Active: true},
	)

	_, err := alloc.Allocate(ctx, "paused", "ref-1", decimal.Zero)
	assert.ErrorIs(t, err, referral.ErrNotEligible)
}

func TestAllocator_Allocate_MinPurchaseGate(t *testing.T) {
	// GIVEN: A 50.00 minimum purchase
	// THEN: 49.99 is rejected, 50.00 qualifies

	alloc, _ := newTestAllocator(t)
	ctx := context.Background()

	seedConfig(t, alloc,
		&referral.RewardConfig{
			ID: "big-spend", Name: "Big spenders", Enabled: true,
			MinPurchaseAmount: decimal.RequireFromString("50.00"),
		},
		&referral.SlotReward{ID: "s1", SlotNumber: 1, RewardPoints: 100, Quantity: 5, Active: true},
	)

	_, err := alloc.Allocate(ctx, "big-spend", "ref-1", decimal.RequireFromString("49.99"))
	assert.ErrorIs(t, err, referral.ErrNotEligible)

	_, err = alloc.Allocate(ctx, "big-spend", "ref-1", decimal.RequireFromString("50.00"))
	assert.NoError(t, err)
}

func TestAllocator_Allocate_OneRewardPerUser(t *testing.T) {
	alloc, _ := newTestAllocator(t)
	ctx := context.Background()

	seedConfig(t, alloc,
		&referral.RewardConfig{ID: "once", Name: "Once", Enabled: true, OneRewardPerUser: true},
		&referral.SlotReward{ID: "s1", SlotNumber: 1, RewardPoints: 100, Quantity: 5, Active: true},
	)

	_, err := alloc.Allocate(ctx, "once", "ref-1", decimal.Zero)
	require.NoError(t, err)

	_, err = alloc.Allocate(ctx, "once", "ref-1", decimal.Zero)
	assert.ErrorIs(t, err, referral.ErrAlreadyRewarded)

	// A different referrer is unaffected
	_, err = alloc.Allocate(ctx, "once", "ref-2", decimal.Zero)
	assert.NoError(t, err)
}

// =============================================================================
// SLOT ADMIN
// =============================================================================

func TestAllocator_CreateSlot_DuplicateNumber(t *testing.T) {
	alloc, _ := newTestAllocator(t)
	ctx := context.Background()

	seedConfig(t, alloc,
		&referral.RewardConfig{ID: "launch", Name: "Launch", Enabled: true},
		&referral.SlotReward{ID: "s1", SlotNumber: 1, RewardPoints: 100, Quantity: 5, Active: true},
	)

	err := alloc.CreateSlot(ctx, &referral.SlotReward{
		ID: "s1-again", ConfigID: "launch", SlotNumber: 1, RewardPoints: 200, Quantity: 1, Active: true,
	})
	assert.ErrorIs(t, err, loyalty.ErrDuplicateSlotNumber)
}

func TestAllocator_CreateSlot_Validation(t *testing.T) {
	alloc, _ := newTestAllocator(t)
	ctx := context.Background()
	require.NoError(t, alloc.CreateConfig(ctx, &referral.RewardConfig{ID: "c", Name: "C", Enabled: true}))

	tests := []struct {
		name string
		slot referral.SlotReward
	}{
		{"zero slot number", referral.SlotReward{ConfigID: "c", SlotNumber: 0, RewardPoints: 10, Quantity: 1}},
		{"zero reward", referral.SlotReward{ConfigID: "c", SlotNumber: 1, RewardPoints: 0, Quantity: 1}},
		{"negative quantity", referral.SlotReward{ConfigID: "c", SlotNumber: 1, RewardPoints: 10, Quantity: -1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := tc.slot
			err := alloc.CreateSlot(ctx, &s)
			assert.ErrorIs(t, err, loyalty.ErrInvalidRuleConfiguration)
		})
	}
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestAllocator_Allocate_ConcurrentNeverOverAllocates(t *testing.T) {
	// GIVEN: A ladder holding 7 total units across two slots
	// WHEN: 20 referrers race for them
	// THEN: Exactly 7 win, and total credited points match the slots won

	alloc, ledger := newTestAllocator(t)
	ctx := context.Background()

	seedConfig(t, alloc,
		&referral.RewardConfig{ID: "launch", Name: "Launch", Enabled: true},
		&referral.SlotReward{ID: "s1", SlotNumber: 1, RewardPoints: 1000, Quantity: 3, Active: true},
		&referral.SlotReward{ID: "s2", SlotNumber: 2, RewardPoints: 500, Quantity: 4, Active: true},
	)

	const racers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	losers := 0

	wg.Add(racers)
	for i := 0; i < racers; i++ {
		user := loyalty.UserID(string(rune('a' + i)))
		go func(u loyalty.UserID) {
			defer wg.Done()
			_, err := alloc.Allocate(ctx, "launch", u, decimal.Zero)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			default:
				assert.ErrorIs(t, err, loyalty.ErrNoSlotsAvailable)
				losers++
			}
		}(user)
	}
	wg.Wait()

	assert.Equal(t, 7, winners)
	assert.Equal(t, racers-7, losers)

	// Every remaining quantity is zero
	slots, err := alloc.ListSlots(ctx, "launch")
	require.NoError(t, err)
	for _, s := range slots {
		assert.Zero(t, s.Quantity, "slot %d", s.SlotNumber)
	}

	// Credited points sum to the ladder's full value
	var total int64
	for i := 0; i < racers; i++ {
		u := loyalty.UserID(string(rune('a' + i)))
		b, err := ledger.GetBalance(ctx, u)
		require.NoError(t, err)
		total += b.Pending
	}
	assert.Equal(t, int64(3*1000+4*500), total)
}
