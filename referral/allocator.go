/*
Package referral provides the slot-based referral-reward allocator.

PURPOSE:
  A reward config holds a ladder of numbered slots, each with a point
  reward and a remaining quantity. Crediting a referral means winning a
  slot: the lowest-numbered active slot with quantity left. Acquiring a
  slot is a single atomic decrement-if-positive; a request that loses the
  race to another allocator retries the next slot up the ladder rather
  than failing the whole referral flow.

INVARIANTS:
  - A slot number is unique within its config
  - Quantity never goes negative
  - Under N concurrent requests against total remaining quantity Q < N,
    exactly Q succeed; the rest receive ErrNoSlotsAvailable and never
    touch the ledger
  - A won slot credits pending points exactly once

SEE ALSO:
  - loyalty/ledger.go: IncrementPendingPoints, the crediting path
*/
package referral

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// TYPES
// =============================================================================

type ConfigID string
type SlotID string

func NewSlotID() SlotID { return SlotID(uuid.NewString()) }

// RewardConfig is the per-campaign referral settings.
type RewardConfig struct {
	ID   ConfigID
	Name string

	// MinPurchaseAmount gates rewards on the referred user's qualifying
	// purchase.
	MinPurchaseAmount decimal.Decimal

	// OneRewardPerUser limits a referrer to a single reward per config.
	OneRewardPerUser bool

	Enabled bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SlotReward is one rung of the reward ladder.
type SlotReward struct {
	ID           SlotID
	ConfigID     ConfigID
	SlotNumber   int
	RewardPoints int64
	Quantity     int // remaining, never negative
	Active       bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Allocation is the successful outcome: the slot won and the referrer's
// balance after crediting.
type Allocation struct {
	Slot    SlotReward
	Balance loyalty.Balance
}

// Package-local eligibility sentinels. Not a slot shortage: the request
// simply doesn't qualify for a reward.
var (
	ErrNotEligible     = errors.New("referral not eligible for reward")
	ErrAlreadyRewarded = errors.New("referrer already rewarded for this config")
)

// =============================================================================
// STORE CONTRACT
// =============================================================================

type SlotStore interface {
	SaveConfig(ctx context.Context, c *RewardConfig) error
	GetConfig(ctx context.Context, id ConfigID) (*RewardConfig, error)
	ListConfigs(ctx context.Context) ([]RewardConfig, error)
	DeleteConfig(ctx context.Context, id ConfigID) error

	SaveSlot(ctx context.Context, s *SlotReward) error
	GetSlot(ctx context.Context, id SlotID) (*SlotReward, error)
	// ListSlots returns a config's slots ordered by slot number.
	ListSlots(ctx context.Context, configID ConfigID) ([]SlotReward, error)
	DeleteSlot(ctx context.Context, id SlotID) error

	// DecrementSlotQuantity is the atomic acquire: quantity -= 1 only when
	// the slot is active and quantity > 0. Returns false when the slot was
	// already empty at commit time (lost the race).
	DecrementSlotQuantity(ctx context.Context, id SlotID) (bool, error)

	// IncrementSlotQuantity returns a slot after a failed credit.
	IncrementSlotQuantity(ctx context.Context, id SlotID) error
}

// =============================================================================
// ALLOCATOR
// =============================================================================

type Allocator struct {
	Store  SlotStore
	Ledger *loyalty.Ledger

	now func() time.Time
}

func NewAllocator(store SlotStore, ledger *loyalty.Ledger) *Allocator {
	return &Allocator{Store: store, Ledger: ledger, now: time.Now}
}

// =============================================================================
// CONFIG AND SLOT ADMIN
// =============================================================================

func (a *Allocator) CreateConfig(ctx context.Context, c *RewardConfig) error {
	if c.MinPurchaseAmount.IsNegative() {
		return fmt.Errorf("%w: negative min purchase amount", loyalty.ErrInvalidRuleConfiguration)
	}
	if c.ID == "" {
		c.ID = ConfigID(uuid.NewString())
	}
	now := a.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	return a.Store.SaveConfig(ctx, c)
}

func (a *Allocator) GetConfig(ctx context.Context, id ConfigID) (*RewardConfig, error) {
	return a.Store.GetConfig(ctx, id)
}

func (a *Allocator) ListConfigs(ctx context.Context) ([]RewardConfig, error) {
	return a.Store.ListConfigs(ctx)
}

// CreateSlot validates slot-number uniqueness within the config before
// persisting.
func (a *Allocator) CreateSlot(ctx context.Context, s *SlotReward) error {
	if _, err := a.Store.GetConfig(ctx, s.ConfigID); err != nil {
		return err
	}
	if s.SlotNumber <= 0 {
		return fmt.Errorf("%w: slot number must be positive", loyalty.ErrInvalidRuleConfiguration)
	}
	if s.RewardPoints <= 0 {
		return fmt.Errorf("%w: reward points must be positive", loyalty.ErrInvalidRuleConfiguration)
	}
	if s.Quantity < 0 {
		return fmt.Errorf("%w: quantity must not be negative", loyalty.ErrInvalidRuleConfiguration)
	}
	if err := a.ValidateSlotNumber(ctx, s.ConfigID, s.SlotNumber, s.ID); err != nil {
		return err
	}
	if s.ID == "" {
		s.ID = NewSlotID()
	}
	now := a.now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	return a.Store.SaveSlot(ctx, s)
}

func (a *Allocator) UpdateSlot(ctx context.Context, s *SlotReward) error {
	if _, err := a.Store.GetSlot(ctx, s.ID); err != nil {
		return err
	}
	return a.CreateSlot(ctx, s)
}

func (a *Allocator) DeleteSlot(ctx context.Context, id SlotID) error {
	return a.Store.DeleteSlot(ctx, id)
}

func (a *Allocator) ListSlots(ctx context.Context, configID ConfigID) ([]SlotReward, error) {
	return a.Store.ListSlots(ctx, configID)
}

// ValidateSlotNumber fails with ErrDuplicateSlotNumber when another slot
// in the same config already owns the number. excludeID skips the slot
// being updated.
func (a *Allocator) ValidateSlotNumber(ctx context.Context, configID ConfigID, slotNumber int, excludeID SlotID) error {
	slots, err := a.Store.ListSlots(ctx, configID)
	if err != nil {
		return err
	}
	for _, s := range slots {
		if s.ID != excludeID && s.SlotNumber == slotNumber {
			return fmt.Errorf("%w: slot %d in config %s", loyalty.ErrDuplicateSlotNumber, slotNumber, configID)
		}
	}
	return nil
}

// =============================================================================
// ALLOCATION
// =============================================================================

// FindNextAvailableSlot returns the lowest-numbered active slot with
// remaining quantity, or ErrNoSlotsAvailable.
func (a *Allocator) FindNextAvailableSlot(ctx context.Context, configID ConfigID) (*SlotReward, error) {
	slots, err := a.Store.ListSlots(ctx, configID)
	if err != nil {
		return nil, err
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].SlotNumber < slots[j].SlotNumber })
	for i := range slots {
		if slots[i].Active && slots[i].Quantity > 0 {
			s := slots[i]
			return &s, nil
		}
	}
	return nil, fmt.Errorf("%w: config %s", loyalty.ErrNoSlotsAvailable, configID)
}

// Allocate wins a slot for the referrer and credits its reward as
// pending points, exactly once. Losing a decrement race moves on to the
// next slot; exhausting the ladder returns ErrNoSlotsAvailable without
// touching the ledger.
func (a *Allocator) Allocate(ctx context.Context, configID ConfigID, referrerID loyalty.UserID, purchaseAmount decimal.Decimal) (*Allocation, error) {
	cfg, err := a.Store.GetConfig(ctx, configID)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("%w: config %s disabled", ErrNotEligible, configID)
	}
	if purchaseAmount.LessThan(cfg.MinPurchaseAmount) {
		return nil, fmt.Errorf("%w: purchase %s below minimum %s", ErrNotEligible,
			purchaseAmount.String(), cfg.MinPurchaseAmount.String())
	}
	if cfg.OneRewardPerUser {
		rewarded, err := a.Ledger.Store.EarnedFromSource(ctx, referrerID, loyalty.SourceReferral, string(configID))
		if err != nil {
			return nil, err
		}
		if rewarded {
			return nil, fmt.Errorf("%w: config %s", ErrAlreadyRewarded, configID)
		}
	}

	slots, err := a.Store.ListSlots(ctx, configID)
	if err != nil {
		return nil, err
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].SlotNumber < slots[j].SlotNumber })

	// The retry loop is bounded by the number of slots in the config.
	for _, slot := range slots {
		if !slot.Active || slot.Quantity <= 0 {
			continue
		}
		won, err := a.Store.DecrementSlotQuantity(ctx, slot.ID)
		if err != nil {
			return nil, err
		}
		if !won {
			// Lost the race on this slot; try the next rung.
			continue
		}

		balance, err := a.Ledger.IncrementPendingPoints(ctx, referrerID, slot.RewardPoints, loyalty.EarnSource{
			SourceType: loyalty.SourceReferral,
			SourceID:   string(configID),
		})
		if err != nil {
			// Credit failed after the slot was taken: put the unit back so
			// the ladder doesn't leak quantity.
			if restoreErr := a.Store.IncrementSlotQuantity(ctx, slot.ID); restoreErr != nil {
				return nil, fmt.Errorf("credit failed (%w) and slot restore failed: %v", err, restoreErr)
			}
			return nil, err
		}

		slot.Quantity--
		return &Allocation{Slot: slot, Balance: *balance}, nil
	}

	return nil, fmt.Errorf("%w: config %s", loyalty.ErrNoSlotsAvailable, configID)
}
