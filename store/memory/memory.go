/*
Package memory provides the in-memory implementation of every store
contract. Used by tests and the dev server.

PURPOSE:
  Mirrors the SQLite store's semantics without a database: a single
  mutex serializes transactions, history is append-only, and slot
  acquisition is an atomic decrement-if-positive under the lock.

TRANSACTIONS:
  WithTx holds the write lock for the whole function and snapshots
  balance/history state first; an error restores the snapshot, so a
  failed transaction leaves no partial state.
*/
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/loyalty-engine/abuse"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/referral"
	"github.com/warp/loyalty-engine/rules"
)

type tierBenefitKey struct {
	TierID    loyalty.TierID
	BenefitID string
}

type Store struct {
	mu sync.RWMutex

	balances    map[loyalty.UserID]loyalty.Balance
	history     map[loyalty.UserID][]loyalty.HistoryEntry
	entriesByID map[loyalty.EntryID]loyalty.HistoryEntry
	idempotency map[string]bool

	earningRules map[loyalty.RuleID]rules.EarningRule
	expiryRules  map[rules.ExpiryRuleID]rules.ExpiryRule
	tiers        map[loyalty.TierID]rules.Tier
	benefits     map[string]rules.Benefit
	tierBenefits map[tierBenefitKey]rules.TierBenefit

	flags map[abuse.FlagID]abuse.Flag

	configs map[referral.ConfigID]referral.RewardConfig
	slots   map[referral.SlotID]referral.SlotReward
}

func New() *Store {
	return &Store{
		balances:     make(map[loyalty.UserID]loyalty.Balance),
		history:      make(map[loyalty.UserID][]loyalty.HistoryEntry),
		entriesByID:  make(map[loyalty.EntryID]loyalty.HistoryEntry),
		idempotency:  make(map[string]bool),
		earningRules: make(map[loyalty.RuleID]rules.EarningRule),
		expiryRules:  make(map[rules.ExpiryRuleID]rules.ExpiryRule),
		tiers:        make(map[loyalty.TierID]rules.Tier),
		benefits:     make(map[string]rules.Benefit),
		tierBenefits: make(map[tierBenefitKey]rules.TierBenefit),
		flags:        make(map[abuse.FlagID]abuse.Flag),
		configs:      make(map[referral.ConfigID]referral.RewardConfig),
		slots:        make(map[referral.SlotID]referral.SlotReward),
	}
}

func notFound(what string, id any) error {
	return fmt.Errorf("%w: %s %v", loyalty.ErrNotFound, what, id)
}

// =============================================================================
// loyalty.Store
// =============================================================================

func (m *Store) GetBalance(ctx context.Context, userID loyalty.UserID) (*loyalty.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getBalanceLocked(userID)
}

func (m *Store) getBalanceLocked(userID loyalty.UserID) (*loyalty.Balance, error) {
	b, ok := m.balances[userID]
	if !ok {
		return nil, notFound("balance", userID)
	}
	return b.Clone(), nil
}

func (m *Store) SaveBalance(ctx context.Context, b *loyalty.Balance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveBalanceLocked(b)
}

func (m *Store) saveBalanceLocked(b *loyalty.Balance) error {
	m.balances[b.UserID] = *b.Clone()
	return nil
}

func (m *Store) AppendHistory(ctx context.Context, e loyalty.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendHistoryLocked(e)
}

func (m *Store) appendHistoryLocked(e loyalty.HistoryEntry) error {
	if e.IdempotencyKey != "" && m.idempotency[e.IdempotencyKey] {
		return loyalty.ErrDuplicateIdempotencyKey
	}
	m.history[e.UserID] = append(m.history[e.UserID], e)
	m.entriesByID[e.ID] = e
	if e.IdempotencyKey != "" {
		m.idempotency[e.IdempotencyKey] = true
	}
	return nil
}

func (m *Store) History(ctx context.Context, userID loyalty.UserID) ([]loyalty.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.historyLocked(userID)
}

func (m *Store) historyLocked(userID loyalty.UserID) ([]loyalty.HistoryEntry, error) {
	out := make([]loyalty.HistoryEntry, len(m.history[userID]))
	copy(out, m.history[userID])
	return out, nil
}

func (m *Store) GetHistoryEntry(ctx context.Context, id loyalty.EntryID) (*loyalty.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getHistoryEntryLocked(id)
}

func (m *Store) getHistoryEntryLocked(id loyalty.EntryID) (*loyalty.HistoryEntry, error) {
	e, ok := m.entriesByID[id]
	if !ok {
		return nil, notFound("history entry", id)
	}
	return &e, nil
}

func (m *Store) ReversedAmount(ctx context.Context, ref loyalty.EntryID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reversedAmountLocked(ref)
}

func (m *Store) reversedAmountLocked(ref loyalty.EntryID) (int64, error) {
	var total int64
	for _, entries := range m.history {
		for _, e := range entries {
			if e.Type == loyalty.TxAdjust && e.ReferenceID == ref {
				total += e.Amount
			}
		}
	}
	return total, nil
}

func (m *Store) EarnedFromSource(ctx context.Context, userID loyalty.UserID, source loyalty.SourceType, sourceID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.earnedFromSourceLocked(userID, source, sourceID)
}

func (m *Store) earnedFromSourceLocked(userID loyalty.UserID, source loyalty.SourceType, sourceID string) (bool, error) {
	for _, e := range m.history[userID] {
		if e.Type == loyalty.TxEarn && e.SourceType == source && e.SourceID == sourceID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Store) ExpiryDue(ctx context.Context, now time.Time) ([]loyalty.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	expired := make(map[loyalty.EntryID]bool)
	for _, entries := range m.history {
		for _, e := range entries {
			if e.Type == loyalty.TxExpire && e.ReferenceID != "" {
				expired[e.ReferenceID] = true
			}
		}
	}

	var due []loyalty.HistoryEntry
	for _, entries := range m.history {
		for _, e := range entries {
			if e.Type == loyalty.TxEarn && e.ExpiresAt != nil &&
				!e.ExpiresAt.After(now) && !expired[e.ID] {
				due = append(due, e)
			}
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(*due[j].ExpiresAt) })
	return due, nil
}

// =============================================================================
// loyalty.TxStore
// =============================================================================

// txView exposes the locked helpers to the transaction function. The
// parent's write lock is held for the entire transaction.
type txView struct {
	parent *Store
}

func (v *txView) GetBalance(ctx context.Context, userID loyalty.UserID) (*loyalty.Balance, error) {
	return v.parent.getBalanceLocked(userID)
}
func (v *txView) SaveBalance(ctx context.Context, b *loyalty.Balance) error {
	return v.parent.saveBalanceLocked(b)
}
func (v *txView) AppendHistory(ctx context.Context, e loyalty.HistoryEntry) error {
	return v.parent.appendHistoryLocked(e)
}
func (v *txView) History(ctx context.Context, userID loyalty.UserID) ([]loyalty.HistoryEntry, error) {
	return v.parent.historyLocked(userID)
}
func (v *txView) GetHistoryEntry(ctx context.Context, id loyalty.EntryID) (*loyalty.HistoryEntry, error) {
	return v.parent.getHistoryEntryLocked(id)
}
func (v *txView) ReversedAmount(ctx context.Context, ref loyalty.EntryID) (int64, error) {
	return v.parent.reversedAmountLocked(ref)
}
func (v *txView) EarnedFromSource(ctx context.Context, userID loyalty.UserID, source loyalty.SourceType, sourceID string) (bool, error) {
	return v.parent.earnedFromSourceLocked(userID, source, sourceID)
}
func (v *txView) ExpiryDue(ctx context.Context, now time.Time) ([]loyalty.HistoryEntry, error) {
	return nil, fmt.Errorf("ExpiryDue is not available inside a transaction")
}

type snapshot struct {
	balances    map[loyalty.UserID]loyalty.Balance
	history     map[loyalty.UserID][]loyalty.HistoryEntry
	entriesByID map[loyalty.EntryID]loyalty.HistoryEntry
	idempotency map[string]bool
}

// WithTx serializes ledger mutations: the write lock is held across fn,
// and an error restores the pre-transaction snapshot.
func (m *Store) WithTx(ctx context.Context, fn func(loyalty.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshotLocked()
	if err := fn(&txView{parent: m}); err != nil {
		m.restoreLocked(snap)
		return err
	}
	return nil
}

func (m *Store) snapshotLocked() snapshot {
	s := snapshot{
		balances:    make(map[loyalty.UserID]loyalty.Balance, len(m.balances)),
		history:     make(map[loyalty.UserID][]loyalty.HistoryEntry, len(m.history)),
		entriesByID: make(map[loyalty.EntryID]loyalty.HistoryEntry, len(m.entriesByID)),
		idempotency: make(map[string]bool, len(m.idempotency)),
	}
	for k, v := range m.balances {
		s.balances[k] = v
	}
	for k, v := range m.history {
		s.history[k] = append([]loyalty.HistoryEntry{}, v...)
	}
	for k, v := range m.entriesByID {
		s.entriesByID[k] = v
	}
	for k, v := range m.idempotency {
		s.idempotency[k] = v
	}
	return s
}

func (m *Store) restoreLocked(s snapshot) {
	m.balances = s.balances
	m.history = s.history
	m.entriesByID = s.entriesByID
	m.idempotency = s.idempotency
}

var _ loyalty.TxStore = (*Store)(nil)

// =============================================================================
// rules.RuleStore
// =============================================================================

func (m *Store) SaveEarningRule(ctx context.Context, r *rules.EarningRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.earningRules[r.ID] = *r
	return nil
}

func (m *Store) GetEarningRule(ctx context.Context, id loyalty.RuleID) (*rules.EarningRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.earningRules[id]
	if !ok {
		return nil, notFound("earning rule", id)
	}
	return &r, nil
}

func (m *Store) ListEarningRules(ctx context.Context) ([]rules.EarningRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]rules.EarningRule, 0, len(m.earningRules))
	for _, r := range m.earningRules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Store) EarningRulesBySource(ctx context.Context, source loyalty.SourceType) ([]rules.EarningRule, error) {
	all, _ := m.ListEarningRules(ctx)
	out := all[:0]
	for _, r := range all {
		if r.SourceType == source {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Store) DeleteEarningRule(ctx context.Context, id loyalty.RuleID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.earningRules[id]; !ok {
		return notFound("earning rule", id)
	}
	delete(m.earningRules, id)
	return nil
}

func (m *Store) SaveExpiryRule(ctx context.Context, r *rules.ExpiryRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiryRules[r.ID] = *r
	return nil
}

func (m *Store) GetExpiryRule(ctx context.Context, id rules.ExpiryRuleID) (*rules.ExpiryRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.expiryRules[id]
	if !ok {
		return nil, notFound("expiry rule", id)
	}
	return &r, nil
}

func (m *Store) ListExpiryRules(ctx context.Context) ([]rules.ExpiryRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]rules.ExpiryRule, 0, len(m.expiryRules))
	for _, r := range m.expiryRules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Store) ExpiryRulesByMode(ctx context.Context, typ rules.ExpiryType, mode rules.ExpiryMode) ([]rules.ExpiryRule, error) {
	all, _ := m.ListExpiryRules(ctx)
	out := all[:0]
	for _, r := range all {
		if typ != "" && r.Type != typ {
			continue
		}
		if mode != "" && r.Mode != mode {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *Store) DeleteExpiryRule(ctx context.Context, id rules.ExpiryRuleID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.expiryRules[id]; !ok {
		return notFound("expiry rule", id)
	}
	delete(m.expiryRules, id)
	return nil
}

var _ rules.RuleStore = (*Store)(nil)

// =============================================================================
// rules.TierStore
// =============================================================================

func (m *Store) SaveTier(ctx context.Context, t *rules.Tier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tiers[t.ID] = *t
	return nil
}

func (m *Store) GetTier(ctx context.Context, id loyalty.TierID) (*rules.Tier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tiers[id]
	if !ok {
		return nil, notFound("tier", id)
	}
	return &t, nil
}

func (m *Store) ListTiers(ctx context.Context) ([]rules.Tier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]rules.Tier, 0, len(m.tiers))
	for _, t := range m.tiers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, nil
}

func (m *Store) DeleteTier(ctx context.Context, id loyalty.TierID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tiers[id]; !ok {
		return notFound("tier", id)
	}
	delete(m.tiers, id)
	return nil
}

func (m *Store) ReplaceTierLevels(ctx context.Context, levels map[loyalty.TierID]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range levels {
		if _, ok := m.tiers[id]; !ok {
			return notFound("tier", id)
		}
	}
	for id, level := range levels {
		t := m.tiers[id]
		t.Level = level
		m.tiers[id] = t
	}
	return nil
}

func (m *Store) SaveBenefit(ctx context.Context, b *rules.Benefit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.benefits[b.ID] = *b
	return nil
}

func (m *Store) GetBenefit(ctx context.Context, id string) (*rules.Benefit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.benefits[id]
	if !ok {
		return nil, notFound("benefit", id)
	}
	return &b, nil
}

func (m *Store) ListBenefits(ctx context.Context) ([]rules.Benefit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]rules.Benefit, 0, len(m.benefits))
	for _, b := range m.benefits {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Store) AttachBenefit(ctx context.Context, tb rules.TierBenefit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := tierBenefitKey{TierID: tb.TierID, BenefitID: tb.BenefitID}
	if _, exists := m.tierBenefits[k]; exists {
		return fmt.Errorf("benefit %s already attached to tier %s", tb.BenefitID, tb.TierID)
	}
	m.tierBenefits[k] = tb
	return nil
}

func (m *Store) DetachBenefit(ctx context.Context, tierID loyalty.TierID, benefitID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := tierBenefitKey{TierID: tierID, BenefitID: benefitID}
	if _, exists := m.tierBenefits[k]; !exists {
		return notFound("tier benefit", benefitID)
	}
	delete(m.tierBenefits, k)
	return nil
}

func (m *Store) TierBenefits(ctx context.Context, tierID loyalty.TierID) ([]rules.Benefit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []rules.Benefit
	for k, tb := range m.tierBenefits {
		if k.TierID != tierID || !tb.Active {
			continue
		}
		if b, ok := m.benefits[k.BenefitID]; ok && b.Active {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var _ rules.TierStore = (*Store)(nil)

// =============================================================================
// abuse.FlagStore
// =============================================================================

func (m *Store) SaveFlag(ctx context.Context, f *abuse.Flag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[f.ID] = *f
	return nil
}

func (m *Store) GetFlag(ctx context.Context, id abuse.FlagID) (*abuse.Flag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.flags[id]
	if !ok {
		return nil, notFound("flag", id)
	}
	return &f, nil
}

func (m *Store) ListFlags(ctx context.Context, filter abuse.Filter) ([]abuse.Flag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []abuse.Flag
	for _, f := range m.flags {
		if filter.UserID != nil && f.UserID != *filter.UserID {
			continue
		}
		if filter.Type != nil && f.Type != *filter.Type {
			continue
		}
		if filter.Status != nil && f.Status != *filter.Status {
			continue
		}
		if filter.Severity != nil && f.Severity != *filter.Severity {
			continue
		}
		if filter.IPAddress != nil && f.IPAddress != *filter.IPAddress {
			continue
		}
		if filter.DeviceFingerprint != nil && f.DeviceFingerprint != *filter.DeviceFingerprint {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

var _ abuse.FlagStore = (*Store)(nil)

// =============================================================================
// referral.SlotStore
// =============================================================================

func (m *Store) SaveConfig(ctx context.Context, c *referral.RewardConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[c.ID] = *c
	return nil
}

func (m *Store) GetConfig(ctx context.Context, id referral.ConfigID) (*referral.RewardConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.configs[id]
	if !ok {
		return nil, notFound("referral config", id)
	}
	return &c, nil
}

func (m *Store) ListConfigs(ctx context.Context) ([]referral.RewardConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]referral.RewardConfig, 0, len(m.configs))
	for _, c := range m.configs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Store) DeleteConfig(ctx context.Context, id referral.ConfigID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[id]; !ok {
		return notFound("referral config", id)
	}
	delete(m.configs, id)
	return nil
}

func (m *Store) SaveSlot(ctx context.Context, s *referral.SlotReward) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[s.ID] = *s
	return nil
}

func (m *Store) GetSlot(ctx context.Context, id referral.SlotID) (*referral.SlotReward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.slots[id]
	if !ok {
		return nil, notFound("slot", id)
	}
	return &s, nil
}

func (m *Store) ListSlots(ctx context.Context, configID referral.ConfigID) ([]referral.SlotReward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []referral.SlotReward
	for _, s := range m.slots {
		if s.ConfigID == configID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotNumber < out[j].SlotNumber })
	return out, nil
}

func (m *Store) DeleteSlot(ctx context.Context, id referral.SlotID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.slots[id]; !ok {
		return notFound("slot", id)
	}
	delete(m.slots, id)
	return nil
}

// DecrementSlotQuantity is the atomic acquire. Quantity can never go
// negative: the check and the decrement happen under one lock.
func (m *Store) DecrementSlotQuantity(ctx context.Context, id referral.SlotID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return false, notFound("slot", id)
	}
	if !s.Active || s.Quantity <= 0 {
		return false, nil
	}
	s.Quantity--
	m.slots[id] = s
	return true, nil
}

func (m *Store) IncrementSlotQuantity(ctx context.Context, id referral.SlotID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return notFound("slot", id)
	}
	s.Quantity++
	m.slots[id] = s
	return nil
}

var _ referral.SlotStore = (*Store)(nil)
