/*
service.go - Rule store contracts and the admin/ledger-facing services

PURPOSE:
  Service owns earning and expiry rule CRUD plus the two questions the
  ledger asks: how many points does a source event earn, and when do
  they lapse. TierService owns the tier hierarchy, benefits, and
  implements loyalty.TierDirectory for the ledger.

STORE CONTRACTS:
  The services accept small store interfaces and are exercised against
  both the in-memory store and SQLite. No cross-entity invariant lives in
  the store; uniqueness and hierarchy checks happen here before writes.
*/
package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// STORE CONTRACTS
// =============================================================================

type RuleStore interface {
	SaveEarningRule(ctx context.Context, r *EarningRule) error
	GetEarningRule(ctx context.Context, id loyalty.RuleID) (*EarningRule, error)
	ListEarningRules(ctx context.Context) ([]EarningRule, error)
	EarningRulesBySource(ctx context.Context, source loyalty.SourceType) ([]EarningRule, error)
	DeleteEarningRule(ctx context.Context, id loyalty.RuleID) error

	SaveExpiryRule(ctx context.Context, r *ExpiryRule) error
	GetExpiryRule(ctx context.Context, id ExpiryRuleID) (*ExpiryRule, error)
	ListExpiryRules(ctx context.Context) ([]ExpiryRule, error)
	ExpiryRulesByMode(ctx context.Context, typ ExpiryType, mode ExpiryMode) ([]ExpiryRule, error)
	DeleteExpiryRule(ctx context.Context, id ExpiryRuleID) error
}

type TierStore interface {
	SaveTier(ctx context.Context, t *Tier) error
	GetTier(ctx context.Context, id loyalty.TierID) (*Tier, error)
	ListTiers(ctx context.Context) ([]Tier, error)
	DeleteTier(ctx context.Context, id loyalty.TierID) error

	// ReplaceTierLevels reassigns levels atomically: either every tier in
	// the map updates or none do.
	ReplaceTierLevels(ctx context.Context, levels map[loyalty.TierID]int) error

	SaveBenefit(ctx context.Context, b *Benefit) error
	GetBenefit(ctx context.Context, id string) (*Benefit, error)
	ListBenefits(ctx context.Context) ([]Benefit, error)

	// AttachBenefit rejects a duplicate (tier, benefit) pair.
	AttachBenefit(ctx context.Context, tb TierBenefit) error
	DetachBenefit(ctx context.Context, tierID loyalty.TierID, benefitID string) error
	TierBenefits(ctx context.Context, tierID loyalty.TierID) ([]Benefit, error)
}

// =============================================================================
// RULE SERVICE
// =============================================================================

type Service struct {
	Store RuleStore

	now func() time.Time
}

func NewService(store RuleStore) *Service {
	return &Service{Store: store, now: time.Now}
}

// CreateEarningRule validates and persists a rule. A linked expiry rule
// must exist.
func (s *Service) CreateEarningRule(ctx context.Context, r *EarningRule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ExpiryRuleID != "" {
		if _, err := s.Store.GetExpiryRule(ctx, r.ExpiryRuleID); err != nil {
			return fmt.Errorf("expiry rule %s: %w", r.ExpiryRuleID, err)
		}
	}
	now := s.now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	return s.Store.SaveEarningRule(ctx, r)
}

func (s *Service) UpdateEarningRule(ctx context.Context, r *EarningRule) error {
	if _, err := s.Store.GetEarningRule(ctx, r.ID); err != nil {
		return err
	}
	return s.CreateEarningRule(ctx, r)
}

func (s *Service) GetEarningRule(ctx context.Context, id loyalty.RuleID) (*EarningRule, error) {
	return s.Store.GetEarningRule(ctx, id)
}

func (s *Service) ListEarningRules(ctx context.Context) ([]EarningRule, error) {
	return s.Store.ListEarningRules(ctx)
}

func (s *Service) DeleteEarningRule(ctx context.Context, id loyalty.RuleID) error {
	return s.Store.DeleteEarningRule(ctx, id)
}

// PointsFor returns the first enabled rule for the source and the points
// it awards for the qualifying amount. ErrNotFound when no enabled rule
// covers the source.
func (s *Service) PointsFor(ctx context.Context, source loyalty.SourceType, amount decimal.Decimal) (*EarningRule, int64, error) {
	candidates, err := s.Store.EarningRulesBySource(ctx, source)
	if err != nil {
		return nil, 0, err
	}
	for i := range candidates {
		if candidates[i].Enabled {
			r := candidates[i]
			return &r, r.Points(amount), nil
		}
	}
	return nil, 0, fmt.Errorf("%w: no enabled earning rule for source %q", loyalty.ErrNotFound, string(source))
}

func (s *Service) CreateExpiryRule(ctx context.Context, r *ExpiryRule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	now := s.now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	return s.Store.SaveExpiryRule(ctx, r)
}

func (s *Service) UpdateExpiryRule(ctx context.Context, r *ExpiryRule) error {
	if _, err := s.Store.GetExpiryRule(ctx, r.ID); err != nil {
		return err
	}
	return s.CreateExpiryRule(ctx, r)
}

func (s *Service) GetExpiryRule(ctx context.Context, id ExpiryRuleID) (*ExpiryRule, error) {
	return s.Store.GetExpiryRule(ctx, id)
}

func (s *Service) ListExpiryRules(ctx context.Context) ([]ExpiryRule, error) {
	return s.Store.ListExpiryRules(ctx)
}

// ExpiryRulesByMode looks rules up by type and calendar mode. A zero
// value for either field matches any.
func (s *Service) ExpiryRulesByMode(ctx context.Context, typ ExpiryType, mode ExpiryMode) ([]ExpiryRule, error) {
	return s.Store.ExpiryRulesByMode(ctx, typ, mode)
}

func (s *Service) DeleteExpiryRule(ctx context.Context, id ExpiryRuleID) error {
	return s.Store.DeleteExpiryRule(ctx, id)
}

// PlanExpiry implements loyalty.ExpiryPlanner. A rule without an expiry
// link, or with an inactive expiry rule, yields points that never lapse;
// an earn is never blocked by a disabled expiry configuration.
func (s *Service) PlanExpiry(ctx context.Context, ruleID loyalty.RuleID, earnedAt time.Time) (*time.Time, error) {
	rule, err := s.Store.GetEarningRule(ctx, ruleID)
	if err != nil {
		if loyalty.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if rule.ExpiryRuleID == "" {
		return nil, nil
	}
	expiry, err := s.Store.GetExpiryRule(ctx, rule.ExpiryRuleID)
	if err != nil {
		if loyalty.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if !expiry.Active {
		return nil, nil
	}
	at, err := CalculateExpiryDate(*expiry, earnedAt)
	if err != nil {
		return nil, err
	}
	return &at, nil
}

var _ loyalty.ExpiryPlanner = (*Service)(nil)

// =============================================================================
// TIER SERVICE
// =============================================================================

type TierService struct {
	Store TierStore

	now func() time.Time
}

func NewTierService(store TierStore) *TierService {
	return &TierService{Store: store, now: time.Now}
}

// CreateTier validates the prospective hierarchy before persisting.
func (ts *TierService) CreateTier(ctx context.Context, t *Tier) error {
	return ts.saveValidated(ctx, t, false)
}

func (ts *TierService) UpdateTier(ctx context.Context, t *Tier) error {
	if _, err := ts.Store.GetTier(ctx, t.ID); err != nil {
		return err
	}
	return ts.saveValidated(ctx, t, true)
}

func (ts *TierService) saveValidated(ctx context.Context, t *Tier, replace bool) error {
	existing, err := ts.Store.ListTiers(ctx)
	if err != nil {
		return err
	}
	prospective := make([]Tier, 0, len(existing)+1)
	for _, e := range existing {
		if replace && e.ID == t.ID {
			continue
		}
		prospective = append(prospective, e)
	}
	prospective = append(prospective, *t)
	if err := ValidateHierarchy(prospective); err != nil {
		return err
	}

	now := ts.now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	return ts.Store.SaveTier(ctx, t)
}

func (ts *TierService) GetTier(ctx context.Context, id loyalty.TierID) (*Tier, error) {
	return ts.Store.GetTier(ctx, id)
}

func (ts *TierService) ListTiers(ctx context.Context) ([]Tier, error) {
	return ts.Store.ListTiers(ctx)
}

func (ts *TierService) DeleteTier(ctx context.Context, id loyalty.TierID) error {
	return ts.Store.DeleteTier(ctx, id)
}

// ReorderTiers reassigns levels 1..N in the given sequence, atomically.
// Every existing tier must appear exactly once, and the resulting
// hierarchy must still be monotonic.
func (ts *TierService) ReorderTiers(ctx context.Context, orderedIDs []loyalty.TierID) error {
	existing, err := ts.Store.ListTiers(ctx)
	if err != nil {
		return err
	}
	if len(orderedIDs) != len(existing) {
		return fmt.Errorf("%w: reorder must include all %d tiers", loyalty.ErrTierHierarchyViolation, len(existing))
	}

	byID := make(map[loyalty.TierID]Tier, len(existing))
	for _, t := range existing {
		byID[t.ID] = t
	}

	levels := make(map[loyalty.TierID]int, len(orderedIDs))
	prospective := make([]Tier, 0, len(orderedIDs))
	for i, id := range orderedIDs {
		t, ok := byID[id]
		if !ok {
			return fmt.Errorf("%w: tier %s", loyalty.ErrTierNotFound, id)
		}
		if _, dup := levels[id]; dup {
			return fmt.Errorf("%w: tier %s listed twice", loyalty.ErrTierHierarchyViolation, id)
		}
		t.Level = i + 1
		levels[id] = i + 1
		prospective = append(prospective, t)
	}
	if err := ValidateHierarchy(prospective); err != nil {
		return err
	}

	return ts.Store.ReplaceTierLevels(ctx, levels)
}

func (ts *TierService) CreateBenefit(ctx context.Context, b *Benefit) error {
	return ts.Store.SaveBenefit(ctx, b)
}

func (ts *TierService) ListBenefits(ctx context.Context) ([]Benefit, error) {
	return ts.Store.ListBenefits(ctx)
}

// AttachBenefit links a benefit to a tier. The (tier, benefit) pair is
// unique; reattaching fails in the store.
func (ts *TierService) AttachBenefit(ctx context.Context, tierID loyalty.TierID, benefitID string) error {
	if _, err := ts.Store.GetTier(ctx, tierID); err != nil {
		return err
	}
	if _, err := ts.Store.GetBenefit(ctx, benefitID); err != nil {
		return err
	}
	return ts.Store.AttachBenefit(ctx, TierBenefit{TierID: tierID, BenefitID: benefitID, Active: true})
}

func (ts *TierService) DetachBenefit(ctx context.Context, tierID loyalty.TierID, benefitID string) error {
	return ts.Store.DetachBenefit(ctx, tierID, benefitID)
}

func (ts *TierService) TierBenefits(ctx context.Context, tierID loyalty.TierID) ([]Benefit, error) {
	return ts.Store.TierBenefits(ctx, tierID)
}

// Resolve returns the tier unlocked by the given points, or nil.
func (ts *TierService) Resolve(ctx context.Context, points int64) (*Tier, error) {
	tiers, err := ts.Store.ListTiers(ctx)
	if err != nil {
		return nil, err
	}
	return ResolveTier(tiers, points), nil
}

// =============================================================================
// loyalty.TierDirectory
// =============================================================================

func (ts *TierService) CurrentTierFor(ctx context.Context, points int64) (*loyalty.TierID, error) {
	tier, err := ts.Resolve(ctx, points)
	if err != nil || tier == nil {
		return nil, err
	}
	id := tier.ID
	return &id, nil
}

func (ts *TierService) EnsureTierActive(ctx context.Context, id loyalty.TierID) error {
	tier, err := ts.Store.GetTier(ctx, id)
	if err != nil {
		if loyalty.IsNotFound(err) {
			return fmt.Errorf("%w: %s", loyalty.ErrTierNotFound, id)
		}
		return err
	}
	if !tier.Active {
		return fmt.Errorf("%w: %s", loyalty.ErrTierInactive, id)
	}
	return nil
}

var _ loyalty.TierDirectory = (*TierService)(nil)
