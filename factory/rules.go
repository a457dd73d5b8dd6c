/*
Package factory provides JSON to Go rule conversion and seed loading.

PURPOSE:
  Converts JSON rule definitions into rules.EarningRule, rules.ExpiryRule,
  rules.Tier, and referral configuration objects. This enables program
  configuration without code changes - marketing can define the earning
  ladder in JSON, and the factory creates the proper Go structs.

WHY JSON?
  - Non-developers can modify the program configuration
  - Easy integration with an admin UI
  - Version control for rule definitions
  - Database storage of rule configs

JSON SCHEMA:
  {
    "earning_rules": [
      {
        "id": "purchase-standard",
        "name": "Standard purchase earning",
        "source_type": "purchase",
        "points_per_unit": "1.5",
        "expiry_rule_id": "expire-12mo"
      }
    ],
    "expiry_rules": [
      {
        "id": "expire-12mo",
        "name": "12 months after earn",
        "expiry_type": "relative_duration",
        "expiry_mode": "months_after_earn",
        "duration_months": 12
      }
    ],
    "tiers": [
      {"id": "bronze", "name": "Bronze", "level": 1, "min_points": 0},
      {"id": "silver", "name": "Silver", "level": 2, "min_points": 1000}
    ],
    "referral": {
      "id": "referral-2026",
      "name": "Referral program",
      "min_purchase_amount": "25.00",
      "one_reward_per_user": true,
      "slots": [
        {"slot_number": 1, "reward_points": 500, "quantity": 100}
      ]
    }
  }

USAGE:
  seed, err := factory.ParseSeed(jsonBytes)
  ...
  err = factory.Apply(ctx, seed, ruleSvc, tierSvc, allocator)

SEE ALSO:
  - rules/earning.go, rules/expiry.go, rules/tier.go: Target types
  - referral/allocator.go: Referral config and slot types
  - cmd/server/main.go: Loads a seed file on startup when configured
*/
package factory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/referral"
	"github.com/warp/loyalty-engine/rules"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// SeedJSON is the top-level seed document.
type SeedJSON struct {
	EarningRules []EarningRuleJSON `json:"earning_rules,omitempty"`
	ExpiryRules  []ExpiryRuleJSON  `json:"expiry_rules,omitempty"`
	Tiers        []TierJSON        `json:"tiers,omitempty"`
	Benefits     []BenefitJSON     `json:"benefits,omitempty"`
	Referral     *ReferralJSON     `json:"referral,omitempty"`
}

// EarningRuleJSON is the JSON representation of an earning rule.
type EarningRuleJSON struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	SourceType    string `json:"source_type"`
	FlatAmount    int64  `json:"flat_amount,omitempty"`
	PointsPerUnit string `json:"points_per_unit,omitempty"` // decimal string, e.g. "1.5"
	Enabled       *bool  `json:"enabled,omitempty"`         // default true
	ExpiryRuleID  string `json:"expiry_rule_id,omitempty"`
}

// ExpiryRuleJSON is the JSON representation of an expiry rule.
type ExpiryRuleJSON struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	ExpiryType         string `json:"expiry_type"` // fixed_date, relative_duration
	ExpiryMode         string `json:"expiry_mode"`
	DurationDays       int    `json:"duration_days,omitempty"`
	DurationMonths     int    `json:"duration_months,omitempty"`
	NotifyBeforeExpiry bool   `json:"notify_before_expiry,omitempty"`
	Active             *bool  `json:"active,omitempty"` // default true
}

// TierJSON is the JSON representation of a tier.
type TierJSON struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Level     int      `json:"level"`
	MinPoints int64    `json:"min_points"`
	Active    *bool    `json:"active,omitempty"` // default true
	Benefits  []string `json:"benefits,omitempty"`
}

// BenefitJSON is the JSON representation of a benefit.
type BenefitJSON struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Active      *bool  `json:"active,omitempty"` // default true
}

// ReferralJSON is the JSON representation of the referral program.
type ReferralJSON struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	MinPurchaseAmount string     `json:"min_purchase_amount,omitempty"` // decimal string
	OneRewardPerUser  bool       `json:"one_reward_per_user,omitempty"`
	Enabled           *bool      `json:"enabled,omitempty"` // default true
	Slots             []SlotJSON `json:"slots,omitempty"`
}

// SlotJSON is the JSON representation of a referral slot.
type SlotJSON struct {
	SlotNumber   int   `json:"slot_number"`
	RewardPoints int64 `json:"reward_points"`
	Quantity     int   `json:"quantity"`
	Active       *bool `json:"active,omitempty"` // default true
}

// =============================================================================
// PARSING
// =============================================================================

// Seed is the parsed, validated form of a seed document.
type Seed struct {
	EarningRules []rules.EarningRule
	ExpiryRules  []rules.ExpiryRule
	Tiers        []rules.Tier
	Benefits     []rules.Benefit
	TierBenefits []rules.TierBenefit
	Referral     *referral.RewardConfig
	Slots        []referral.SlotReward
}

// ParseSeed parses a JSON seed document into domain structs. Validation of
// individual rules happens when the seed is applied through the services.
func ParseSeed(data []byte) (*Seed, error) {
	var sj SeedJSON
	if err := json.Unmarshal(data, &sj); err != nil {
		return nil, fmt.Errorf("failed to parse seed JSON: %w", err)
	}
	return FromJSON(sj)
}

// FromJSON converts SeedJSON into a Seed.
func FromJSON(sj SeedJSON) (*Seed, error) {
	seed := &Seed{}

	for _, ej := range sj.ExpiryRules {
		r, err := parseExpiryRule(ej)
		if err != nil {
			return nil, err
		}
		seed.ExpiryRules = append(seed.ExpiryRules, *r)
	}

	for _, rj := range sj.EarningRules {
		r, err := parseEarningRule(rj)
		if err != nil {
			return nil, err
		}
		seed.EarningRules = append(seed.EarningRules, *r)
	}

	for _, bj := range sj.Benefits {
		seed.Benefits = append(seed.Benefits, rules.Benefit{
			ID:          bj.ID,
			Name:        bj.Name,
			Description: bj.Description,
			Active:      boolOrDefault(bj.Active, true),
		})
	}

	for _, tj := range sj.Tiers {
		seed.Tiers = append(seed.Tiers, rules.Tier{
			ID:        loyalty.TierID(tj.ID),
			Name:      tj.Name,
			Level:     tj.Level,
			MinPoints: tj.MinPoints,
			Active:    boolOrDefault(tj.Active, true),
		})
		for _, benefitID := range tj.Benefits {
			seed.TierBenefits = append(seed.TierBenefits, rules.TierBenefit{
				TierID:    loyalty.TierID(tj.ID),
				BenefitID: benefitID,
				Active:    true,
			})
		}
	}

	if sj.Referral != nil {
		config, slots, err := parseReferral(*sj.Referral)
		if err != nil {
			return nil, err
		}
		seed.Referral = config
		seed.Slots = slots
	}

	return seed, nil
}

func parseEarningRule(rj EarningRuleJSON) (*rules.EarningRule, error) {
	perUnit := decimal.Zero
	if rj.PointsPerUnit != "" {
		var err error
		perUnit, err = decimal.NewFromString(rj.PointsPerUnit)
		if err != nil {
			return nil, fmt.Errorf("earning rule %s: invalid points_per_unit %q: %w", rj.ID, rj.PointsPerUnit, err)
		}
	}
	return &rules.EarningRule{
		ID:            loyalty.RuleID(rj.ID),
		Name:          rj.Name,
		SourceType:    loyalty.SourceType(rj.SourceType),
		FlatAmount:    rj.FlatAmount,
		PointsPerUnit: perUnit,
		Enabled:       boolOrDefault(rj.Enabled, true),
		ExpiryRuleID:  rules.ExpiryRuleID(rj.ExpiryRuleID),
	}, nil
}

func parseExpiryRule(ej ExpiryRuleJSON) (*rules.ExpiryRule, error) {
	r := &rules.ExpiryRule{
		ID:                 rules.ExpiryRuleID(ej.ID),
		Name:               ej.Name,
		Type:               rules.ExpiryType(ej.ExpiryType),
		Mode:               rules.ExpiryMode(ej.ExpiryMode),
		DurationDays:       ej.DurationDays,
		DurationMonths:     ej.DurationMonths,
		NotifyBeforeExpiry: ej.NotifyBeforeExpiry,
		Active:             boolOrDefault(ej.Active, true),
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("expiry rule %s: %w", ej.ID, err)
	}
	return r, nil
}

func parseReferral(rj ReferralJSON) (*referral.RewardConfig, []referral.SlotReward, error) {
	minPurchase := decimal.Zero
	if rj.MinPurchaseAmount != "" {
		var err error
		minPurchase, err = decimal.NewFromString(rj.MinPurchaseAmount)
		if err != nil {
			return nil, nil, fmt.Errorf("referral %s: invalid min_purchase_amount %q: %w", rj.ID, rj.MinPurchaseAmount, err)
		}
	}
	config := &referral.RewardConfig{
		ID:                referral.ConfigID(rj.ID),
		Name:              rj.Name,
		MinPurchaseAmount: minPurchase,
		OneRewardPerUser:  rj.OneRewardPerUser,
		Enabled:           boolOrDefault(rj.Enabled, true),
	}

	var slots []referral.SlotReward
	for _, slotJSON := range rj.Slots {
		slots = append(slots, referral.SlotReward{
			ConfigID:     config.ID,
			SlotNumber:   slotJSON.SlotNumber,
			RewardPoints: slotJSON.RewardPoints,
			Quantity:     slotJSON.Quantity,
			Active:       boolOrDefault(slotJSON.Active, true),
		})
	}
	return config, slots, nil
}

func boolOrDefault(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// =============================================================================
// APPLY
// =============================================================================

// Apply writes a seed through the services so every rule goes through the
// same validation as API writes. Re-applying the same seed is safe: rules
// and configs upsert by ID, tiers update in place, and slots or benefit
// attachments that already exist are skipped.
func Apply(ctx context.Context, seed *Seed, ruleSvc *rules.Service, tierSvc *rules.TierService, alloc *referral.Allocator) error {
	for i := range seed.ExpiryRules {
		if err := ruleSvc.CreateExpiryRule(ctx, &seed.ExpiryRules[i]); err != nil {
			return fmt.Errorf("failed to seed expiry rule %s: %w", seed.ExpiryRules[i].ID, err)
		}
	}
	for i := range seed.EarningRules {
		if err := ruleSvc.CreateEarningRule(ctx, &seed.EarningRules[i]); err != nil {
			return fmt.Errorf("failed to seed earning rule %s: %w", seed.EarningRules[i].ID, err)
		}
	}
	for i := range seed.Benefits {
		if err := tierSvc.CreateBenefit(ctx, &seed.Benefits[i]); err != nil {
			return fmt.Errorf("failed to seed benefit %s: %w", seed.Benefits[i].ID, err)
		}
	}
	for i := range seed.Tiers {
		t := &seed.Tiers[i]
		err := tierSvc.UpdateTier(ctx, t)
		if errors.Is(err, loyalty.ErrNotFound) {
			err = tierSvc.CreateTier(ctx, t)
		}
		if err != nil {
			return fmt.Errorf("failed to seed tier %s: %w", t.ID, err)
		}
	}
	for _, tb := range seed.TierBenefits {
		attached, err := tierSvc.TierBenefits(ctx, tb.TierID)
		if err != nil {
			return err
		}
		if hasBenefit(attached, tb.BenefitID) {
			continue
		}
		if err := tierSvc.AttachBenefit(ctx, tb.TierID, tb.BenefitID); err != nil {
			return fmt.Errorf("failed to attach benefit %s to tier %s: %w", tb.BenefitID, tb.TierID, err)
		}
	}
	if seed.Referral != nil {
		if err := alloc.CreateConfig(ctx, seed.Referral); err != nil {
			return fmt.Errorf("failed to seed referral config %s: %w", seed.Referral.ID, err)
		}
		existing, err := alloc.ListSlots(ctx, seed.Referral.ID)
		if err != nil {
			return err
		}
		for i := range seed.Slots {
			slot := &seed.Slots[i]
			slot.ConfigID = seed.Referral.ID
			if hasSlotNumber(existing, slot.SlotNumber) {
				continue
			}
			if err := alloc.CreateSlot(ctx, slot); err != nil {
				return fmt.Errorf("failed to seed referral slot %d: %w", slot.SlotNumber, err)
			}
		}
	}
	return nil
}

func hasBenefit(benefits []rules.Benefit, id string) bool {
	for _, b := range benefits {
		if b.ID == id {
			return true
		}
	}
	return false
}

func hasSlotNumber(slots []referral.SlotReward, n int) bool {
	for _, s := range slots {
		if s.SlotNumber == n {
			return true
		}
	}
	return false
}
