/*
tier.go - Tier hierarchy, resolution, and benefits

PURPOSE:
  Tiers are ordered threshold levels unlocked by available points. The
  hierarchy invariant: among active tiers, a higher level always has a
  strictly higher minimum. Violations are rejected at create/update/
  reorder time, never discovered at resolution time.

RESOLUTION:
  resolveTier picks the active tier with the highest MinPoints <= points.
  If two active tiers were somehow misconfigured with equal MinPoints
  (the hierarchy invariant forbids this), the higher level wins.

BENEFITS:
  Benefits associate with tiers many-to-many, each association with its
  own active flag and a unique (tier, benefit) pair. Membership is never
  grandfathered: a downgraded user simply stops matching the higher
  tier's benefits.
*/
package rules

import (
	"sort"
	"time"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// TIER
// =============================================================================

type Tier struct {
	ID        loyalty.TierID
	Name      string
	Level     int // ordered, unique among all tiers
	MinPoints int64
	Active    bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

type Benefit struct {
	ID          string
	Name        string
	Description string
	Active      bool
}

// TierBenefit is the many-to-many association row.
type TierBenefit struct {
	TierID    loyalty.TierID
	BenefitID string
	Active    bool
}

// =============================================================================
// RESOLUTION
// =============================================================================

// ResolveTier returns the active tier with the highest MinPoints <= points,
// or nil when points is below every active threshold.
func ResolveTier(tiers []Tier, points int64) *Tier {
	var best *Tier
	for i := range tiers {
		t := &tiers[i]
		if !t.Active || t.MinPoints > points {
			continue
		}
		if best == nil || t.MinPoints > best.MinPoints ||
			(t.MinPoints == best.MinPoints && t.Level > best.Level) {
			best = t
		}
	}
	if best == nil {
		return nil
	}
	out := *best
	return &out
}

// =============================================================================
// HIERARCHY VALIDATION
// =============================================================================

// ValidateHierarchy rejects any tier set where a lower level has a
// MinPoints >= a higher active level's MinPoints, or where levels repeat.
func ValidateHierarchy(tiers []Tier) error {
	byLevel := make(map[int]loyalty.TierID, len(tiers))
	for _, t := range tiers {
		if other, ok := byLevel[t.Level]; ok {
			return &loyalty.HierarchyViolationError{
				LowerTier: other, LowerLevel: t.Level,
				UpperTier: t.ID, UpperLevel: t.Level,
			}
		}
		byLevel[t.Level] = t.ID
	}

	active := make([]Tier, 0, len(tiers))
	for _, t := range tiers {
		if t.Active {
			active = append(active, t)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Level < active[j].Level })

	for i := 1; i < len(active); i++ {
		lo, hi := active[i-1], active[i]
		if lo.MinPoints >= hi.MinPoints {
			return &loyalty.HierarchyViolationError{
				LowerTier: lo.ID, LowerLevel: lo.Level, LowerMin: lo.MinPoints,
				UpperTier: hi.ID, UpperLevel: hi.Level, UpperMin: hi.MinPoints,
			}
		}
	}
	return nil
}
