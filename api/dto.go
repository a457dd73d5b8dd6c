/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Balance:
    BalanceDTO, HistoryEntryDTO

  Points operations:
    EarnRequest, ConfirmRequest, RedeemRequest, ReverseRequest

  Rules:
    EarningRuleDTO, ExpiryRuleDTO (request and response shape)

  Tiers:
    TierDTO, BenefitDTO, ReorderTiersRequest

  Referral:
    ReferralConfigDTO, SlotDTO, AllocateRequest, AllocationDTO

  Abuse:
    FlagDTO, OpenFlagRequest, ReviewRequest, ResolveRequest

VALIDATION:
  Validation is done in handlers and domain services, not in DTOs.
  DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/rules.go: Seed document JSON types
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/warp/loyalty-engine/abuse"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/referral"
	"github.com/warp/loyalty-engine/rules"
)

// =============================================================================
// BALANCE AND HISTORY
// =============================================================================

// BalanceDTO represents a user's balance in API responses.
type BalanceDTO struct {
	UserID            string  `json:"user_id"`
	Available         int64   `json:"available_points"`
	Pending           int64   `json:"pending_points"`
	LifetimeEarned    int64   `json:"lifetime_earned"`
	LifetimeRedeemed  int64   `json:"lifetime_redeemed"`
	CurrentTierID     *string `json:"current_tier_id,omitempty"`
	LastTransactionAt string  `json:"last_transaction_at"`
}

func toBalanceDTO(b *loyalty.Balance) BalanceDTO {
	dto := BalanceDTO{
		UserID:            string(b.UserID),
		Available:         b.Available,
		Pending:           b.Pending,
		LifetimeEarned:    b.LifetimeEarned,
		LifetimeRedeemed:  b.LifetimeRedeemed,
		LastTransactionAt: b.LastTransactionAt.Format(time.RFC3339),
	}
	if b.CurrentTierID != nil {
		id := string(*b.CurrentTierID)
		dto.CurrentTierID = &id
	}
	return dto
}

// HistoryEntryDTO represents one ledger entry in API responses.
type HistoryEntryDTO struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	Type           string `json:"type"`
	Amount         int64  `json:"amount"`
	SourceType     string `json:"source_type,omitempty"`
	SourceID       string `json:"source_id,omitempty"`
	RuleID         string `json:"rule_id,omitempty"`
	ReferenceID    string `json:"reference_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	ExpiresAt      string `json:"expires_at,omitempty"`
	CreatedAt      string `json:"created_at"`
}

func toHistoryEntryDTO(e loyalty.HistoryEntry) HistoryEntryDTO {
	dto := HistoryEntryDTO{
		ID:             string(e.ID),
		UserID:         string(e.UserID),
		Type:           string(e.Type),
		Amount:         e.Amount,
		SourceType:     string(e.SourceType),
		SourceID:       e.SourceID,
		RuleID:         string(e.RuleID),
		ReferenceID:    string(e.ReferenceID),
		IdempotencyKey: e.IdempotencyKey,
		CreatedAt:      e.CreatedAt.Format(time.RFC3339),
	}
	if e.ExpiresAt != nil {
		dto.ExpiresAt = e.ExpiresAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// POINTS OPERATIONS
// =============================================================================

// EarnRequest records pending points for a user. Points are derived from
// the earning rule matching source_type unless an explicit points value
// is supplied.
type EarnRequest struct {
	SourceType     string `json:"source_type"`
	SourceID       string `json:"source_id"`
	Amount         string `json:"amount,omitempty"` // qualifying monetary amount, decimal string
	Points         int64  `json:"points,omitempty"` // explicit override, skips rule lookup
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ConfirmRequest moves points from pending to available.
type ConfirmRequest struct {
	Points int64 `json:"points"`
}

// RedeemRequest deducts available points.
type RedeemRequest struct {
	Points int64 `json:"points"`
}

// ReverseRequest rolls back pending points from a cancelled earn.
type ReverseRequest struct {
	Points      int64  `json:"points"`
	EarnEntryID string `json:"earn_entry_id"`
}

// =============================================================================
// RULES
// =============================================================================

// EarningRuleDTO is the request and response shape for earning rules.
type EarningRuleDTO struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	SourceType    string `json:"source_type"`
	FlatAmount    int64  `json:"flat_amount,omitempty"`
	PointsPerUnit string `json:"points_per_unit,omitempty"`
	Enabled       bool   `json:"enabled"`
	ExpiryRuleID  string `json:"expiry_rule_id,omitempty"`
	CreatedAt     string `json:"created_at,omitempty"`
	UpdatedAt     string `json:"updated_at,omitempty"`
}

func toEarningRuleDTO(r rules.EarningRule) EarningRuleDTO {
	return EarningRuleDTO{
		ID:            string(r.ID),
		Name:          r.Name,
		SourceType:    string(r.SourceType),
		FlatAmount:    r.FlatAmount,
		PointsPerUnit: r.PointsPerUnit.String(),
		Enabled:       r.Enabled,
		ExpiryRuleID:  string(r.ExpiryRuleID),
		CreatedAt:     r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     r.UpdatedAt.Format(time.RFC3339),
	}
}

// ExpiryRuleDTO is the request and response shape for expiry rules.
type ExpiryRuleDTO struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	ExpiryType         string `json:"expiry_type"`
	ExpiryMode         string `json:"expiry_mode"`
	DurationDays       int    `json:"duration_days,omitempty"`
	DurationMonths     int    `json:"duration_months,omitempty"`
	NotifyBeforeExpiry bool   `json:"notify_before_expiry,omitempty"`
	Active             bool   `json:"active"`
	CreatedAt          string `json:"created_at,omitempty"`
	UpdatedAt          string `json:"updated_at,omitempty"`
}

func toExpiryRuleDTO(r rules.ExpiryRule) ExpiryRuleDTO {
	return ExpiryRuleDTO{
		ID:                 string(r.ID),
		Name:               r.Name,
		ExpiryType:         string(r.Type),
		ExpiryMode:         string(r.Mode),
		DurationDays:       r.DurationDays,
		DurationMonths:     r.DurationMonths,
		NotifyBeforeExpiry: r.NotifyBeforeExpiry,
		Active:             r.Active,
		CreatedAt:          r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          r.UpdatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// TIERS
// =============================================================================

// TierDTO is the request and response shape for tiers.
type TierDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Level     int    `json:"level"`
	MinPoints int64  `json:"min_points"`
	Active    bool   `json:"active"`
}

func toTierDTO(t rules.Tier) TierDTO {
	return TierDTO{
		ID:        string(t.ID),
		Name:      t.Name,
		Level:     t.Level,
		MinPoints: t.MinPoints,
		Active:    t.Active,
	}
}

// BenefitDTO is the request and response shape for benefits.
type BenefitDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Active      bool   `json:"active"`
}

func toBenefitDTO(b rules.Benefit) BenefitDTO {
	return BenefitDTO{ID: b.ID, Name: b.Name, Description: b.Description, Active: b.Active}
}

// ReorderTiersRequest reassigns tier levels in the given order.
type ReorderTiersRequest struct {
	TierIDs []string `json:"tier_ids"`
}

// =============================================================================
// REFERRAL
// =============================================================================

// ReferralConfigDTO is the request and response shape for referral configs.
type ReferralConfigDTO struct {
	ID                string `json:"id,omitempty"`
	Name              string `json:"name"`
	MinPurchaseAmount string `json:"min_purchase_amount,omitempty"`
	OneRewardPerUser  bool   `json:"one_reward_per_user"`
	Enabled           bool   `json:"enabled"`
}

func toReferralConfigDTO(c referral.RewardConfig) ReferralConfigDTO {
	return ReferralConfigDTO{
		ID:                string(c.ID),
		Name:              c.Name,
		MinPurchaseAmount: c.MinPurchaseAmount.String(),
		OneRewardPerUser:  c.OneRewardPerUser,
		Enabled:           c.Enabled,
	}
}

// SlotDTO is the request and response shape for referral slots.
type SlotDTO struct {
	ID           string `json:"id,omitempty"`
	ConfigID     string `json:"config_id"`
	SlotNumber   int    `json:"slot_number"`
	RewardPoints int64  `json:"reward_points"`
	Quantity     int    `json:"quantity"`
	Active       bool   `json:"active"`
}

func toSlotDTO(s referral.SlotReward) SlotDTO {
	return SlotDTO{
		ID:           string(s.ID),
		ConfigID:     string(s.ConfigID),
		SlotNumber:   s.SlotNumber,
		RewardPoints: s.RewardPoints,
		Quantity:     s.Quantity,
		Active:       s.Active,
	}
}

// AllocateRequest asks for a referral reward for the referrer.
type AllocateRequest struct {
	ReferrerID     string `json:"referrer_id"`
	PurchaseAmount string `json:"purchase_amount"` // decimal string
}

// AllocationDTO is the successful allocation outcome.
type AllocationDTO struct {
	Slot    SlotDTO    `json:"slot"`
	Balance BalanceDTO `json:"balance"`
}

// =============================================================================
// ABUSE FLAGS
// =============================================================================

// FlagDTO represents an abuse flag in API responses.
type FlagDTO struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	Type              string          `json:"type"`
	Details           json.RawMessage `json:"details"`
	Severity          string          `json:"severity"`
	Status            string          `json:"status"`
	ReviewedBy        string          `json:"reviewed_by,omitempty"`
	ReviewNotes       string          `json:"review_notes,omitempty"`
	ActionTaken       string          `json:"action_taken,omitempty"`
	FlagValid         *bool           `json:"flag_valid,omitempty"`
	IPAddress         string          `json:"ip_address,omitempty"`
	DeviceFingerprint string          `json:"device_fingerprint,omitempty"`
	CreatedAt         string          `json:"created_at"`
	UpdatedAt         string          `json:"updated_at"`
}

func toFlagDTO(f abuse.Flag) (FlagDTO, error) {
	details, err := abuse.EncodeDetails(f.Details)
	if err != nil {
		return FlagDTO{}, err
	}
	return FlagDTO{
		ID:                string(f.ID),
		UserID:            string(f.UserID),
		Type:              string(f.Type),
		Details:           details,
		Severity:          string(f.Severity),
		Status:            string(f.Status),
		ReviewedBy:        f.ReviewedBy,
		ReviewNotes:       f.ReviewNotes,
		ActionTaken:       f.ActionTaken,
		FlagValid:         f.FlagValid,
		IPAddress:         f.IPAddress,
		DeviceFingerprint: f.DeviceFingerprint,
		CreatedAt:         f.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         f.UpdatedAt.Format(time.RFC3339),
	}, nil
}

// OpenFlagRequest opens a new abuse flag.
type OpenFlagRequest struct {
	UserID            string          `json:"user_id"`
	Type              string          `json:"type"`
	Details           json.RawMessage `json:"details"`
	Severity          string          `json:"severity"`
	IPAddress         string          `json:"ip_address,omitempty"`
	DeviceFingerprint string          `json:"device_fingerprint,omitempty"`
}

// ReviewRequest marks a flag as under review.
type ReviewRequest struct {
	ReviewerID string `json:"reviewer_id"`
	Notes      string `json:"notes,omitempty"`
}

// ResolveRequest closes a flag with a verdict.
type ResolveRequest struct {
	ReviewerID string `json:"reviewer_id"`
	Notes      string `json:"notes,omitempty"`
	Valid      bool   `json:"valid"`
	Action     string `json:"action,omitempty"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
