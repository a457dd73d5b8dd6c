/*
Package abuse provides the fraud-flag record and its review workflow.

PURPOSE:
  Fraud-detection heuristics outside this core create flags; reviewers
  move them through a small state machine before any points action is
  trusted for the flagged user.

STATE MACHINE:
  pending -> reviewed -> resolved
                      -> dismissed
  pending ------------> resolved | dismissed

  reviewed requires a reviewer and notes. resolved additionally records
  whether the flag was valid and the action taken. dismissed requires
  notes but no action. resolved and dismissed are terminal; transitions
  out of them fail with ErrInvalidStateTransition.

DETAILS PAYLOAD:
  Flag details are rule-specific. Each flag type owns one payload shape,
  validated at the workflow boundary before storage; unknown types are
  rejected, never passed through.

SEE ALSO:
  - workflow.go: The review operations and lookups
*/
package abuse

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// IDENTIFIERS AND ENUMS
// =============================================================================

type FlagID string

func NewFlagID() FlagID { return FlagID(uuid.NewString()) }

type FlagType string

const (
	TypeVelocity       FlagType = "velocity"        // Too many earns too fast
	TypeReferralRing   FlagType = "referral_ring"   // Self-referral clusters
	TypeAccountFarming FlagType = "account_farming" // Linked accounts on one device
	TypePaymentAbuse   FlagType = "payment_abuse"   // Chargeback after earning
)

func ValidFlagType(t FlagType) bool {
	switch t {
	case TypeVelocity, TypeReferralRing, TypeAccountFarming, TypePaymentAbuse:
		return true
	}
	return false
}

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func ValidSeverity(s Severity) bool {
	return s == SeverityLow || s == SeverityMedium || s == SeverityHigh
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusReviewed  Status = "reviewed"
	StatusResolved  Status = "resolved"
	StatusDismissed Status = "dismissed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == StatusResolved || s == StatusDismissed }

// canTransition is the single source of truth for the state machine.
func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusReviewed || to == StatusResolved || to == StatusDismissed
	case StatusReviewed:
		return to == StatusResolved || to == StatusDismissed
	}
	return false
}

// =============================================================================
// DETAILS - One payload shape per flag type
// =============================================================================

// Details is the tagged variant carried by a flag. Exactly one concrete
// type exists per FlagType.
type Details interface {
	FlagType() FlagType
	Validate() error
}

// VelocityDetails: earn events arriving faster than the heuristic allows.
type VelocityDetails struct {
	WindowMinutes int   `json:"window_minutes"`
	EarnCount     int   `json:"earn_count"`
	Points        int64 `json:"points"`
}

func (VelocityDetails) FlagType() FlagType { return TypeVelocity }
func (d VelocityDetails) Validate() error {
	if d.WindowMinutes <= 0 || d.EarnCount <= 0 {
		return fmt.Errorf("velocity details require a positive window and count")
	}
	return nil
}

// ReferralRingDetails: referrals circling back to the referrer.
type ReferralRingDetails struct {
	ReferrerID loyalty.UserID `json:"referrer_id"`
	SignupIPs  []string       `json:"signup_ips"`
	SharedHint string         `json:"shared_hint,omitempty"`
}

func (ReferralRingDetails) FlagType() FlagType { return TypeReferralRing }
func (d ReferralRingDetails) Validate() error {
	if d.ReferrerID == "" {
		return fmt.Errorf("referral ring details require a referrer")
	}
	return nil
}

// AccountFarmingDetails: multiple accounts sharing a device fingerprint.
type AccountFarmingDetails struct {
	LinkedUserIDs     []loyalty.UserID `json:"linked_user_ids"`
	DeviceFingerprint string           `json:"device_fingerprint"`
}

func (AccountFarmingDetails) FlagType() FlagType { return TypeAccountFarming }
func (d AccountFarmingDetails) Validate() error {
	if len(d.LinkedUserIDs) == 0 {
		return fmt.Errorf("account farming details require linked accounts")
	}
	return nil
}

// PaymentAbuseDetails: points earned on a later-reversed payment.
type PaymentAbuseDetails struct {
	OrderID         string          `json:"order_id"`
	Amount          decimal.Decimal `json:"amount"`
	ChargebackCount int             `json:"chargeback_count"`
}

func (PaymentAbuseDetails) FlagType() FlagType { return TypePaymentAbuse }
func (d PaymentAbuseDetails) Validate() error {
	if d.OrderID == "" {
		return fmt.Errorf("payment abuse details require an order id")
	}
	return nil
}

// DecodeDetails parses the stored payload for a flag type. Exhaustive
// over known types; anything else is rejected at the boundary.
func DecodeDetails(t FlagType, raw json.RawMessage) (Details, error) {
	switch t {
	case TypeVelocity:
		var d VelocityDetails
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return d, nil
	case TypeReferralRing:
		var d ReferralRingDetails
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return d, nil
	case TypeAccountFarming:
		var d AccountFarmingDetails
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return d, nil
	case TypePaymentAbuse:
		var d PaymentAbuseDetails
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return d, nil
	}
	return nil, fmt.Errorf("unknown flag type %q", string(t))
}

// EncodeDetails serializes a payload for storage.
func EncodeDetails(d Details) (json.RawMessage, error) {
	return json.Marshal(d)
}

// =============================================================================
// FLAG
// =============================================================================

type Flag struct {
	ID       FlagID
	UserID   loyalty.UserID
	Type     FlagType
	Details  Details
	Severity Severity
	Status   Status

	// Review outcome
	ReviewedBy  string
	ReviewNotes string
	ActionTaken string
	FlagValid   *bool // set on resolve

	// Capture context from the detecting heuristic
	IPAddress         string
	DeviceFingerprint string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks a freshly created flag before storage.
func (f *Flag) Validate() error {
	if f.UserID == "" {
		return fmt.Errorf("flag requires a user")
	}
	if !ValidFlagType(f.Type) {
		return fmt.Errorf("unknown flag type %q", string(f.Type))
	}
	if !ValidSeverity(f.Severity) {
		return fmt.Errorf("unknown severity %q", string(f.Severity))
	}
	if f.Details == nil {
		return fmt.Errorf("flag requires details")
	}
	if f.Details.FlagType() != f.Type {
		return fmt.Errorf("details payload is for %q, flag is %q", string(f.Details.FlagType()), string(f.Type))
	}
	return f.Details.Validate()
}
