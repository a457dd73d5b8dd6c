/*
handlers.go - HTTP API handlers for the loyalty engine

PURPOSE:
  Exposes the loyalty engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Users:
    GET    /api/users/{id}/balance     Balance summary
    GET    /api/users/{id}/history     Points history
    POST   /api/users/{id}/earn        Record pending points
    POST   /api/users/{id}/confirm     Confirm pending points
    POST   /api/users/{id}/redeem      Deduct available points
    POST   /api/users/{id}/reverse     Roll back pending points
    GET    /api/users/{id}/flags       Active abuse flags

  Rules:
    GET/POST       /api/rules/earning        List / create earning rules
    GET/PUT/DELETE /api/rules/earning/{id}
    GET/POST       /api/rules/expiry         List / create expiry rules
    GET/PUT/DELETE /api/rules/expiry/{id}

  Tiers:
    GET/POST       /api/tiers
    GET/PUT/DELETE /api/tiers/{id}
    POST           /api/tiers/reorder
    GET/POST/DELETE /api/tiers/{id}/benefits[/{benefitId}]
    GET/POST       /api/benefits

  Referral:
    GET/POST       /api/referral/configs
    GET            /api/referral/configs/{id}
    GET/POST       /api/referral/configs/{id}/slots
    PUT/DELETE     /api/referral/slots/{id}
    POST           /api/referral/configs/{id}/allocate

  Abuse:
    GET/POST       /api/flags
    GET            /api/flags/{id}
    POST           /api/flags/{id}/review | /resolve | /dismiss

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 403: Blocked by an active high-severity abuse flag
  - 404: Resource not found
  - 409: Conflict (idempotency, duplicate slot, exhausted slots, bad transition)
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - scheduler.go: Background expiry sweep
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/loyalty-engine/abuse"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/referral"
	"github.com/warp/loyalty-engine/rules"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger    *loyalty.Ledger
	Rules     *rules.Service
	Tiers     *rules.TierService
	Flags     *abuse.Workflow
	Referrals *referral.Allocator
	Log       *logrus.Logger
}

// NewHandler creates a new handler with the given dependencies.
func NewHandler(ledger *loyalty.Ledger, ruleSvc *rules.Service, tierSvc *rules.TierService, flags *abuse.Workflow, referrals *referral.Allocator, log *logrus.Logger) *Handler {
	if log == nil {
		log = logrus.New()
	}
	return &Handler{
		Ledger:    ledger,
		Rules:     ruleSvc,
		Tiers:     tierSvc,
		Flags:     flags,
		Referrals: referrals,
		Log:       log,
	}
}

// =============================================================================
// BALANCE AND POINTS HANDLERS
// =============================================================================

// GetBalance returns the user's balance summary.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := loyalty.UserID(chi.URLParam(r, "id"))

	b, err := h.Ledger.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// GetHistory returns the user's points history, oldest first.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := loyalty.UserID(chi.URLParam(r, "id"))

	entries, err := h.Ledger.History(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, "Failed to get history", err)
		return
	}
	dtos := make([]HistoryEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toHistoryEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Earn records pending points. Points come from the earning rule matching
// the source type unless the request carries an explicit points value.
// Users with an active high-severity abuse flag are rejected.
func (h *Handler) Earn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := loyalty.UserID(chi.URLParam(r, "id"))

	var req EarnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	source := loyalty.SourceType(req.SourceType)
	if !loyalty.ValidSourceType(source) {
		writeError(w, http.StatusBadRequest, "Invalid source_type", nil)
		return
	}

	blocked, err := h.Flags.HasBlockingFlags(ctx, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to check abuse flags", err)
		return
	}
	if blocked {
		writeError(w, http.StatusForbidden, "Earning blocked by an active abuse flag", nil)
		return
	}

	points := req.Points
	var ruleID loyalty.RuleID
	if points == 0 {
		amount := decimal.Zero
		if req.Amount != "" {
			amount, err = decimal.NewFromString(req.Amount)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid amount", err)
				return
			}
		}
		rule, computed, err := h.Rules.PointsFor(ctx, source, amount)
		if err != nil {
			h.writeDomainError(w, "No earning rule for source", err)
			return
		}
		points = computed
		ruleID = rule.ID
	}

	b, err := h.Ledger.IncrementPendingPoints(ctx, userID, points, loyalty.EarnSource{
		SourceType:     source,
		SourceID:       req.SourceID,
		RuleID:         ruleID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to record points", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBalanceDTO(b))
}

// Confirm moves points from pending to available.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	userID := loyalty.UserID(chi.URLParam(r, "id"))

	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	b, err := h.Ledger.ConfirmPendingPoints(r.Context(), userID, req.Points)
	if err != nil {
		h.writeDomainError(w, "Failed to confirm points", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// Redeem deducts available points.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	userID := loyalty.UserID(chi.URLParam(r, "id"))

	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	b, err := h.Ledger.DeductAvailablePoints(r.Context(), userID, req.Points)
	if err != nil {
		h.writeDomainError(w, "Failed to redeem points", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// Reverse rolls back pending points from a cancelled earn.
func (h *Handler) Reverse(w http.ResponseWriter, r *http.Request) {
	userID := loyalty.UserID(chi.URLParam(r, "id"))

	var req ReverseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.EarnEntryID == "" {
		writeError(w, http.StatusBadRequest, "earn_entry_id is required", nil)
		return
	}

	b, err := h.Ledger.DeductPendingPoints(r.Context(), userID, req.Points, loyalty.EntryID(req.EarnEntryID))
	if err != nil {
		h.writeDomainError(w, "Failed to reverse points", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// UserFlags returns the user's non-terminal abuse flags.
func (h *Handler) UserFlags(w http.ResponseWriter, r *http.Request) {
	userID := loyalty.UserID(chi.URLParam(r, "id"))

	flags, err := h.Flags.ActiveFlagsForUser(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list flags", err)
		return
	}
	h.writeFlagList(w, flags)
}

// =============================================================================
// EARNING RULE HANDLERS
// =============================================================================

// ListEarningRules returns all earning rules.
func (h *Handler) ListEarningRules(w http.ResponseWriter, r *http.Request) {
	list, err := h.Rules.ListEarningRules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list earning rules", err)
		return
	}
	dtos := make([]EarningRuleDTO, len(list))
	for i, rule := range list {
		dtos[i] = toEarningRuleDTO(rule)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetEarningRule returns a single earning rule.
func (h *Handler) GetEarningRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Rules.GetEarningRule(r.Context(), loyalty.RuleID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get earning rule", err)
		return
	}
	writeJSON(w, http.StatusOK, toEarningRuleDTO(*rule))
}

// CreateEarningRule creates an earning rule.
func (h *Handler) CreateEarningRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := h.decodeEarningRule(w, r, "")
	if !ok {
		return
	}
	if err := h.Rules.CreateEarningRule(r.Context(), rule); err != nil {
		h.writeDomainError(w, "Failed to create earning rule", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEarningRuleDTO(*rule))
}

// UpdateEarningRule updates an earning rule.
func (h *Handler) UpdateEarningRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := h.decodeEarningRule(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	if err := h.Rules.UpdateEarningRule(r.Context(), rule); err != nil {
		h.writeDomainError(w, "Failed to update earning rule", err)
		return
	}
	writeJSON(w, http.StatusOK, toEarningRuleDTO(*rule))
}

// DeleteEarningRule deletes an earning rule.
func (h *Handler) DeleteEarningRule(w http.ResponseWriter, r *http.Request) {
	if err := h.Rules.DeleteEarningRule(r.Context(), loyalty.RuleID(chi.URLParam(r, "id"))); err != nil {
		h.writeDomainError(w, "Failed to delete earning rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decodeEarningRule(w http.ResponseWriter, r *http.Request, id string) (*rules.EarningRule, bool) {
	var dto EarningRuleDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return nil, false
	}
	if id != "" {
		dto.ID = id
	}
	perUnit := decimal.Zero
	if dto.PointsPerUnit != "" {
		var err error
		perUnit, err = decimal.NewFromString(dto.PointsPerUnit)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid points_per_unit", err)
			return nil, false
		}
	}
	return &rules.EarningRule{
		ID:            loyalty.RuleID(dto.ID),
		Name:          dto.Name,
		SourceType:    loyalty.SourceType(dto.SourceType),
		FlatAmount:    dto.FlatAmount,
		PointsPerUnit: perUnit,
		Enabled:       dto.Enabled,
		ExpiryRuleID:  rules.ExpiryRuleID(dto.ExpiryRuleID),
	}, true
}

// =============================================================================
// EXPIRY RULE HANDLERS
// =============================================================================

// ListExpiryRules returns all expiry rules.
func (h *Handler) ListExpiryRules(w http.ResponseWriter, r *http.Request) {
	list, err := h.Rules.ListExpiryRules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list expiry rules", err)
		return
	}
	dtos := make([]ExpiryRuleDTO, len(list))
	for i, rule := range list {
		dtos[i] = toExpiryRuleDTO(rule)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetExpiryRule returns a single expiry rule.
func (h *Handler) GetExpiryRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Rules.GetExpiryRule(r.Context(), rules.ExpiryRuleID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get expiry rule", err)
		return
	}
	writeJSON(w, http.StatusOK, toExpiryRuleDTO(*rule))
}

// CreateExpiryRule creates an expiry rule.
func (h *Handler) CreateExpiryRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := decodeExpiryRule(w, r, "")
	if !ok {
		return
	}
	if err := h.Rules.CreateExpiryRule(r.Context(), rule); err != nil {
		h.writeDomainError(w, "Failed to create expiry rule", err)
		return
	}
	writeJSON(w, http.StatusCreated, toExpiryRuleDTO(*rule))
}

// UpdateExpiryRule updates an expiry rule.
func (h *Handler) UpdateExpiryRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := decodeExpiryRule(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	if err := h.Rules.UpdateExpiryRule(r.Context(), rule); err != nil {
		h.writeDomainError(w, "Failed to update expiry rule", err)
		return
	}
	writeJSON(w, http.StatusOK, toExpiryRuleDTO(*rule))
}

// DeleteExpiryRule deletes an expiry rule.
func (h *Handler) DeleteExpiryRule(w http.ResponseWriter, r *http.Request) {
	if err := h.Rules.DeleteExpiryRule(r.Context(), rules.ExpiryRuleID(chi.URLParam(r, "id"))); err != nil {
		h.writeDomainError(w, "Failed to delete expiry rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeExpiryRule(w http.ResponseWriter, r *http.Request, id string) (*rules.ExpiryRule, bool) {
	var dto ExpiryRuleDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return nil, false
	}
	if id != "" {
		dto.ID = id
	}
	return &rules.ExpiryRule{
		ID:                 rules.ExpiryRuleID(dto.ID),
		Name:               dto.Name,
		Type:               rules.ExpiryType(dto.ExpiryType),
		Mode:               rules.ExpiryMode(dto.ExpiryMode),
		DurationDays:       dto.DurationDays,
		DurationMonths:     dto.DurationMonths,
		NotifyBeforeExpiry: dto.NotifyBeforeExpiry,
		Active:             dto.Active,
	}, true
}

// =============================================================================
// TIER HANDLERS
// =============================================================================

// ListTiers returns all tiers ordered by level.
func (h *Handler) ListTiers(w http.ResponseWriter, r *http.Request) {
	list, err := h.Tiers.ListTiers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list tiers", err)
		return
	}
	dtos := make([]TierDTO, len(list))
	for i, t := range list {
		dtos[i] = toTierDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetTier returns a single tier.
func (h *Handler) GetTier(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tiers.GetTier(r.Context(), loyalty.TierID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get tier", err)
		return
	}
	writeJSON(w, http.StatusOK, toTierDTO(*t))
}

// CreateTier creates a tier after validating the hierarchy.
func (h *Handler) CreateTier(w http.ResponseWriter, r *http.Request) {
	t, ok := decodeTier(w, r, "")
	if !ok {
		return
	}
	if err := h.Tiers.CreateTier(r.Context(), t); err != nil {
		h.writeDomainError(w, "Failed to create tier", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTierDTO(*t))
}

// UpdateTier updates a tier after validating the hierarchy.
func (h *Handler) UpdateTier(w http.ResponseWriter, r *http.Request) {
	t, ok := decodeTier(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	if err := h.Tiers.UpdateTier(r.Context(), t); err != nil {
		h.writeDomainError(w, "Failed to update tier", err)
		return
	}
	writeJSON(w, http.StatusOK, toTierDTO(*t))
}

// DeleteTier deletes a tier.
func (h *Handler) DeleteTier(w http.ResponseWriter, r *http.Request) {
	if err := h.Tiers.DeleteTier(r.Context(), loyalty.TierID(chi.URLParam(r, "id"))); err != nil {
		h.writeDomainError(w, "Failed to delete tier", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReorderTiers reassigns tier levels atomically.
func (h *Handler) ReorderTiers(w http.ResponseWriter, r *http.Request) {
	var req ReorderTiersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	ids := make([]loyalty.TierID, len(req.TierIDs))
	for i, id := range req.TierIDs {
		ids[i] = loyalty.TierID(id)
	}
	if err := h.Tiers.ReorderTiers(r.Context(), ids); err != nil {
		h.writeDomainError(w, "Failed to reorder tiers", err)
		return
	}
	h.ListTiers(w, r)
}

func decodeTier(w http.ResponseWriter, r *http.Request, id string) (*rules.Tier, bool) {
	var dto TierDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return nil, false
	}
	if id != "" {
		dto.ID = id
	}
	return &rules.Tier{
		ID:        loyalty.TierID(dto.ID),
		Name:      dto.Name,
		Level:     dto.Level,
		MinPoints: dto.MinPoints,
		Active:    dto.Active,
	}, true
}

// =============================================================================
// BENEFIT HANDLERS
// =============================================================================

// ListBenefits returns all benefits.
func (h *Handler) ListBenefits(w http.ResponseWriter, r *http.Request) {
	list, err := h.Tiers.ListBenefits(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list benefits", err)
		return
	}
	dtos := make([]BenefitDTO, len(list))
	for i, b := range list {
		dtos[i] = toBenefitDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateBenefit creates a benefit.
func (h *Handler) CreateBenefit(w http.ResponseWriter, r *http.Request) {
	var dto BenefitDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	b := &rules.Benefit{ID: dto.ID, Name: dto.Name, Description: dto.Description, Active: dto.Active}
	if err := h.Tiers.CreateBenefit(r.Context(), b); err != nil {
		h.writeDomainError(w, "Failed to create benefit", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBenefitDTO(*b))
}

// TierBenefits returns the active benefits attached to a tier.
func (h *Handler) TierBenefits(w http.ResponseWriter, r *http.Request) {
	list, err := h.Tiers.TierBenefits(r.Context(), loyalty.TierID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to list tier benefits", err)
		return
	}
	dtos := make([]BenefitDTO, len(list))
	for i, b := range list {
		dtos[i] = toBenefitDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// AttachBenefit links a benefit to a tier.
func (h *Handler) AttachBenefit(w http.ResponseWriter, r *http.Request) {
	tierID := loyalty.TierID(chi.URLParam(r, "id"))
	benefitID := chi.URLParam(r, "benefitId")
	if err := h.Tiers.AttachBenefit(r.Context(), tierID, benefitID); err != nil {
		h.writeDomainError(w, "Failed to attach benefit", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DetachBenefit unlinks a benefit from a tier.
func (h *Handler) DetachBenefit(w http.ResponseWriter, r *http.Request) {
	tierID := loyalty.TierID(chi.URLParam(r, "id"))
	benefitID := chi.URLParam(r, "benefitId")
	if err := h.Tiers.DetachBenefit(r.Context(), tierID, benefitID); err != nil {
		h.writeDomainError(w, "Failed to detach benefit", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// REFERRAL HANDLERS
// =============================================================================

// ListReferralConfigs returns all referral configs.
func (h *Handler) ListReferralConfigs(w http.ResponseWriter, r *http.Request) {
	list, err := h.Referrals.ListConfigs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list referral configs", err)
		return
	}
	dtos := make([]ReferralConfigDTO, len(list))
	for i, c := range list {
		dtos[i] = toReferralConfigDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetReferralConfig returns a single referral config.
func (h *Handler) GetReferralConfig(w http.ResponseWriter, r *http.Request) {
	c, err := h.Referrals.GetConfig(r.Context(), referral.ConfigID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get referral config", err)
		return
	}
	writeJSON(w, http.StatusOK, toReferralConfigDTO(*c))
}

// CreateReferralConfig creates a referral config.
func (h *Handler) CreateReferralConfig(w http.ResponseWriter, r *http.Request) {
	var dto ReferralConfigDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	minPurchase := decimal.Zero
	if dto.MinPurchaseAmount != "" {
		var err error
		minPurchase, err = decimal.NewFromString(dto.MinPurchaseAmount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid min_purchase_amount", err)
			return
		}
	}
	c := &referral.RewardConfig{
		ID:                referral.ConfigID(dto.ID),
		Name:              dto.Name,
		MinPurchaseAmount: minPurchase,
		OneRewardPerUser:  dto.OneRewardPerUser,
		Enabled:           dto.Enabled,
	}
	if err := h.Referrals.CreateConfig(r.Context(), c); err != nil {
		h.writeDomainError(w, "Failed to create referral config", err)
		return
	}
	writeJSON(w, http.StatusCreated, toReferralConfigDTO(*c))
}

// ListSlots returns a config's slots ordered by slot number.
func (h *Handler) ListSlots(w http.ResponseWriter, r *http.Request) {
	list, err := h.Referrals.ListSlots(r.Context(), referral.ConfigID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to list slots", err)
		return
	}
	dtos := make([]SlotDTO, len(list))
	for i, s := range list {
		dtos[i] = toSlotDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateSlot creates a referral slot.
func (h *Handler) CreateSlot(w http.ResponseWriter, r *http.Request) {
	slot, ok := decodeSlot(w, r)
	if !ok {
		return
	}
	slot.ConfigID = referral.ConfigID(chi.URLParam(r, "id"))
	if err := h.Referrals.CreateSlot(r.Context(), slot); err != nil {
		h.writeDomainError(w, "Failed to create slot", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSlotDTO(*slot))
}

// UpdateSlot updates a referral slot.
func (h *Handler) UpdateSlot(w http.ResponseWriter, r *http.Request) {
	slot, ok := decodeSlot(w, r)
	if !ok {
		return
	}
	slot.ID = referral.SlotID(chi.URLParam(r, "id"))
	if err := h.Referrals.UpdateSlot(r.Context(), slot); err != nil {
		h.writeDomainError(w, "Failed to update slot", err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotDTO(*slot))
}

// DeleteSlot deletes a referral slot.
func (h *Handler) DeleteSlot(w http.ResponseWriter, r *http.Request) {
	if err := h.Referrals.DeleteSlot(r.Context(), referral.SlotID(chi.URLParam(r, "id"))); err != nil {
		h.writeDomainError(w, "Failed to delete slot", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Allocate awards the next available slot's points to the referrer.
func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	configID := referral.ConfigID(chi.URLParam(r, "id"))

	var req AllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ReferrerID == "" {
		writeError(w, http.StatusBadRequest, "referrer_id is required", nil)
		return
	}
	purchase := decimal.Zero
	if req.PurchaseAmount != "" {
		var err error
		purchase, err = decimal.NewFromString(req.PurchaseAmount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid purchase_amount", err)
			return
		}
	}

	alloc, err := h.Referrals.Allocate(r.Context(), configID, loyalty.UserID(req.ReferrerID), purchase)
	if err != nil {
		h.writeDomainError(w, "Failed to allocate referral reward", err)
		return
	}
	writeJSON(w, http.StatusCreated, AllocationDTO{
		Slot:    toSlotDTO(alloc.Slot),
		Balance: toBalanceDTO(&alloc.Balance),
	})
}

func decodeSlot(w http.ResponseWriter, r *http.Request) (*referral.SlotReward, bool) {
	var dto SlotDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return nil, false
	}
	return &referral.SlotReward{
		ID:           referral.SlotID(dto.ID),
		ConfigID:     referral.ConfigID(dto.ConfigID),
		SlotNumber:   dto.SlotNumber,
		RewardPoints: dto.RewardPoints,
		Quantity:     dto.Quantity,
		Active:       dto.Active,
	}, true
}

// =============================================================================
// ABUSE FLAG HANDLERS
// =============================================================================

// ListFlags returns flags matching the query filters.
func (h *Handler) ListFlags(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter abuse.Filter
	if v := q.Get("user_id"); v != "" {
		id := loyalty.UserID(v)
		filter.UserID = &id
	}
	if v := q.Get("type"); v != "" {
		t := abuse.FlagType(v)
		filter.Type = &t
	}
	if v := q.Get("status"); v != "" {
		s := abuse.Status(v)
		filter.Status = &s
	}
	if v := q.Get("severity"); v != "" {
		s := abuse.Severity(v)
		filter.Severity = &s
	}
	if v := q.Get("ip_address"); v != "" {
		filter.IPAddress = &v
	}
	if v := q.Get("device_fingerprint"); v != "" {
		filter.DeviceFingerprint = &v
	}

	flags, err := h.Flags.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list flags", err)
		return
	}
	h.writeFlagList(w, flags)
}

// GetFlag returns a single flag.
func (h *Handler) GetFlag(w http.ResponseWriter, r *http.Request) {
	f, err := h.Flags.Get(r.Context(), abuse.FlagID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get flag", err)
		return
	}
	dto, err := toFlagDTO(*f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encode flag", err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

// OpenFlag opens a new abuse flag in pending status.
func (h *Handler) OpenFlag(w http.ResponseWriter, r *http.Request) {
	var req OpenFlagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	details, err := abuse.DecodeDetails(abuse.FlagType(req.Type), req.Details)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid flag details", err)
		return
	}
	f := &abuse.Flag{
		UserID:            loyalty.UserID(req.UserID),
		Type:              abuse.FlagType(req.Type),
		Details:           details,
		Severity:          abuse.Severity(req.Severity),
		IPAddress:         req.IPAddress,
		DeviceFingerprint: req.DeviceFingerprint,
	}
	if err := h.Flags.Open(r.Context(), f); err != nil {
		h.writeDomainError(w, "Failed to open flag", err)
		return
	}
	dto, err := toFlagDTO(*f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encode flag", err)
		return
	}
	writeJSON(w, http.StatusCreated, dto)
}

// ReviewFlag moves a flag to reviewed.
func (h *Handler) ReviewFlag(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	f, err := h.Flags.Review(r.Context(), abuse.FlagID(chi.URLParam(r, "id")), req.ReviewerID, req.Notes)
	if err != nil {
		h.writeDomainError(w, "Failed to review flag", err)
		return
	}
	h.writeFlag(w, *f)
}

// ResolveFlag closes a flag with a verdict.
func (h *Handler) ResolveFlag(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	f, err := h.Flags.Resolve(r.Context(), abuse.FlagID(chi.URLParam(r, "id")), req.ReviewerID, req.Notes, req.Valid, req.Action)
	if err != nil {
		h.writeDomainError(w, "Failed to resolve flag", err)
		return
	}
	h.writeFlag(w, *f)
}

// DismissFlag closes a flag as a false positive.
func (h *Handler) DismissFlag(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	f, err := h.Flags.Dismiss(r.Context(), abuse.FlagID(chi.URLParam(r, "id")), req.ReviewerID, req.Notes)
	if err != nil {
		h.writeDomainError(w, "Failed to dismiss flag", err)
		return
	}
	h.writeFlag(w, *f)
}

func (h *Handler) writeFlag(w http.ResponseWriter, f abuse.Flag) {
	dto, err := toFlagDTO(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encode flag", err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) writeFlagList(w http.ResponseWriter, flags []abuse.Flag) {
	dtos := make([]FlagDTO, 0, len(flags))
	for _, f := range flags {
		dto, err := toFlagDTO(f)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to encode flag", err)
			return
		}
		dtos = append(dtos, dto)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

// writeDomainError maps domain errors onto HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case loyalty.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, loyalty.ErrDuplicateIdempotencyKey),
		errors.Is(err, loyalty.ErrDuplicateSlotNumber),
		errors.Is(err, loyalty.ErrNoSlotsAvailable),
		errors.Is(err, loyalty.ErrInvalidStateTransition),
		errors.Is(err, referral.ErrNotEligible),
		errors.Is(err, referral.ErrAlreadyRewarded):
		status = http.StatusConflict
	case loyalty.IsClientError(err):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.Log.WithError(err).Error(message)
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
