/*
workflow.go - Review operations over stored flags

PURPOSE:
  The operations an admin review surface calls: review, resolve, dismiss,
  plus lookups by user, type, status, severity, IP, and device
  fingerprint.

LEDGER POLICY:
  The ledger treats a non-empty high-severity active-flag result as a
  hard block on crediting new points. The block lives HERE, at the
  workflow boundary, and callers must ask before earn-type ledger
  operations. The ledger itself stays policy-free so admin corrections
  remain possible for blocked users.
*/
package abuse

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// STORE CONTRACT
// =============================================================================

type Filter struct {
	UserID            *loyalty.UserID
	Type              *FlagType
	Status            *Status
	Severity          *Severity
	IPAddress         *string
	DeviceFingerprint *string
}

type FlagStore interface {
	SaveFlag(ctx context.Context, f *Flag) error
	GetFlag(ctx context.Context, id FlagID) (*Flag, error)
	ListFlags(ctx context.Context, filter Filter) ([]Flag, error)
}

// =============================================================================
// WORKFLOW
// =============================================================================

type Workflow struct {
	Store FlagStore

	now func() time.Time
}

func NewWorkflow(store FlagStore) *Workflow {
	return &Workflow{Store: store, now: time.Now}
}

// Open records a new flag from a detection heuristic. Details are
// validated before storage.
func (w *Workflow) Open(ctx context.Context, f *Flag) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if f.ID == "" {
		f.ID = NewFlagID()
	}
	f.Status = StatusPending
	now := w.now().UTC()
	f.CreatedAt = now
	f.UpdatedAt = now
	return w.Store.SaveFlag(ctx, f)
}

func (w *Workflow) Get(ctx context.Context, id FlagID) (*Flag, error) {
	return w.Store.GetFlag(ctx, id)
}

func (w *Workflow) List(ctx context.Context, filter Filter) ([]Flag, error) {
	return w.Store.ListFlags(ctx, filter)
}

// Review moves a pending flag to reviewed. Requires a reviewer and notes.
func (w *Workflow) Review(ctx context.Context, id FlagID, reviewerID, notes string) (*Flag, error) {
	if reviewerID == "" || notes == "" {
		return nil, fmt.Errorf("review requires a reviewer and notes")
	}
	return w.transition(ctx, id, StatusReviewed, func(f *Flag) {
		f.ReviewedBy = reviewerID
		f.ReviewNotes = notes
	})
}

// Resolve closes a flag with a verdict: whether it was valid, and the
// action taken (block user, reverse points, none).
func (w *Workflow) Resolve(ctx context.Context, id FlagID, reviewerID, notes string, valid bool, action string) (*Flag, error) {
	if reviewerID == "" || notes == "" {
		return nil, fmt.Errorf("resolve requires a reviewer and notes")
	}
	return w.transition(ctx, id, StatusResolved, func(f *Flag) {
		f.ReviewedBy = reviewerID
		f.ReviewNotes = notes
		f.FlagValid = &valid
		f.ActionTaken = action
	})
}

// Dismiss closes a flag as a false positive. Notes required, no action.
func (w *Workflow) Dismiss(ctx context.Context, id FlagID, reviewerID, notes string) (*Flag, error) {
	if notes == "" {
		return nil, fmt.Errorf("dismiss requires notes")
	}
	return w.transition(ctx, id, StatusDismissed, func(f *Flag) {
		f.ReviewedBy = reviewerID
		f.ReviewNotes = notes
	})
}

// UpdateStatus applies a raw status transition with the same guards as
// the named operations. Used by the admin surface.
func (w *Workflow) UpdateStatus(ctx context.Context, id FlagID, to Status, reviewerID, notes string) (*Flag, error) {
	switch to {
	case StatusReviewed:
		return w.Review(ctx, id, reviewerID, notes)
	case StatusResolved:
		return w.Resolve(ctx, id, reviewerID, notes, true, "")
	case StatusDismissed:
		return w.Dismiss(ctx, id, reviewerID, notes)
	}
	return nil, &loyalty.StateTransitionError{From: "", To: string(to)}
}

func (w *Workflow) transition(ctx context.Context, id FlagID, to Status, apply func(*Flag)) (*Flag, error) {
	f, err := w.Store.GetFlag(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canTransition(f.Status, to) {
		return nil, &loyalty.StateTransitionError{From: string(f.Status), To: string(to)}
	}
	apply(f)
	f.Status = to
	f.UpdatedAt = w.now().UTC()
	if err := w.Store.SaveFlag(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// =============================================================================
// LEDGER-FACING QUERIES
// =============================================================================

// ActiveFlagsForUser returns the user's non-terminal flags.
func (w *Workflow) ActiveFlagsForUser(ctx context.Context, userID loyalty.UserID) ([]Flag, error) {
	flags, err := w.Store.ListFlags(ctx, Filter{UserID: &userID})
	if err != nil {
		return nil, err
	}
	active := flags[:0]
	for _, f := range flags {
		if !f.Status.Terminal() {
			active = append(active, f)
		}
	}
	return active, nil
}

// HasBlockingFlags reports whether the user carries an active
// high-severity flag. Callers check this before earn-type ledger
// operations.
func (w *Workflow) HasBlockingFlags(ctx context.Context, userID loyalty.UserID) (bool, error) {
	active, err := w.ActiveFlagsForUser(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, f := range active {
		if f.Severity == SeverityHigh {
			return true, nil
		}
	}
	return false, nil
}
