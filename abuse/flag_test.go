package abuse_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/abuse"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/store/memory"
)

func newTestWorkflow(t *testing.T) *abuse.Workflow {
	t.Helper()
	return abuse.NewWorkflow(memory.New())
}

func velocityFlag(user loyalty.UserID, severity abuse.Severity) *abuse.Flag {
	return &abuse.Flag{
		UserID:   user,
		Type:     abuse.TypeVelocity,
		Severity: severity,
		Details:  abuse.VelocityDetails{WindowMinutes: 10, EarnCount: 50, Points: 5000},
	}
}

// =============================================================================
// OPENING FLAGS
// =============================================================================

func TestWorkflow_Open_StartsPending(t *testing.T) {
	w := newTestWorkflow(t)
	ctx := context.Background()

	f := velocityFlag("user-1", abuse.SeverityMedium)
	require.NoError(t, w.Open(ctx, f))

	assert.NotEmpty(t, f.ID)
	assert.Equal(t, abuse.StatusPending, f.Status)
	assert.False(t, f.CreatedAt.IsZero())

	got, err := w.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, f.UserID, got.UserID)
}

func TestWorkflow_Open_RejectsBadFlags(t *testing.T) {
	w := newTestWorkflow(t)
	ctx := context.Background()

	tests := []struct {
		name string
		flag *abuse.Flag
	}{
		{"missing user", &abuse.Flag{Type: abuse.TypeVelocity, Severity: abuse.SeverityLow,
			Details: abuse.VelocityDetails{WindowMinutes: 1, EarnCount: 1}}},
		{"unknown type", &abuse.Flag{UserID: "u", Type: "astrology", Severity: abuse.SeverityLow,
			Details: abuse.VelocityDetails{WindowMinutes: 1, EarnCount: 1}}},
		{"unknown severity", &abuse.Flag{UserID: "u", Type: abuse.TypeVelocity, Severity: "extreme",
			Details: abuse.VelocityDetails{WindowMinutes: 1, EarnCount: 1}}},
		{"nil details", &abuse.Flag{UserID: "u", Type: abuse.TypeVelocity, Severity: abuse.SeverityLow}},
		{"details type mismatch", &abuse.Flag{UserID: "u", Type: abuse.TypeVelocity, Severity: abuse.SeverityLow,
			Details: abuse.PaymentAbuseDetails{OrderID: "o-1"}}},
		{"invalid details payload", &abuse.Flag{UserID: "u", Type: abuse.TypeVelocity, Severity: abuse.SeverityLow,
			Details: abuse.VelocityDetails{}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, w.Open(ctx, tc.flag))
		})
	}
}

// =============================================================================
// STATE MACHINE
// =============================================================================

func TestWorkflow_Transitions_PendingThroughResolved(t *testing.T) {
	// GIVEN: A pending flag
	// WHEN: Reviewed and then resolved as valid
	// THEN: Each step records the reviewer, and the resolution captures
	//       the verdict and action

	w := newTestWorkflow(t)
	ctx := context.Background()

	f := velocityFlag("user-1", abuse.SeverityHigh)
	require.NoError(t, w.Open(ctx, f))

	reviewed, err := w.Review(ctx, f.ID, "staff-7", "looking into it")
	require.NoError(t, err)
	assert.Equal(t, abuse.StatusReviewed, reviewed.Status)
	assert.Equal(t, "staff-7", reviewed.ReviewedBy)

	resolved, err := w.Resolve(ctx, f.ID, "staff-7", "confirmed ring", true, "points_reversed")
	require.NoError(t, err)
	assert.Equal(t, abuse.StatusResolved, resolved.Status)
	require.NotNil(t, resolved.FlagValid)
	assert.True(t, *resolved.FlagValid)
	assert.Equal(t, "points_reversed", resolved.ActionTaken)
}

func TestWorkflow_Transitions_PendingStraightToDismissed(t *testing.T) {
	w := newTestWorkflow(t)
	ctx := context.Background()

	f := velocityFlag("user-1", abuse.SeverityLow)
	require.NoError(t, w.Open(ctx, f))

	dismissed, err := w.Dismiss(ctx, f.ID, "staff-2", "false positive")
	require.NoError(t, err)
	assert.Equal(t, abuse.StatusDismissed, dismissed.Status)
}

func TestWorkflow_Transitions_TerminalStatesAreFinal(t *testing.T) {
	// GIVEN: A dismissed flag
	// WHEN: Any further transition is attempted
	// THEN: StateTransitionError every time

	w := newTestWorkflow(t)
	ctx := context.Background()

	f := velocityFlag("user-1", abuse.SeverityLow)
	require.NoError(t, w.Open(ctx, f))
	_, err := w.Dismiss(ctx, f.ID, "staff-2", "noise")
	require.NoError(t, err)

	_, err = w.Review(ctx, f.ID, "staff-3", "")
	assert.ErrorIs(t, err, loyalty.ErrInvalidStateTransition)

	_, err = w.Resolve(ctx, f.ID, "staff-3", "", false, "")
	assert.ErrorIs(t, err, loyalty.ErrInvalidStateTransition)

	var ste *loyalty.StateTransitionError
	_, err = w.Dismiss(ctx, f.ID, "staff-3", "")
	require.ErrorAs(t, err, &ste)
	assert.Equal(t, string(abuse.StatusDismissed), ste.From)
}

// =============================================================================
// LEDGER-FACING QUERIES
// =============================================================================

func TestWorkflow_ActiveFlagsForUser_ExcludesTerminal(t *testing.T) {
	w := newTestWorkflow(t)
	ctx := context.Background()
	user := loyalty.UserID("user-1")

	open := velocityFlag(user, abuse.SeverityMedium)
	require.NoError(t, w.Open(ctx, open))

	closed := velocityFlag(user, abuse.SeverityHigh)
	require.NoError(t, w.Open(ctx, closed))
	_, err := w.Dismiss(ctx, closed.ID, "staff-1", "cleared")
	require.NoError(t, err)

	other := velocityFlag("user-2", abuse.SeverityHigh)
	require.NoError(t, w.Open(ctx, other))

	active, err := w.ActiveFlagsForUser(ctx, user)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, open.ID, active[0].ID)
}

func TestWorkflow_HasBlockingFlags_OnlyActiveHighSeverity(t *testing.T) {
	w := newTestWorkflow(t)
	ctx := context.Background()
	user := loyalty.UserID("user-1")

	// Medium severity does not block
	require.NoError(t, w.Open(ctx, velocityFlag(user, abuse.SeverityMedium)))
	blocked, err := w.HasBlockingFlags(ctx, user)
	require.NoError(t, err)
	assert.False(t, blocked)

	// An active high-severity flag blocks
	high := velocityFlag(user, abuse.SeverityHigh)
	require.NoError(t, w.Open(ctx, high))
	blocked, err = w.HasBlockingFlags(ctx, user)
	require.NoError(t, err)
	assert.True(t, blocked)

	// Dismissing it lifts the block
	_, err = w.Dismiss(ctx, high.ID, "staff-1", "reviewed manually")
	require.NoError(t, err)
	blocked, err = w.HasBlockingFlags(ctx, user)
	require.NoError(t, err)
	assert.False(t, blocked)
}

// =============================================================================
// DETAILS CODEC
// =============================================================================

func TestDecodeDetails_RoundTripsEachType(t *testing.T) {
	original := abuse.ReferralRingDetails{
		ReferrerID: "user-9",
		SignupIPs:  []string{"10.0.0.1", "10.0.0.2"},
	}

	raw, err := abuse.EncodeDetails(original)
	require.NoError(t, err)

	decoded, err := abuse.DecodeDetails(abuse.TypeReferralRing, raw)
	require.NoError(t, err)
	ring, ok := decoded.(abuse.ReferralRingDetails)
	require.True(t, ok)
	assert.Equal(t, original.ReferrerID, ring.ReferrerID)
	assert.Equal(t, original.SignupIPs, ring.SignupIPs)
}

func TestDecodeDetails_UnknownType(t *testing.T) {
	_, err := abuse.DecodeDetails("astrology", []byte(`{}`))
	assert.Error(t, err)
}
