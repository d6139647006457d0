package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/admo/meshkernel/internal/audit"
	"github.com/admo/meshkernel/internal/clock"
	"github.com/admo/meshkernel/internal/core"
	"github.com/admo/meshkernel/internal/ids"
	"github.com/admo/meshkernel/internal/store"
)

func newService(t *testing.T) (*Service, *clock.Fake, *audit.Log) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	auditLog := audit.NewLog("cell-eu-a-1", clk, ids.NewFactory(clk))
	return NewService(clk, ids.NewFactory(clk), auditLog, store.NewIntentStore()), clk, auditLog
}

func TestObserveActionsAutoApprove(t *testing.T) {
	svc, _, auditLog := newService(t)

	a := svc.Request(context.Background(), core.A0Observe, "tenant-1", "system", "hash-a", "", "routine sweep")
	assert.Equal(t, core.ApprovalApproved, a.Status)
	require.NotNil(t, a.DecidedAt)
	assert.True(t, svc.IsApproved(a.ApprovalID))
	assert.Len(t, auditLog.ByKind(audit.KindApprovalRequested), 1)
}

func TestContainmentActionsStartPending(t *testing.T) {
	svc, _, _ := newService(t)

	a := svc.Request(context.Background(), core.A1SoftContainment, "tenant-1", "johndoe", "hash-a", "", "suspicious logins")
	assert.Equal(t, core.ApprovalPending, a.Status)
	assert.False(t, svc.IsApproved(a.ApprovalID))
}

func TestDecideIsTerminal(t *testing.T) {
	svc, _, auditLog := newService(t)
	ctx := context.Background()

	a := svc.Request(ctx, core.A2HardContainment, "tenant-1", "johndoe", "hash-a", "", "confirmed breach")
	require.NoError(t, svc.Decide(ctx, a.ApprovalID, true, "op-7", "verified by on-call"))
	assert.True(t, svc.IsApproved(a.ApprovalID))

	// A second decision on the same approval is rejected.
	assert.ErrorIs(t, svc.Decide(ctx, a.ApprovalID, false, "op-8", "changed my mind"), ErrAlreadyDecided)
	assert.True(t, svc.IsApproved(a.ApprovalID))
	assert.Len(t, auditLog.ByKind(audit.KindApprovalDecided), 1)
}

func TestDenyIsTerminal(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	a := svc.Request(ctx, core.A1SoftContainment, "tenant-1", "johndoe", "hash-a", "", "")
	require.NoError(t, svc.Decide(ctx, a.ApprovalID, false, "op-7", "insufficient evidence"))
	assert.False(t, svc.IsApproved(a.ApprovalID))
	assert.ErrorIs(t, svc.Expire(ctx, a.ApprovalID), ErrAlreadyDecided)
}

func TestExpirePendingApproval(t *testing.T) {
	svc, clk, _ := newService(t)
	ctx := context.Background()

	a := svc.Request(ctx, core.A1SoftContainment, "tenant-1", "johndoe", "hash-a", "", "")
	clk.Advance(time.Hour)
	require.NoError(t, svc.Expire(ctx, a.ApprovalID))

	got, err := svc.Get(a.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, core.ApprovalExpired, got.Status)
	assert.False(t, svc.IsApproved(a.ApprovalID))
}

func TestCheckBinding(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	a := svc.Request(ctx, core.A1SoftContainment, "tenant-1", "johndoe", "hash-a", "", "")
	assert.Equal(t, BindingOK, svc.CheckBinding(a.ApprovalID, "hash-a"))
	assert.Equal(t, BindingMismatch, svc.CheckBinding(a.ApprovalID, "hash-b"))
	assert.Equal(t, BindingNotFound, svc.CheckBinding("no-such-approval", "hash-a"))
}

func TestComputeIntentHashIgnoresVolatileFields(t *testing.T) {
	base := &core.ContainmentIntent{
		SchemaVersion:    core.SchemaVersion,
		IntentID:         "intent-1",
		RecommendationID: "rec-1",
		SubjectID:        "johndoe",
		Provider:         "okta",
		Scope: core.ContainmentScope{
			ScopeID:       "scope-1",
			ScopeType:     "sessions",
			TTLSeconds:    3600,
			AutoExpire:    true,
			ApprovalLevel: core.A2HardContainment,
		},
		IntentType:  core.IntentApply,
		RequestedBy: "op-7",
	}
	h1, err := ComputeIntentHash(base)
	require.NoError(t, err)

	aged := *base
	aged.CreatedAtUTC = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	aged.ExpiresAtUTC = aged.CreatedAtUTC.Add(time.Hour)
	aged.ExecutionStatus = "executed"
	aged.ApprovalID = "ap-1"
	aged.IntentHash = h1
	h2, err := ComputeIntentHash(&aged)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	// Any substantive field change breaks the hash.
	altered := *base
	altered.Scope.TTLSeconds = 7200
	h3, err := ComputeIntentHash(&altered)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}
