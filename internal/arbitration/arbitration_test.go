package arbitration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/admo/meshkernel/internal/approval"
	"github.com/admo/meshkernel/internal/audit"
	"github.com/admo/meshkernel/internal/clock"
	"github.com/admo/meshkernel/internal/core"
	"github.com/admo/meshkernel/internal/flags"
	"github.com/admo/meshkernel/internal/ids"
	"github.com/admo/meshkernel/internal/metrics"
	"github.com/admo/meshkernel/internal/store"
)

type env struct {
	svc      *Service
	approver *approval.Service
	beliefs  *store.ObservationStore
	auditLog *audit.Log
	clk      *clock.Fake
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	factory := ids.NewFactory(clk)
	auditLog := audit.NewLog("cell-eu-a-1", clk, factory)
	fl := flags.NewRegistry()
	fl.Enable(flags.Arbitration)

	observations := store.NewObservationStore(clk)
	approver := approval.NewService(clk, factory, auditLog, store.NewIntentStore())
	return &env{
		svc:      NewService(fl, store.NewArbitrationStore(clk), observations, approver, auditLog, metrics.New(), clk),
		approver: approver,
		beliefs:  observations,
		auditLog: auditLog,
		clk:      clk,
	}
}

func (e *env) openArbitration(t *testing.T) *core.Arbitration {
	t.Helper()
	require.NoError(t, e.beliefs.PutBelief(&core.Belief{
		SchemaVersion: core.SchemaVersion,
		BeliefID:      "b-1",
		BeliefType:    "threat_intel",
		Confidence:    0.9,
		DerivedAt:     e.clk.Now(),
		Metadata:      map[string]interface{}{"threat_types": []string{"malware"}},
	}, false))

	arb := &core.Arbitration{
		SchemaVersion: core.SchemaVersion,
		ArbitrationID: "arb-1",
		CreatedAtUTC:  e.clk.Now(),
		ConflictType:  core.ConflictThreatClassification,
		SubjectKey:    "johndoe",
		ConflictKey:   "abcd1234abcd1234",
		Claims:        []string{"b-1"},
	}
	require.NoError(t, e.svc.Create(context.Background(), arb))
	return arb
}

func TestCreateRequestsApproval(t *testing.T) {
	e := newEnv(t)
	arb := e.openArbitration(t)

	assert.NotEmpty(t, arb.ApprovalID)
	assert.False(t, e.approver.IsApproved(arb.ApprovalID))
	assert.Len(t, e.auditLog.ByKind(audit.KindArbitrationCreated), 1)
}

func TestCreateRejectsDuplicateConflictKey(t *testing.T) {
	e := newEnv(t)
	e.openArbitration(t)

	dup := &core.Arbitration{
		ArbitrationID: "arb-2",
		ConflictKey:   "abcd1234abcd1234",
		Claims:        []string{"b-1"},
	}
	assert.ErrorIs(t, e.svc.Create(context.Background(), dup), ErrDuplicateConflict)
}

func TestApplyResolutionWaitsForApproval(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	arb := e.openArbitration(t)

	resolution := map[string]interface{}{"winning_claim": "b-1", "confidence": 0.95}
	require.NoError(t, e.svc.ProposeResolution(ctx, arb.ArbitrationID, resolution))

	// Approval still pending: no mutation, no error.
	applied, err := e.svc.ApplyResolution(ctx, arb.ArbitrationID, "cell-eu-a-1")
	require.NoError(t, err)
	assert.False(t, applied)

	b, err := e.beliefs.GetBelief("b-1")
	require.NoError(t, err)
	assert.Equal(t, 0.9, b.Confidence)
	assert.Empty(t, e.auditLog.ByKind(audit.KindArbitrationResolved))

	got, err := e.svc.Store().Get(arb.ArbitrationID)
	require.NoError(t, err)
	assert.Equal(t, core.ArbitrationOpen, got.Status)
}

func TestApplyResolutionOverlaysBeliefs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	arb := e.openArbitration(t)

	resolution := map[string]interface{}{"winning_claim": "b-1", "confidence": 0.95, "note": "malware confirmed"}
	require.NoError(t, e.svc.ProposeResolution(ctx, arb.ArbitrationID, resolution))
	require.NoError(t, e.approver.Decide(ctx, arb.ApprovalID, true, "op-7", "evidence reviewed"))

	applied, err := e.svc.ApplyResolution(ctx, arb.ArbitrationID, "cell-eu-a-1")
	require.NoError(t, err)
	assert.True(t, applied)

	b, err := e.beliefs.GetBelief("b-1")
	require.NoError(t, err)
	assert.Equal(t, 0.95, b.Confidence)
	assert.Equal(t, "malware confirmed", b.Metadata["note"])
	assert.Equal(t, "arb-1", b.Metadata["arbitration_id"])
	// The original threat metadata survives the overlay.
	assert.Equal(t, []string{"malware"}, b.Metadata["threat_types"])

	got, err := e.svc.Store().Get(arb.ArbitrationID)
	require.NoError(t, err)
	assert.Equal(t, core.ArbitrationResolved, got.Status)
	assert.Equal(t, "cell-eu-a-1", got.ResolverFederateID)
	require.NotNil(t, got.ResolvedAtUTC)
	assert.Len(t, e.auditLog.ByKind(audit.KindArbitrationResolved), 1)

	// Resolution is terminal.
	_, err = e.svc.ApplyResolution(ctx, arb.ArbitrationID, "cell-eu-a-1")
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestApplyResolutionRequiresProposal(t *testing.T) {
	e := newEnv(t)
	arb := e.openArbitration(t)

	_, err := e.svc.ApplyResolution(context.Background(), arb.ArbitrationID, "cell-eu-a-1")
	assert.ErrorIs(t, err, ErrNoProposal)
}

func TestReject(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	arb := e.openArbitration(t)

	require.NoError(t, e.svc.Reject(ctx, arb.ArbitrationID, "cell-eu-a-1", "beliefs not comparable"))

	got, err := e.svc.Store().Get(arb.ArbitrationID)
	require.NoError(t, err)
	assert.Equal(t, core.ArbitrationRejected, got.Status)
	assert.Equal(t, "beliefs not comparable", got.Metadata["rejection_reason"])
	assert.Len(t, e.auditLog.ByKind(audit.KindArbitrationRejected), 1)

	assert.ErrorIs(t, e.svc.Reject(ctx, arb.ArbitrationID, "cell-eu-a-1", "again"), ErrNotOpen)
}

func TestCreateFeatureDisabled(t *testing.T) {
	e := newEnv(t)
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	fl := flags.NewRegistry()
	svc := NewService(fl, store.NewArbitrationStore(clk), e.beliefs, e.approver, e.auditLog, metrics.New(), clk)

	err := svc.Create(context.Background(), &core.Arbitration{ArbitrationID: "arb-x", ConflictKey: "k"})
	assert.ErrorIs(t, err, ErrFeatureDisabled)
}
