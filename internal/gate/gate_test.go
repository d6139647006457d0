package gate

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
	"github.com/admo/meshkernel/internal/metrics"
)

func newGate(t *testing.T) (*Gate, *audit.Log) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	auditLog := audit.NewLog("cell-eu-a-1", clk, ids.NewFactory(clk))
	return New(NewKillSwitches(), auditLog, metrics.New()), auditLog
}

func a1Context(conf float64) ExecutionContext {
	return ExecutionContext{
		TenantID:       "tenant-1",
		ActionType:     core.A1SoftContainment,
		Confidence:     conf,
		TrustScore:     0.9,
		PolicyVerified: true,
	}
}

func TestGlobalKillSwitchBeatsEverything(t *testing.T) {
	g, auditLog := newGate(t)
	g.Switches().SetGlobal(true)

	// Even a maximally trusted A1 action with near-certain confidence
	// is denied while the switch is engaged.
	v := g.Evaluate(context.Background(), a1Context(0.99))
	assert.Equal(t, Deny, v.Decision)
	assert.Equal(t, "SG-101", v.RuleID)
	assert.Equal(t, ReasonGlobalKillSwitch, v.Reason)
	assert.Len(t, auditLog.ByKind(audit.KindGateDenied), 1)

	g.Switches().SetGlobal(false)
	v = g.Evaluate(context.Background(), a1Context(0.99))
	assert.Equal(t, Allow, v.Decision)
}

func TestTenantKillSwitch(t *testing.T) {
	g, _ := newGate(t)
	g.Switches().SetTenant("tenant-1", true)

	v := g.Evaluate(context.Background(), a1Context(0.99))
	assert.Equal(t, Deny, v.Decision)
	assert.Equal(t, "SG-102", v.RuleID)

	// Other tenants are unaffected.
	other := a1Context(0.99)
	other.TenantID = "tenant-2"
	assert.Equal(t, Allow, g.Evaluate(context.Background(), other).Decision)
}

func TestMissingTenantDenies(t *testing.T) {
	g, _ := newGate(t)
	ec := a1Context(0.99)
	ec.TenantID = ""

	v := g.Evaluate(context.Background(), ec)
	assert.Equal(t, Deny, v.Decision)
	assert.Equal(t, "SG-000", v.RuleID)
	assert.Equal(t, ReasonMissingTenant, v.Reason)
}

func TestUnverifiedPolicyEscalates(t *testing.T) {
	g, auditLog := newGate(t)
	ec := a1Context(0.99)
	ec.PolicyVerified = false

	v := g.Evaluate(context.Background(), ec)
	assert.Equal(t, RequireQuorum, v.Decision)
	assert.Equal(t, "SG-201", v.RuleID)
	assert.Len(t, auditLog.ByKind(audit.KindGateEscalated), 1)
}

func TestTrustFloors(t *testing.T) {
	g, _ := newGate(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		action   core.ActionType
		trust    float64
		decision Decision
		ruleID   string
	}{
		{"A2 below hard floor", core.A2HardContainment, 0.30, RequireHuman, "SG-301"},
		{"A2 between floors", core.A2HardContainment, 0.45, RequireQuorum, "SG-302"},
		{"A3 below hard floor", core.A3Irreversible, 0.30, RequireHuman, "SG-301"},
		{"A3 below its own floor", core.A3Irreversible, 0.70, RequireHuman, "SG-303"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := g.Evaluate(ctx, ExecutionContext{
				TenantID:       "tenant-1",
				ActionType:     tc.action,
				Confidence:     0.99,
				TrustScore:     tc.trust,
				PolicyVerified: true,
			})
			assert.Equal(t, tc.decision, v.Decision)
			assert.Equal(t, tc.ruleID, v.RuleID)
		})
	}
}

func TestA1ConfidenceThreshold(t *testing.T) {
	g, _ := newGate(t)
	ctx := context.Background()

	assert.Equal(t, Allow, g.Evaluate(ctx, a1Context(0.80)).Decision)

	v := g.Evaluate(ctx, a1Context(0.79))
	assert.Equal(t, Deny, v.Decision)
	assert.Equal(t, "SG-402", v.RuleID)
	assert.Equal(t, ReasonConfidenceFloor, v.Reason)
}

func TestA2QuorumPath(t *testing.T) {
	g, _ := newGate(t)
	ctx := context.Background()
	base := ExecutionContext{
		TenantID:       "tenant-1",
		ActionType:     core.A2HardContainment,
		TrustScore:     0.9,
		PolicyVerified: true,
	}

	direct := base
	direct.Confidence = 0.92
	assert.Equal(t, Allow, g.Evaluate(ctx, direct).Decision)

	quorum := base
	quorum.Confidence = 0.70
	quorum.QuorumCount = 2
	quorum.AggregateScore = 0.88
	assert.Equal(t, Allow, g.Evaluate(ctx, quorum).Decision)

	neither := base
	neither.Confidence = 0.70
	neither.QuorumCount = 1
	v := g.Evaluate(ctx, neither)
	assert.Equal(t, RequireQuorum, v.Decision)
	assert.Equal(t, "SG-404", v.RuleID)
}

func TestA3RequiresHumanOrWideQuorum(t *testing.T) {
	g, _ := newGate(t)
	ctx := context.Background()
	base := ExecutionContext{
		TenantID:       "tenant-1",
		ActionType:     core.A3Irreversible,
		Confidence:     0.98,
		TrustScore:     0.95,
		PolicyVerified: true,
	}

	v := g.Evaluate(ctx, base)
	assert.Equal(t, RequireHuman, v.Decision)
	assert.Equal(t, "SG-406", v.RuleID)

	human := base
	human.RequiredApproval = "human"
	assert.Equal(t, Allow, g.Evaluate(ctx, human).Decision)

	quorum := base
	quorum.QuorumCount = 3
	quorum.AggregateScore = 0.95
	assert.Equal(t, Allow, g.Evaluate(ctx, quorum).Decision)
}

func TestObserveAlwaysAllowed(t *testing.T) {
	g, _ := newGate(t)

	v := g.Evaluate(context.Background(), ExecutionContext{
		TenantID:       "tenant-1",
		ActionType:     core.A0Observe,
		PolicyVerified: true,
	})
	assert.Equal(t, Allow, v.Decision)
	assert.Equal(t, "SG-501", v.RuleID)
}

func TestUnknownActionTypeDefaultDenies(t *testing.T) {
	g, _ := newGate(t)

	v := g.Evaluate(context.Background(), ExecutionContext{
		TenantID:       "tenant-1",
		ActionType:     core.ActionType("A9_experimental"),
		TrustScore:     0.9,
		PolicyVerified: true,
	})
	assert.Equal(t, Deny, v.Decision)
	assert.Equal(t, "SG-999", v.RuleID)
	assert.Equal(t, ReasonDefaultDeny, v.Reason)
}

func TestEveryVerdictIsAudited(t *testing.T) {
	g, auditLog := newGate(t)
	ctx := context.Background()

	g.Evaluate(ctx, a1Context(0.99))
	g.Evaluate(ctx, a1Context(0.10))
	ec := a1Context(0.99)
	ec.PolicyVerified = false
	g.Evaluate(ctx, ec)

	total := auditLog.ByKind(audit.KindGateAllowed)
	total = append(total, auditLog.ByKind(audit.KindGateDenied)...)
	total = append(total, auditLog.ByKind(audit.KindGateEscalated)...)
	require.Len(t, total, 3)
}
