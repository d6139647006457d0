// Package gate is the single authoritative enforcement point for every
// side-effecting action. It fails closed: kill switches and missing
// context deny before any threshold logic runs, and any panic inside
// evaluation converts to DENY with gate_internal_error.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/admo/meshkernel/internal/audit"
	"github.com/admo/meshkernel/internal/core"
	"github.com/admo/meshkernel/internal/metrics"
)

// Decision is the gate verdict.
type Decision string

const (
	Allow         Decision = "ALLOW"
	Deny          Decision = "DENY"
	RequireQuorum Decision = "REQUIRE_QUORUM"
	RequireHuman  Decision = "REQUIRE_HUMAN"
)

// Denial and escalation reasons.
const (
	ReasonGlobalKillSwitch  = "global_kill_switch"
	ReasonTenantKillSwitch  = "tenant_kill_switch"
	ReasonMissingTenant     = "missing_tenant_context"
	ReasonPolicyUnverified  = "policy_not_verified"
	ReasonTrustFloor        = "trust_below_floor"
	ReasonConfidenceFloor   = "confidence_below_threshold"
	ReasonQuorumNotMet      = "quorum_not_met"
	ReasonHumanRequired     = "human_approval_required"
	ReasonDefaultDeny       = "no_rule_matched"
	ReasonGateInternalError = "gate_internal_error"
)

// ExecutionContext is everything the gate evaluates.
type ExecutionContext struct {
	TenantID         string
	ActionType       core.ActionType
	Confidence       float64
	TrustScore       float64
	PolicyVerified   bool
	QuorumCount      int
	AggregateScore   float64
	RequiredApproval string // "human" when an operator already committed
	ApprovalID       string
	IntentHash       string
	CorrelationID    string
}

// Verdict is the gate's answer plus the rule that produced it.
type Verdict struct {
	Decision  Decision
	RuleID    string
	Reason    string
	Rationale string
}

// KillSwitches is the global and per-tenant emergency stop surface.
type KillSwitches struct {
	mu      sync.RWMutex
	global  bool
	tenants map[string]bool
}

func NewKillSwitches() *KillSwitches {
	return &KillSwitches{tenants: make(map[string]bool)}
}

func (k *KillSwitches) SetGlobal(on bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.global = on
}

func (k *KillSwitches) Global() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.global
}

func (k *KillSwitches) SetTenant(tenantID string, on bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.tenants[tenantID] = on
}

func (k *KillSwitches) Tenant(tenantID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.tenants[tenantID]
}

// Gate evaluates execution contexts against the fixed rule precedence.
type Gate struct {
	switches *KillSwitches
	auditLog *audit.Log
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func New(switches *KillSwitches, auditLog *audit.Log, m *metrics.Metrics) *Gate {
	return &Gate{
		switches: switches,
		auditLog: auditLog,
		metrics:  m,
		logger:   slog.Default().With("component", "gate"),
	}
}

// Switches exposes the kill-switch surface.
func (g *Gate) Switches() *KillSwitches { return g.switches }

// Evaluate returns the verdict for one execution context and audits it.
func (g *Gate) Evaluate(ctx context.Context, ec ExecutionContext) (verdict Verdict) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("gate panic", "panic", fmt.Sprint(r), "tenant_id", ec.TenantID)
			verdict = Verdict{Decision: Deny, RuleID: "SG-999", Reason: ReasonGateInternalError,
				Rationale: "internal error during evaluation"}
			g.record(ctx, ec, verdict)
		}
	}()

	verdict = evaluate(g.switches, ec)
	g.record(ctx, ec, verdict)
	return verdict
}

// evaluate applies the rules in precedence order. First match wins.
func evaluate(switches *KillSwitches, ec ExecutionContext) Verdict {
	// 1-2. Kill switches.
	if switches.Global() {
		return Verdict{Deny, "SG-101", ReasonGlobalKillSwitch, "global kill switch engaged"}
	}
	if ec.TenantID != "" && switches.Tenant(ec.TenantID) {
		return Verdict{Deny, "SG-102", ReasonTenantKillSwitch, "tenant kill switch engaged"}
	}

	// 3. Tenant context is mandatory.
	if ec.TenantID == "" {
		return Verdict{Deny, "SG-000", ReasonMissingTenant, "execution context carries no tenant"}
	}

	// 4. Policy verification.
	if !ec.PolicyVerified {
		return Verdict{RequireQuorum, "SG-201", ReasonPolicyUnverified, "policy context not verified"}
	}

	// 5. Trust floors by action class.
	switch ec.ActionType {
	case core.A2HardContainment, core.A3Irreversible:
		if ec.TrustScore < 0.35 {
			return Verdict{RequireHuman, "SG-301", ReasonTrustFloor,
				fmt.Sprintf("trust %.2f below hard floor 0.35", ec.TrustScore)}
		}
	}
	if ec.ActionType == core.A2HardContainment && ec.TrustScore < 0.50 {
		return Verdict{RequireQuorum, "SG-302", ReasonTrustFloor,
			fmt.Sprintf("trust %.2f below A2 floor 0.50", ec.TrustScore)}
	}
	if ec.ActionType == core.A3Irreversible && ec.TrustScore < 0.80 {
		return Verdict{RequireHuman, "SG-303", ReasonTrustFloor,
			fmt.Sprintf("trust %.2f below A3 floor 0.80", ec.TrustScore)}
	}

	// 6. Confidence and collective-state thresholds.
	switch ec.ActionType {
	case core.A1SoftContainment:
		if ec.Confidence >= 0.80 {
			return Verdict{Allow, "SG-401", "", "A1 confidence threshold met"}
		}
		return Verdict{Deny, "SG-402", ReasonConfidenceFloor,
			fmt.Sprintf("A1 confidence %.2f below 0.80", ec.Confidence)}
	case core.A2HardContainment:
		if ec.Confidence >= 0.90 || (ec.QuorumCount >= 2 && ec.AggregateScore >= 0.85) {
			return Verdict{Allow, "SG-403", "", "A2 confidence or quorum threshold met"}
		}
		return Verdict{RequireQuorum, "SG-404", ReasonQuorumNotMet,
			fmt.Sprintf("A2 confidence %.2f, quorum %d, aggregate %.2f", ec.Confidence, ec.QuorumCount, ec.AggregateScore)}
	case core.A3Irreversible:
		if ec.Confidence >= 0.97 && ((ec.QuorumCount >= 3 && ec.AggregateScore >= 0.92) || ec.RequiredApproval == "human") {
			return Verdict{Allow, "SG-405", "", "A3 confidence and quorum/human threshold met"}
		}
		return Verdict{RequireHuman, "SG-406", ReasonHumanRequired,
			fmt.Sprintf("A3 confidence %.2f, quorum %d, aggregate %.2f", ec.Confidence, ec.QuorumCount, ec.AggregateScore)}
	}

	// 7. Observation-only actions are always safe.
	if ec.ActionType == core.A0Observe {
		return Verdict{Allow, "SG-501", "", "observation-only action"}
	}

	// 8. Default deny.
	return Verdict{Deny, "SG-999", ReasonDefaultDeny, "no rule matched action type"}
}

// record audits the verdict and bumps the decision counter.
func (g *Gate) record(ctx context.Context, ec ExecutionContext, v Verdict) {
	kind := audit.KindGateDenied
	switch v.Decision {
	case Allow:
		kind = audit.KindGateAllowed
	case RequireQuorum, RequireHuman:
		kind = audit.KindGateEscalated
	}
	g.metrics.GateDecisions.WithLabelValues(string(v.Decision), v.RuleID).Inc()
	g.auditLog.MustAppend(ctx, audit.Entry{
		Kind:          kind,
		TenantID:      ec.TenantID,
		CorrelationID: ec.CorrelationID,
		Payload: map[string]interface{}{
			"tenant_id":   ec.TenantID,
			"action_type": string(ec.ActionType),
			"decision":    string(v.Decision),
			"rule_id":     v.RuleID,
			"reason":      v.Reason,
			"rationale":   v.Rationale,
			"intent_hash": ec.IntentHash,
		},
	})
}
