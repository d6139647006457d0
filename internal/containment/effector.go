package containment

import (
	"context"
	"log/slog"
	"time"

	"github.com/admo/meshkernel/internal/approval"
	"github.com/admo/meshkernel/internal/audit"
	"github.com/admo/meshkernel/internal/clock"
	"github.com/admo/meshkernel/internal/core"
	"github.com/admo/meshkernel/internal/flags"
	"github.com/admo/meshkernel/internal/gate"
	"github.com/admo/meshkernel/internal/metrics"
	"github.com/admo/meshkernel/internal/store"
)

// DefaultMaxTTL is the longest containment window the effector accepts.
const DefaultMaxTTL = 24 * time.Hour

// Revert reasons.
const (
	RevertExpired  = "expired"
	RevertOperator = "operator_requested"
)

// Apply failure reasons audited before returning nil.
const (
	applyGateDenied      = "gate_denied"
	applyBindingMismatch = "binding_mismatch"
	applyIntentExpired   = "intent_expired"
	applyTTLExceeded     = "ttl_exceeds_effector_max"
	applyAlreadyActive   = "already_active"
)

// Effector is the only side-effecting component in the kernel. Every
// apply re-evaluates the safety gate and the approval binding; every
// failure audits and returns nil rather than erroring across the
// subsystem boundary.
type Effector struct {
	flags    *flags.Registry
	gate     *gate.Gate
	approvals *approval.Service
	applied  *store.AppliedStore
	auditLog *audit.Log
	metrics  *metrics.Metrics
	clk      clock.Clock
	maxTTL   time.Duration
	logger   *slog.Logger
}

func NewEffector(fl *flags.Registry, g *gate.Gate, approvals *approval.Service, applied *store.AppliedStore, auditLog *audit.Log, m *metrics.Metrics, clk clock.Clock, maxTTL time.Duration) *Effector {
	if maxTTL <= 0 {
		maxTTL = DefaultMaxTTL
	}
	return &Effector{
		flags:    fl,
		gate:     g,
		approvals: approvals,
		applied:  applied,
		auditLog: auditLog,
		metrics:  m,
		clk:      clk,
		maxTTL:   maxTTL,
		logger:   slog.Default().With("component", "effector"),
	}
}

// Applied exposes the applied-record store for the visibility API.
func (e *Effector) Applied() *store.AppliedStore { return e.applied }

// Apply executes a containment intent. Preconditions run in order; the
// first failure audits and returns nil.
func (e *Effector) Apply(ctx context.Context, intent *core.ContainmentIntent, approvalID string, ec gate.ExecutionContext) *core.AppliedRecord {
	if !e.flags.Enabled(flags.Containment) {
		if e.flags.FirstDisabledCall(flags.Containment) {
			e.auditLog.MustAppend(ctx, audit.Entry{
				Kind:    audit.KindFeatureDisabled,
				Payload: map[string]interface{}{"subsystem": flags.Containment},
			})
		}
		return nil
	}

	// 1. Safety gate, re-evaluated at execution time.
	ec.IntentHash = intent.IntentHash
	ec.ApprovalID = approvalID
	if verdict := e.gate.Evaluate(ctx, ec); verdict.Decision != gate.Allow {
		e.auditFailure(ctx, intent, applyGateDenied, map[string]interface{}{
			"rule_id": verdict.RuleID, "reason": verdict.Reason,
		})
		return nil
	}

	// 2. Approval binding: the recomputed hash must match the frozen one.
	hash, err := approval.ComputeIntentHash(intent)
	if err != nil || hash != intent.IntentHash {
		e.auditFailure(ctx, intent, applyBindingMismatch, nil)
		return nil
	}
	if binding := e.approvals.CheckBinding(approvalID, hash); binding != approval.BindingOK {
		e.auditFailure(ctx, intent, applyBindingMismatch, map[string]interface{}{"binding": binding})
		return nil
	}
	if !e.approvals.IsApproved(approvalID) {
		e.auditFailure(ctx, intent, applyGateDenied, map[string]interface{}{"reason": "approval_not_granted"})
		return nil
	}

	now := e.clk.Now()

	// 3. Intent freshness.
	if now.After(intent.ExpiresAtUTC) {
		e.auditFailure(ctx, intent, applyIntentExpired, nil)
		return nil
	}

	// 4. TTL bound.
	ttl := time.Duration(intent.Scope.TTLSeconds) * time.Second
	if ttl <= 0 || ttl > e.maxTTL {
		e.auditFailure(ctx, intent, applyTTLExceeded, map[string]interface{}{"ttl_seconds": intent.Scope.TTLSeconds})
		return nil
	}

	rec := &core.AppliedRecord{
		SchemaVersion: core.SchemaVersion,
		Key:           core.ContainmentKey(intent.SubjectID, intent.Provider, intent.Scope.ScopeType),
		SubjectID:     intent.SubjectID,
		Provider:      intent.Provider,
		ScopeType:     intent.Scope.ScopeType,
		IntentID:      intent.IntentID,
		ApprovalID:    approvalID,
		AppliedAtUTC:  now,
		ExpiresAtUTC:  now.Add(ttl),
	}
	if err := e.applied.PutApplied(rec); err != nil {
		e.auditFailure(ctx, intent, applyAlreadyActive, nil)
		return nil
	}

	e.metrics.ContainmentsApplied.Inc()
	e.metrics.ActiveContainments.Inc()
	e.auditLog.MustAppend(ctx, audit.Entry{
		Kind: audit.KindContainmentApplied,
		Payload: map[string]interface{}{
			"key":            rec.Key,
			"subject_id":     rec.SubjectID,
			"provider":       rec.Provider,
			"scope_type":     rec.ScopeType,
			"intent_id":      rec.IntentID,
			"approval_id":    approvalID,
			"expires_at_utc": rec.ExpiresAtUTC,
		},
	})
	return rec
}

// Revert undoes a containment window. Idempotent: reverting an
// inactive key still produces a RevertedRecord with the given reason.
func (e *Effector) Revert(ctx context.Context, subjectID, provider, scopeType, intentID, reason string) *core.RevertedRecord {
	key := core.ContainmentKey(subjectID, provider, scopeType)
	now := e.clk.Now()

	active, wasActive := e.applied.Active(key)
	if wasActive && intentID == "" {
		intentID = active.IntentID
	}

	rec := &core.RevertedRecord{
		SchemaVersion: core.SchemaVersion,
		Key:           key,
		SubjectID:     subjectID,
		Provider:      provider,
		ScopeType:     scopeType,
		IntentID:      intentID,
		Reason:        reason,
		RevertedAtUTC: now,
	}
	e.applied.PutReverted(rec)

	if wasActive {
		e.metrics.ActiveContainments.Dec()
	}
	e.metrics.ContainmentsReverted.WithLabelValues(reason).Inc()
	e.auditLog.MustAppend(ctx, audit.Entry{
		Kind: audit.KindContainmentReverted,
		Payload: map[string]interface{}{
			"key":        key,
			"subject_id": subjectID,
			"provider":   provider,
			"scope_type": scopeType,
			"intent_id":  intentID,
			"reason":     reason,
			"was_active": wasActive,
		},
	})
	return rec
}

// ProcessExpirations reverts every applied record past its expiry.
func (e *Effector) ProcessExpirations(ctx context.Context) []*core.RevertedRecord {
	expired := e.applied.Expired(e.clk.Now())
	out := make([]*core.RevertedRecord, 0, len(expired))
	for _, rec := range expired {
		out = append(out, e.Revert(ctx, rec.SubjectID, rec.Provider, rec.ScopeType, rec.IntentID, RevertExpired))
	}
	return out
}

func (e *Effector) auditFailure(ctx context.Context, intent *core.ContainmentIntent, reason string, extra map[string]interface{}) {
	payload := map[string]interface{}{
		"intent_id":  intent.IntentID,
		"subject_id": intent.SubjectID,
		"provider":   intent.Provider,
		"scope_type": intent.Scope.ScopeType,
		"reason":     reason,
	}
	for k, v := range extra {
		payload[k] = v
	}
	e.auditLog.MustAppend(ctx, audit.Entry{
		Kind:    audit.KindGateDenied,
		Payload: payload,
	})
	e.logger.Warn("containment apply refused", "intent_id", intent.IntentID, "reason", reason)
}
