// Package approval implements the human-in-the-loop consent surface.
// An approval binds one operator decision to exactly one intent hash;
// executions presenting any other hash are denied with binding_mismatch.
package approval

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/admo/meshkernel/internal/audit"
	"github.com/admo/meshkernel/internal/canonical"
	"github.com/admo/meshkernel/internal/clock"
	"github.com/admo/meshkernel/internal/core"
	"github.com/admo/meshkernel/internal/ids"
	"github.com/admo/meshkernel/internal/store"
)

// ErrAlreadyDecided is returned when deciding a terminal approval.
var ErrAlreadyDecided = errors.New("approval already decided")

// ErrApprovalNotFound is returned on unknown approval IDs.
var ErrApprovalNotFound = errors.New("approval not found")

// Binding check outcomes.
const (
	BindingOK       = "ok"
	BindingMismatch = "binding_mismatch"
	BindingNotFound = "approval_not_found"
)

// Service owns approvals and the frozen-intent bindings.
type Service struct {
	mu        sync.RWMutex
	clk       clock.Clock
	factory   *ids.Factory
	auditLog  *audit.Log
	intents   *store.IntentStore
	approvals map[string]*core.Approval
}

func NewService(clk clock.Clock, factory *ids.Factory, auditLog *audit.Log, intents *store.IntentStore) *Service {
	return &Service{
		clk:       clk,
		factory:   factory,
		auditLog:  auditLog,
		intents:   intents,
		approvals: make(map[string]*core.Approval),
	}
}

// Intents exposes the frozen-intent store.
func (s *Service) Intents() *store.IntentStore { return s.intents }

// Request opens an approval bound to one intent hash. A0 actions need
// no operator and are approved immediately.
func (s *Service) Request(ctx context.Context, actionType core.ActionType, tenantID, subject, intentHash, principalID, rationale string) *core.Approval {
	now := s.clk.Now()
	a := &core.Approval{
		SchemaVersion: core.SchemaVersion,
		ApprovalID:    s.factory.New(),
		ActionType:    actionType,
		TenantID:      tenantID,
		Subject:       subject,
		IntentHash:    intentHash,
		PrincipalID:   principalID,
		Status:        core.ApprovalPending,
		Rationale:     rationale,
		CreatedAt:     now,
	}
	if actionType == core.A0Observe {
		a.Status = core.ApprovalApproved
		decided := now
		a.DecidedAt = &decided
	}

	s.mu.Lock()
	s.approvals[a.ApprovalID] = a
	s.mu.Unlock()

	s.auditLog.MustAppend(ctx, audit.Entry{
		Kind:     audit.KindApprovalRequested,
		TenantID: tenantID,
		Payload: map[string]interface{}{
			"approval_id": a.ApprovalID,
			"action_type": string(actionType),
			"subject":     subject,
			"intent_hash": intentHash,
			"status":      string(a.Status),
		},
	})
	return a
}

// Decide records an operator decision. Decisions are terminal.
func (s *Service) Decide(ctx context.Context, approvalID string, approve bool, principalID, rationale string) error {
	s.mu.Lock()
	a, ok := s.approvals[approvalID]
	if !ok {
		s.mu.Unlock()
		return ErrApprovalNotFound
	}
	if a.Status != core.ApprovalPending {
		s.mu.Unlock()
		return ErrAlreadyDecided
	}

	updated := *a
	if approve {
		updated.Status = core.ApprovalApproved
	} else {
		updated.Status = core.ApprovalDenied
	}
	updated.PrincipalID = principalID
	updated.Rationale = rationale
	decided := s.clk.Now()
	updated.DecidedAt = &decided
	s.approvals[approvalID] = &updated
	s.mu.Unlock()

	s.auditLog.MustAppend(ctx, audit.Entry{
		Kind:     audit.KindApprovalDecided,
		TenantID: updated.TenantID,
		Payload: map[string]interface{}{
			"approval_id":  approvalID,
			"status":       string(updated.Status),
			"principal_id": principalID,
		},
	})
	return nil
}

// Expire transitions a pending approval to expired.
func (s *Service) Expire(ctx context.Context, approvalID string) error {
	s.mu.Lock()
	a, ok := s.approvals[approvalID]
	if !ok {
		s.mu.Unlock()
		return ErrApprovalNotFound
	}
	if a.Status != core.ApprovalPending {
		s.mu.Unlock()
		return ErrAlreadyDecided
	}
	updated := *a
	updated.Status = core.ApprovalExpired
	decided := s.clk.Now()
	updated.DecidedAt = &decided
	s.approvals[approvalID] = &updated
	s.mu.Unlock()

	s.auditLog.MustAppend(ctx, audit.Entry{
		Kind:     audit.KindApprovalExpired,
		TenantID: updated.TenantID,
		Payload:  map[string]interface{}{"approval_id": approvalID},
	})
	return nil
}

// Get returns one approval.
func (s *Service) Get(approvalID string) (*core.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.approvals[approvalID]
	if !ok {
		return nil, ErrApprovalNotFound
	}
	return a, nil
}

// IsApproved reports whether an approval is in state approved.
func (s *Service) IsApproved(approvalID string) bool {
	a, err := s.Get(approvalID)
	return err == nil && a.Status == core.ApprovalApproved
}

// CheckBinding verifies that the presented intent hash is the one the
// approval was granted for.
func (s *Service) CheckBinding(approvalID, intentHash string) string {
	a, err := s.Get(approvalID)
	if err != nil {
		return BindingNotFound
	}
	if a.IntentHash != intentHash {
		return BindingMismatch
	}
	if frozen, ok := s.intents.FrozenHash(approvalID); ok && frozen != intentHash {
		return BindingMismatch
	}
	return BindingOK
}

// List returns approvals sorted by (created_at, id).
func (s *Service) List() []*core.Approval {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Approval, 0, len(s.approvals))
	for _, a := range s.approvals {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ApprovalID < out[j].ApprovalID
	})
	return out
}

// ComputeIntentHash hashes the canonical intent with volatile fields
// stripped. The same logical intent always hashes identically, no
// matter when it was built or what execution state it reached.
func ComputeIntentHash(intent *core.ContainmentIntent) (string, error) {
	frozen := *intent
	frozen.CreatedAtUTC = time.Time{}
	frozen.ExpiresAtUTC = time.Time{}
	frozen.ExecutionStatus = ""
	frozen.IntentHash = ""
	frozen.ApprovalID = ""
	return canonical.StableHash(&frozen)
}
