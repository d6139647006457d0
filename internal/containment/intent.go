package containment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/admo/meshkernel/internal/approval"
	"github.com/admo/meshkernel/internal/audit"
	"github.com/admo/meshkernel/internal/clock"
	"github.com/admo/meshkernel/internal/core"
	"github.com/admo/meshkernel/internal/flags"
	"github.com/admo/meshkernel/internal/ids"
)

// DefaultIntentTTL bounds how long a frozen intent stays executable.
const DefaultIntentTTL = time.Hour

// ErrContainmentDisabled is returned when the subsystem flag is off.
var ErrContainmentDisabled = errors.New("identity containment subsystem disabled")

// IntentService freezes recommendations into hash-bound intents and
// opens their approval requests.
type IntentService struct {
	flags     *flags.Registry
	approvals *approval.Service
	auditLog  *audit.Log
	factory   *ids.Factory
	clk       clock.Clock
	tenantID  string
	cellID    string
}

func NewIntentService(fl *flags.Registry, approvals *approval.Service, auditLog *audit.Log, factory *ids.Factory, clk clock.Clock, tenantID, cellID string) *IntentService {
	return &IntentService{
		flags:     fl,
		approvals: approvals,
		auditLog:  auditLog,
		factory:   factory,
		clk:       clk,
		tenantID:  tenantID,
		cellID:    cellID,
	}
}

// FromRecommendation freezes an intent, computes its hash, opens the
// bound approval and stores the intent. Re-submitting with the same
// idempotency key returns the previously frozen intent.
func (s *IntentService) FromRecommendation(ctx context.Context, rec *Recommendation, requestedBy, idempotencyKey string) (*core.ContainmentIntent, error) {
	if !s.flags.Enabled(flags.Containment) {
		if s.flags.FirstDisabledCall(flags.Containment) {
			s.auditLog.MustAppend(ctx, audit.Entry{
				Kind:    audit.KindFeatureDisabled,
				Payload: map[string]interface{}{"subsystem": flags.Containment},
			})
		}
		return nil, ErrContainmentDisabled
	}

	if idempotencyKey != "" {
		if existing, ok := s.approvals.Intents().GetByIdempotencyKey(idempotencyKey); ok {
			return existing, nil
		}
	}

	now := s.clk.Now()
	intent := &core.ContainmentIntent{
		SchemaVersion:    core.SchemaVersion,
		IntentID:         s.factory.New(),
		RecommendationID: rec.RecommendationID,
		SubjectID:        rec.SubjectID,
		Provider:         rec.Provider,
		Scope:            rec.Scope,
		IntentType:       core.IntentApply,
		RequestedBy:      requestedBy,
		CreatedAtUTC:     now,
		ExpiresAtUTC:     now.Add(DefaultIntentTTL),
		IdempotencyKey:   idempotencyKey,
	}

	hash, err := approval.ComputeIntentHash(intent)
	if err != nil {
		return nil, fmt.Errorf("freeze intent: %w", err)
	}
	intent.IntentHash = hash

	subject := core.ContainmentKey(rec.SubjectID, rec.Provider, rec.Scope.ScopeType)
	ap := s.approvals.Request(ctx, rec.Scope.ApprovalLevel, s.tenantID, subject, hash, requestedBy, rec.Rationale)
	intent.ApprovalID = ap.ApprovalID

	if err := s.approvals.Intents().Put(ap.ApprovalID, intent); err != nil {
		return nil, fmt.Errorf("store intent: %w", err)
	}

	s.auditLog.MustAppend(ctx, audit.Entry{
		Kind:     audit.KindContainmentIntent,
		TenantID: s.tenantID,
		Payload: map[string]interface{}{
			"intent_id":         intent.IntentID,
			"recommendation_id": rec.RecommendationID,
			"subject_id":        rec.SubjectID,
			"provider":          rec.Provider,
			"scope_type":        rec.Scope.ScopeType,
			"intent_hash":       hash,
			"approval_id":       ap.ApprovalID,
			"approval_level":    string(rec.Scope.ApprovalLevel),
		},
	})
	return intent, nil
}
