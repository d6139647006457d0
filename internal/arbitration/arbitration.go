// Package arbitration manages the lifecycle of belief conflicts: open,
// resolution proposed, resolved with operator approval, or rejected.
// Resolution application is the only sanctioned post-publication edit
// path for belief metadata.
package arbitration

import (
	"context"
	"errors"
	"log/slog"

	"github.com/admo/meshkernel/internal/approval"
	"github.com/admo/meshkernel/internal/audit"
	"github.com/admo/meshkernel/internal/clock"
	"github.com/admo/meshkernel/internal/core"
	"github.com/admo/meshkernel/internal/flags"
	"github.com/admo/meshkernel/internal/metrics"
	"github.com/admo/meshkernel/internal/store"
)

var (
	ErrNotOpen           = errors.New("arbitration is not open")
	ErrNoProposal        = errors.New("arbitration has no proposed resolution")
	ErrApprovalNotGiven  = errors.New("approval not granted")
	ErrFeatureDisabled   = errors.New("arbitration subsystem disabled")
	ErrDuplicateConflict = errors.New("open arbitration already exists for conflict key")
)

// Service drives arbitrations from creation to resolution.
type Service struct {
	flags        *flags.Registry
	arbitrations *store.ArbitrationStore
	observations *store.ObservationStore
	approvals    *approval.Service
	auditLog     *audit.Log
	metrics      *metrics.Metrics
	clk          clock.Clock
	logger       *slog.Logger
}

func NewService(fl *flags.Registry, arbitrations *store.ArbitrationStore, observations *store.ObservationStore, approvals *approval.Service, auditLog *audit.Log, m *metrics.Metrics, clk clock.Clock) *Service {
	return &Service{
		flags:        fl,
		arbitrations: arbitrations,
		observations: observations,
		approvals:    approvals,
		auditLog:     auditLog,
		metrics:      m,
		clk:          clk,
		logger:       slog.Default().With("component", "arbitration"),
	}
}

// Store exposes the arbitration store for the visibility API.
func (s *Service) Store() *store.ArbitrationStore { return s.arbitrations }

// Create opens an arbitration, requests its approval, and audits. At
// most one open arbitration per conflict key.
func (s *Service) Create(ctx context.Context, a *core.Arbitration) error {
	if !s.flags.Enabled(flags.Arbitration) {
		if s.flags.FirstDisabledCall(flags.Arbitration) {
			s.auditLog.MustAppend(ctx, audit.Entry{
				Kind:    audit.KindFeatureDisabled,
				Payload: map[string]interface{}{"subsystem": flags.Arbitration},
			})
		}
		return ErrFeatureDisabled
	}
	if _, exists := s.arbitrations.OpenByConflictKey(a.ConflictKey); exists {
		return ErrDuplicateConflict
	}

	ap := s.approvals.Request(ctx, core.A1SoftContainment, "", a.SubjectKey, a.ConflictKey, "", "belief conflict resolution")
	a.ApprovalID = ap.ApprovalID
	a.Status = core.ArbitrationOpen

	if err := s.arbitrations.Put(a); err != nil {
		return err
	}
	s.auditLog.MustAppend(ctx, audit.Entry{
		Kind:          audit.KindArbitrationCreated,
		CorrelationID: a.CorrelationID,
		Payload: map[string]interface{}{
			"arbitration_id": a.ArbitrationID,
			"conflict_type":  string(a.ConflictType),
			"conflict_key":   a.ConflictKey,
			"subject_key":    a.SubjectKey,
			"claims":         a.Claims,
			"approval_id":    a.ApprovalID,
		},
	})
	return nil
}

// ProposeResolution attaches a proposed decision to an open arbitration.
func (s *Service) ProposeResolution(ctx context.Context, id string, resolution map[string]interface{}) error {
	a, err := s.arbitrations.Get(id)
	if err != nil {
		return err
	}
	if a.Status != core.ArbitrationOpen {
		return ErrNotOpen
	}

	updated := *a
	updated.ProposedResolution = resolution
	if err := s.arbitrations.Update(&updated); err != nil {
		return err
	}
	s.auditLog.MustAppend(ctx, audit.Entry{
		Kind:          audit.KindArbitrationProposed,
		CorrelationID: a.CorrelationID,
		Payload: map[string]interface{}{
			"arbitration_id": id,
			"resolution":     resolution,
		},
	})
	return nil
}

// ApplyResolution executes a proposed resolution once its approval is
// granted. Returns false without mutating any belief when preconditions
// fail.
func (s *Service) ApplyResolution(ctx context.Context, id, resolverFederateID string) (bool, error) {
	a, err := s.arbitrations.Get(id)
	if err != nil {
		return false, err
	}
	if a.Status != core.ArbitrationOpen {
		return false, ErrNotOpen
	}
	if len(a.ProposedResolution) == 0 {
		return false, ErrNoProposal
	}
	if !s.approvals.IsApproved(a.ApprovalID) {
		return false, nil
	}

	now := s.clk.Now()
	for _, beliefID := range a.Claims {
		if err := s.overlayBelief(beliefID, a); err != nil {
			s.logger.Error("belief overlay failed", "belief_id", beliefID, "arbitration_id", id, "error", err)
		}
	}

	updated := *a
	updated.Status = core.ArbitrationResolved
	updated.Decision = a.ProposedResolution
	updated.ResolverFederateID = resolverFederateID
	updated.ResolvedAtUTC = &now
	if updated.Metadata == nil {
		updated.Metadata = map[string]interface{}{}
	}
	updated.Metadata["resolution_applied_at_utc"] = now
	if err := s.arbitrations.Update(&updated); err != nil {
		return false, err
	}

	s.metrics.ArbitrationsResolved.Inc()
	s.auditLog.MustAppend(ctx, audit.Entry{
		Kind:          audit.KindArbitrationResolved,
		CorrelationID: a.CorrelationID,
		Payload: map[string]interface{}{
			"arbitration_id":       id,
			"resolver_federate_id": resolverFederateID,
			"decision":             a.ProposedResolution,
		},
	})
	return true, nil
}

// Reject closes an arbitration without applying its resolution.
func (s *Service) Reject(ctx context.Context, id, resolverFederateID, reason string) error {
	a, err := s.arbitrations.Get(id)
	if err != nil {
		return err
	}
	if a.Status != core.ArbitrationOpen {
		return ErrNotOpen
	}

	now := s.clk.Now()
	updated := *a
	updated.Status = core.ArbitrationRejected
	updated.ResolverFederateID = resolverFederateID
	updated.ResolvedAtUTC = &now
	if updated.Metadata == nil {
		updated.Metadata = map[string]interface{}{}
	}
	updated.Metadata["rejection_reason"] = reason
	if err := s.arbitrations.Update(&updated); err != nil {
		return err
	}

	s.metrics.ArbitrationsRejected.Inc()
	s.auditLog.MustAppend(ctx, audit.Entry{
		Kind:          audit.KindArbitrationRejected,
		CorrelationID: a.CorrelationID,
		Payload: map[string]interface{}{
			"arbitration_id":       id,
			"resolver_federate_id": resolverFederateID,
			"reason":               reason,
		},
	})
	return nil
}

// overlayBelief emits a replacement belief record with the decision
// overlaid on metadata. Belief identity never changes.
func (s *Service) overlayBelief(beliefID string, a *core.Arbitration) error {
	b, err := s.observations.GetBelief(beliefID)
	if err != nil {
		return err
	}

	overlaid := *b
	overlaid.Metadata = make(map[string]interface{}, len(b.Metadata)+len(a.ProposedResolution)+1)
	for k, v := range b.Metadata {
		overlaid.Metadata[k] = v
	}
	for k, v := range a.ProposedResolution {
		switch k {
		case "confidence":
			if c, ok := v.(float64); ok && c >= 0 && c <= 1 {
				overlaid.Confidence = c
			}
		default:
			overlaid.Metadata[k] = v
		}
	}
	overlaid.Metadata["arbitration_id"] = a.ArbitrationID
	return s.observations.PutBelief(&overlaid, true)
}
