// Package ingest validates and commits inbound observations. The
// pipeline is strictly ordered; the first failing step short-circuits
// with an observation_rejected audit event and no state mutation.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/admo/meshkernel/internal/audit"
	"github.com/admo/meshkernel/internal/clock"
	"github.com/admo/meshkernel/internal/core"
	"github.com/admo/meshkernel/internal/crypto"
	"github.com/admo/meshkernel/internal/flags"
	"github.com/admo/meshkernel/internal/messages"
	"github.com/admo/meshkernel/internal/metrics"
	"github.com/admo/meshkernel/internal/store"
)

// Rejection reasons returned by Submit.
const (
	ReasonFeatureDisabled  = "feature_disabled"
	ReasonFederateNotFound = "federate_not_found"
	ReasonSchemaInvalid    = "schema_validation_failed"
	ReasonSignatureInvalid = "signature_invalid"
	ReasonNonceReplay      = "nonce_replay"
	ReasonDuplicate        = "duplicate_observation"
)

// MaxObservationAge rejects observations older than this.
const MaxObservationAge = 24 * time.Hour

// Result is the outcome of one ingest attempt.
type Result struct {
	Accepted bool
	Reason   string
}

// Pipeline is the observation ingest service.
type Pipeline struct {
	flags         *flags.Registry
	identities    *store.IdentityStore
	observations  *store.ObservationStore
	nonces        store.NonceStore
	auditLog      *audit.Log
	metrics       *metrics.Metrics
	clk           clock.Clock
	maxSkew       time.Duration
	requireSigned bool
	logger        *slog.Logger
}

func NewPipeline(fl *flags.Registry, identities *store.IdentityStore, observations *store.ObservationStore, nonces store.NonceStore, auditLog *audit.Log, m *metrics.Metrics, clk clock.Clock, requireSigned bool) *Pipeline {
	return &Pipeline{
		flags:         fl,
		identities:    identities,
		observations:  observations,
		nonces:        nonces,
		auditLog:      auditLog,
		metrics:       m,
		clk:           clk,
		maxSkew:       crypto.DefaultMaxSkew,
		requireSigned: requireSigned,
		logger:        slog.Default().With("component", "ingest"),
	}
}

// Submit runs one observation through the pipeline.
func (p *Pipeline) Submit(ctx context.Context, obs *core.Observation) Result {
	// 1. Feature flag.
	if !p.flags.Enabled(flags.ObservationIngest) {
		if p.flags.FirstDisabledCall(flags.ObservationIngest) {
			p.auditLog.MustAppend(ctx, audit.Entry{
				Kind:    audit.KindFeatureDisabled,
				Payload: map[string]interface{}{"subsystem": flags.ObservationIngest},
			})
		}
		return Result{Reason: ReasonFeatureDisabled}
	}

	// 2. Source federate exists and completed its handshake.
	if _, err := p.identities.Get(obs.SourceFederateID); err != nil || !p.identities.IsConfirmed(obs.SourceFederateID) {
		return p.reject(ctx, obs, ReasonFederateNotFound)
	}

	// 3. Schema validation.
	if reason := validate(obs, p.clk.Now()); reason != "" {
		return p.reject(ctx, obs, reason)
	}

	// 4. Signature verification. The integrity pipeline commits the
	// nonce, so step 5's replay guard only runs for unsigned intake.
	if p.requireSigned {
		if ok, reason := p.verifySignature(obs); !ok {
			return p.reject(ctx, obs, reason)
		}
	} else if obs.Nonce != "" {
		// 5. Nonce-replay guard for unsigned observations.
		if !p.nonces.Available(obs.SourceFederateID, obs.Nonce) {
			return p.reject(ctx, obs, ReasonNonceReplay)
		}
	}

	// 6. Deduplication by observation ID.
	if p.observations.Has(obs.ObservationID) {
		return p.reject(ctx, obs, ReasonDuplicate)
	}

	// 7. Commit.
	if err := p.observations.Put(obs); err != nil {
		if err == store.ErrDuplicateID {
			return p.reject(ctx, obs, ReasonDuplicate)
		}
		p.logger.Error("observation commit failed", "observation_id", obs.ObservationID, "error", err)
		return p.reject(ctx, obs, ReasonSchemaInvalid)
	}
	if !p.requireSigned && obs.Nonce != "" {
		p.nonces.MarkUsed(obs.SourceFederateID, obs.Nonce)
	}
	p.identities.Touch(obs.SourceFederateID)

	p.metrics.ObservationsAccepted.Inc()
	p.auditLog.MustAppend(ctx, audit.Entry{
		Kind:          audit.KindObservationAccepted,
		CorrelationID: obs.CorrelationID,
		Payload: map[string]interface{}{
			"observation_id":     obs.ObservationID,
			"source_federate_id": obs.SourceFederateID,
			"observation_type":   string(obs.ObservationType),
			"confidence":         obs.Confidence,
			"observation":        obs,
		},
	})
	return Result{Accepted: true}
}

func (p *Pipeline) verifySignature(obs *core.Observation) (bool, string) {
	if obs.Signature == nil {
		return false, ReasonSignatureInvalid
	}
	id, err := p.identities.Get(obs.SourceFederateID)
	if err != nil {
		return false, ReasonFederateNotFound
	}
	pub, err := crypto.ParsePublicKey(id.PublicKey)
	if err != nil {
		return false, ReasonSignatureInvalid
	}

	env, err := messages.NewObservationEnvelope(obs)
	if err != nil {
		return false, ReasonSchemaInvalid
	}
	ok, vreason := crypto.VerifyIntegrity(env, id.KeyID, pub, p.nonces, p.clk, p.maxSkew)
	if !ok {
		if vreason == crypto.ReasonNonceReuse {
			return false, ReasonNonceReplay
		}
		return false, ReasonSignatureInvalid
	}
	return true, ""
}

// validate returns the first schema violation, or empty.
func validate(obs *core.Observation, now time.Time) string {
	if obs.ObservationID == "" || obs.SourceFederateID == "" {
		return ReasonSchemaInvalid
	}
	switch obs.ObservationType {
	case core.ObsTelemetrySummary, core.ObsThreatIntel, core.ObsAnomalyDetection,
		core.ObsSystemHealth, core.ObsNetworkActivity, core.ObsCustom:
	default:
		return ReasonSchemaInvalid
	}
	if obs.Confidence < 0 || obs.Confidence > 1 {
		return ReasonSchemaInvalid
	}
	if len(obs.Payload) == 0 {
		return ReasonSchemaInvalid
	}
	if obs.TimestampUTC.IsZero() || obs.TimestampUTC.After(now) {
		return ReasonSchemaInvalid
	}
	if now.Sub(obs.TimestampUTC) > MaxObservationAge {
		return ReasonSchemaInvalid
	}
	return ""
}

func (p *Pipeline) reject(ctx context.Context, obs *core.Observation, reason string) Result {
	p.metrics.ObservationsRejected.WithLabelValues(reason).Inc()
	p.auditLog.MustAppend(ctx, audit.Entry{
		Kind:          audit.KindObservationRejected,
		CorrelationID: obs.CorrelationID,
		Payload: map[string]interface{}{
			"observation_id":     obs.ObservationID,
			"source_federate_id": obs.SourceFederateID,
			"observation_type":   string(obs.ObservationType),
			"reason":             reason,
		},
	})
	return Result{Reason: reason}
}
