// Package conflict detects semantic disagreements between beliefs and
// opens arbitrations for them. Detection is deterministic: the same
// belief set always produces the same conflict keys and arbitrations.
package conflict

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/admo/meshkernel/internal/arbitration"
	"github.com/admo/meshkernel/internal/audit"
	"github.com/admo/meshkernel/internal/belief"
	"github.com/admo/meshkernel/internal/clock"
	"github.com/admo/meshkernel/internal/core"
	"github.com/admo/meshkernel/internal/flags"
	"github.com/admo/meshkernel/internal/ids"
	"github.com/admo/meshkernel/internal/metrics"
)

// Predicate thresholds.
const (
	ConfidenceSpread  = 0.3
	HealthScoreSpread = 0.4
)

// Detector groups beliefs by conflict key and runs the predicates.
type Detector struct {
	flags        *flags.Registry
	arbitrations *arbitration.Service
	auditLog     *audit.Log
	metrics      *metrics.Metrics
	clk          clock.Clock
}

func NewDetector(fl *flags.Registry, arbitrations *arbitration.Service, auditLog *audit.Log, m *metrics.Metrics, clk clock.Clock) *Detector {
	return &Detector{
		flags:        fl,
		arbitrations: arbitrations,
		auditLog:     auditLog,
		metrics:      m,
		clk:          clk,
	}
}

// Key derives the deterministic conflict key for a belief group.
func Key(beliefType, subjectKey, hourlyWindow string) string {
	sum := sha256.Sum256([]byte(beliefType + ":" + subjectKey + ":" + hourlyWindow))
	return hex.EncodeToString(sum[:])[:16]
}

// SubjectKey extracts the subject a belief is about. Beliefs carry the
// subject in metadata; correlation ID is the fallback grouping axis.
func SubjectKey(b *core.Belief) string {
	if s, ok := b.Metadata["subject"].(string); ok && s != "" {
		return s
	}
	if b.CorrelationID != "" {
		return b.CorrelationID
	}
	return belief.NoCorrelation
}

// Run detects conflicts among the given beliefs and opens one
// arbitration per conflicting group. Returns the arbitrations created.
func (d *Detector) Run(ctx context.Context, beliefs []*core.Belief) []*core.Arbitration {
	if !d.flags.Enabled(flags.ConflictDetection) {
		if d.flags.FirstDisabledCall(flags.ConflictDetection) {
			d.auditLog.MustAppend(ctx, audit.Entry{
				Kind:    audit.KindFeatureDisabled,
				Payload: map[string]interface{}{"subsystem": flags.ConflictDetection},
			})
		}
		return nil
	}

	groups := make(map[string][]*core.Belief)
	for _, b := range beliefs {
		key := Key(b.BeliefType, SubjectKey(b), belief.HourlyWindow(b.DerivedAt))
		groups[key] = append(groups[key], b)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var created []*core.Arbitration
	for _, key := range keys {
		group := groups[key]
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].BeliefID < group[j].BeliefID })

		conflictType, found := classify(group)
		if !found {
			continue
		}

		arb := d.buildArbitration(key, conflictType, group)
		if err := d.arbitrations.Create(ctx, arb); err != nil {
			// An open arbitration for this key already covers the group.
			continue
		}
		d.metrics.ConflictsDetected.WithLabelValues(string(conflictType)).Inc()
		d.auditLog.MustAppend(ctx, audit.Entry{
			Kind:          audit.KindConflictDetected,
			CorrelationID: arb.CorrelationID,
			Payload: map[string]interface{}{
				"conflict_key":   key,
				"conflict_type":  string(conflictType),
				"arbitration_id": arb.ArbitrationID,
				"claims":         arb.Claims,
			},
		})
		created = append(created, arb)
	}
	return created
}

// classify runs the predicates and picks the conflict type by fixed
// precedence: threat_classification > system_health >
// confidence_dispute > evidence_conflict.
func classify(group []*core.Belief) (core.ConflictType, bool) {
	if strings.HasPrefix(group[0].BeliefType, "threat_") && distinctThreatTypes(group) > 1 {
		return core.ConflictThreatClassification, true
	}
	if strings.HasPrefix(group[0].BeliefType, "health_") || group[0].BeliefType == string(core.ObsSystemHealth) {
		if healthSpread(group) > HealthScoreSpread {
			return core.ConflictSystemHealth, true
		}
	}
	if confidenceSpread(group) > ConfidenceSpread {
		return core.ConflictConfidenceDispute, true
	}
	if disjointSources(group) {
		return core.ConflictEvidence, true
	}
	return "", false
}

func (d *Detector) buildArbitration(key string, conflictType core.ConflictType, group []*core.Belief) *core.Arbitration {
	claims := make([]string, 0, len(group))
	evidence := make(map[string]struct{})
	parts := make([]string, 0, len(group))
	for _, b := range group {
		claims = append(claims, b.BeliefID)
		parts = append(parts, b.BeliefID)
		for _, obsID := range b.SourceObservations {
			evidence[obsID] = struct{}{}
		}
	}
	sort.Strings(claims)

	evidenceRefs := make([]string, 0, len(evidence))
	for ref := range evidence {
		evidenceRefs = append(evidenceRefs, ref)
	}
	sort.Strings(evidenceRefs)

	now := d.clk.Now()
	return &core.Arbitration{
		SchemaVersion: core.SchemaVersion,
		ArbitrationID: ids.Deterministic(now, append(parts, key)),
		CreatedAtUTC:  now,
		Status:        core.ArbitrationOpen,
		ConflictType:  conflictType,
		SubjectKey:    SubjectKey(group[0]),
		ConflictKey:   key,
		Claims:        claims,
		EvidenceRefs:  evidenceRefs,
		CorrelationID: group[0].CorrelationID,
	}
}

func confidenceSpread(group []*core.Belief) float64 {
	min, max := group[0].Confidence, group[0].Confidence
	for _, b := range group[1:] {
		if b.Confidence < min {
			min = b.Confidence
		}
		if b.Confidence > max {
			max = b.Confidence
		}
	}
	return max - min
}

func healthSpread(group []*core.Belief) float64 {
	var scores []float64
	for _, b := range group {
		if s, ok := b.Metadata["health_score"].(float64); ok {
			scores = append(scores, s)
		}
	}
	if len(scores) < 2 {
		return 0
	}
	min, max := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	return max - min
}

func distinctThreatTypes(group []*core.Belief) int {
	types := make(map[string]struct{})
	for _, b := range group {
		switch v := b.Metadata["threat_types"].(type) {
		case []string:
			for _, t := range v {
				types[t] = struct{}{}
			}
		case []interface{}:
			for _, item := range v {
				if t, ok := item.(string); ok {
					types[t] = struct{}{}
				}
			}
		}
		if t, ok := b.Metadata["threat_type"].(string); ok {
			types[t] = struct{}{}
		}
	}
	return len(types)
}

// disjointSources reports whether no two beliefs in the group share a
// source observation.
func disjointSources(group []*core.Belief) bool {
	seen := make(map[string]struct{})
	for _, b := range group {
		for _, obsID := range b.SourceObservations {
			if _, dup := seen[obsID]; dup {
				return false
			}
		}
		for _, obsID := range b.SourceObservations {
			seen[obsID] = struct{}{}
		}
	}
	return true
}
