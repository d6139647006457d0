package conflict

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/admo/meshkernel/internal/approval"
	"github.com/admo/meshkernel/internal/arbitration"
	"github.com/admo/meshkernel/internal/audit"
	"github.com/admo/meshkernel/internal/belief"
	"github.com/admo/meshkernel/internal/clock"
	"github.com/admo/meshkernel/internal/core"
	"github.com/admo/meshkernel/internal/flags"
	"github.com/admo/meshkernel/internal/ids"
	"github.com/admo/meshkernel/internal/metrics"
	"github.com/admo/meshkernel/internal/store"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	detector *Detector
	arbs     *arbitration.Service
	approver *approval.Service
	auditLog *audit.Log
	clk      *clock.Fake
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clk := clock.NewFake(baseTime)
	factory := ids.NewFactory(clk)
	auditLog := audit.NewLog("cell-eu-a-1", clk, factory)
	m := metrics.New()
	fl := flags.NewRegistry()
	fl.Enable(flags.ConflictDetection)
	fl.Enable(flags.Arbitration)

	approver := approval.NewService(clk, factory, auditLog, store.NewIntentStore())
	arbs := arbitration.NewService(fl, store.NewArbitrationStore(clk), store.NewObservationStore(clk), approver, auditLog, m, clk)
	return &env{
		detector: NewDetector(fl, arbs, auditLog, m, clk),
		arbs:     arbs,
		approver: approver,
		auditLog: auditLog,
		clk:      clk,
	}
}

func threatBelief(id, threatType string, conf float64, sources []string) *core.Belief {
	return &core.Belief{
		SchemaVersion:      core.SchemaVersion,
		BeliefID:           id,
		BeliefType:         string(core.ObsThreatIntel),
		Confidence:         conf,
		SourceObservations: sources,
		DerivedAt:          baseTime,
		CorrelationID:      "corr-1",
		Metadata:           map[string]interface{}{"threat_types": []string{threatType}},
	}
}

func TestThreatClassificationConflict(t *testing.T) {
	e := newEnv(t)
	beliefs := []*core.Belief{
		threatBelief("b-1", "malware", 0.9, []string{"obs-1"}),
		threatBelief("b-2", "phishing", 0.85, []string{"obs-2"}),
		threatBelief("b-3", "c2", 0.8, []string{"obs-3"}),
	}

	created := e.detector.Run(context.Background(), beliefs)
	require.Len(t, created, 1)

	arb := created[0]
	assert.Equal(t, core.ConflictThreatClassification, arb.ConflictType)
	assert.Equal(t, core.ArbitrationOpen, arb.Status)
	assert.Equal(t, []string{"b-1", "b-2", "b-3"}, arb.Claims)
	assert.Equal(t, []string{"obs-1", "obs-2", "obs-3"}, arb.EvidenceRefs)
	assert.NotEmpty(t, arb.ApprovalID)
	assert.Equal(t, "corr-1", arb.SubjectKey)
	assert.Len(t, e.auditLog.ByKind(audit.KindConflictDetected), 1)

	// The arbitration's approval is pending, not auto-granted.
	assert.False(t, e.approver.IsApproved(arb.ApprovalID))
}

func TestDuplicateConflictKeyIsSuppressed(t *testing.T) {
	e := newEnv(t)
	beliefs := []*core.Belief{
		threatBelief("b-1", "malware", 0.9, []string{"obs-1"}),
		threatBelief("b-2", "phishing", 0.85, []string{"obs-2"}),
	}

	require.Len(t, e.detector.Run(context.Background(), beliefs), 1)
	// Same beliefs again: the open arbitration already covers the key.
	assert.Empty(t, e.detector.Run(context.Background(), beliefs))
	assert.Len(t, e.auditLog.ByKind(audit.KindArbitrationCreated), 1)
}

func TestConfidenceDispute(t *testing.T) {
	e := newEnv(t)
	beliefs := []*core.Belief{
		{BeliefID: "b-1", BeliefType: "telemetry_summary", Confidence: 0.95, SourceObservations: []string{"obs-1"}, DerivedAt: baseTime, CorrelationID: "corr-c"},
		{BeliefID: "b-2", BeliefType: "telemetry_summary", Confidence: 0.40, SourceObservations: []string{"obs-1"}, DerivedAt: baseTime, CorrelationID: "corr-c"},
	}

	created := e.detector.Run(context.Background(), beliefs)
	require.Len(t, created, 1)
	assert.Equal(t, core.ConflictConfidenceDispute, created[0].ConflictType)
}

func TestEvidenceConflictRequiresDisjointSources(t *testing.T) {
	e := newEnv(t)

	disjoint := []*core.Belief{
		{BeliefID: "b-1", BeliefType: "network_activity", Confidence: 0.8, SourceObservations: []string{"obs-1"}, DerivedAt: baseTime, CorrelationID: "corr-e"},
		{BeliefID: "b-2", BeliefType: "network_activity", Confidence: 0.75, SourceObservations: []string{"obs-2"}, DerivedAt: baseTime, CorrelationID: "corr-e"},
	}
	created := e.detector.Run(context.Background(), disjoint)
	require.Len(t, created, 1)
	assert.Equal(t, core.ConflictEvidence, created[0].ConflictType)

	shared := []*core.Belief{
		{BeliefID: "b-3", BeliefType: "network_activity", Confidence: 0.8, SourceObservations: []string{"obs-9"}, DerivedAt: baseTime, CorrelationID: "corr-f"},
		{BeliefID: "b-4", BeliefType: "network_activity", Confidence: 0.75, SourceObservations: []string{"obs-9"}, DerivedAt: baseTime, CorrelationID: "corr-f"},
	}
	assert.Empty(t, e.detector.Run(context.Background(), shared))
}

func TestSystemHealthSpread(t *testing.T) {
	e := newEnv(t)
	beliefs := []*core.Belief{
		{BeliefID: "b-1", BeliefType: string(core.ObsSystemHealth), Confidence: 0.8, SourceObservations: []string{"obs-1"}, DerivedAt: baseTime, CorrelationID: "corr-h",
			Metadata: map[string]interface{}{"health_score": 0.9}},
		{BeliefID: "b-2", BeliefType: string(core.ObsSystemHealth), Confidence: 0.8, SourceObservations: []string{"obs-2"}, DerivedAt: baseTime, CorrelationID: "corr-h",
			Metadata: map[string]interface{}{"health_score": 0.2}},
	}

	created := e.detector.Run(context.Background(), beliefs)
	require.Len(t, created, 1)
	assert.Equal(t, core.ConflictSystemHealth, created[0].ConflictType)
}

func TestKeyIsDeterministic(t *testing.T) {
	a := Key("threat_intel", "johndoe", "2026-03-01T12")
	b := Key("threat_intel", "johndoe", "2026-03-01T12")
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, Key("threat_intel", "johndoe", "2026-03-01T13"))
}

func TestSubjectKeyFallback(t *testing.T) {
	withSubject := &core.Belief{Metadata: map[string]interface{}{"subject": "johndoe"}, CorrelationID: "corr-1"}
	assert.Equal(t, "johndoe", SubjectKey(withSubject))

	withCorr := &core.Belief{CorrelationID: "corr-1"}
	assert.Equal(t, "corr-1", SubjectKey(withCorr))

	assert.Equal(t, belief.NoCorrelation, SubjectKey(&core.Belief{}))
}

func TestSingleBeliefNeverConflicts(t *testing.T) {
	e := newEnv(t)
	only := []*core.Belief{threatBelief("b-1", "malware", 0.9, []string{"obs-1"})}
	assert.Empty(t, e.detector.Run(context.Background(), only))
}
