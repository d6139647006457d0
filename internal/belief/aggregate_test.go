package belief

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/admo/meshkernel/internal/audit"
	"github.com/admo/meshkernel/internal/clock"
	"github.com/admo/meshkernel/internal/core"
	"github.com/admo/meshkernel/internal/flags"
	"github.com/admo/meshkernel/internal/ids"
	"github.com/admo/meshkernel/internal/metrics"
	"github.com/admo/meshkernel/internal/store"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func obs(id string, typ core.ObservationType, ts time.Time, conf float64, payload map[string]interface{}) *core.Observation {
	return &core.Observation{
		SchemaVersion:    core.SchemaVersion,
		ObservationID:    id,
		SourceFederateID: "cell-eu-a-2",
		TimestampUTC:     ts,
		CorrelationID:    "corr-1",
		ObservationType:  typ,
		Confidence:       conf,
		Payload:          payload,
	}
}

func TestReduceIsDeterministic(t *testing.T) {
	set := []*core.Observation{
		obs("obs-a", core.ObsTelemetrySummary, baseTime, 0.8, map[string]interface{}{"event_count": 10.0}),
		obs("obs-b", core.ObsTelemetrySummary, baseTime.Add(5*time.Minute), 0.6, map[string]interface{}{"event_count": 4.0}),
		obs("obs-c", core.ObsAnomalyDetection, baseTime, 0.7, map[string]interface{}{"anomaly_score": 0.9}),
	}

	first := Reduce(set)
	// Same set, reversed input order.
	second := Reduce([]*core.Observation{set[2], set[1], set[0]})

	require.Len(t, first, 2)
	require.Len(t, second, 2)
	for i := range first {
		assert.Equal(t, first[i].BeliefID, second[i].BeliefID)
		assert.Equal(t, first[i].Confidence, second[i].Confidence)
		assert.Equal(t, first[i].SourceObservations, second[i].SourceObservations)
		assert.Equal(t, first[i].Metadata, second[i].Metadata)
	}
}

func TestReduceGroupsByHourlyWindow(t *testing.T) {
	set := []*core.Observation{
		obs("obs-a", core.ObsTelemetrySummary, baseTime, 0.8, map[string]interface{}{"event_count": 1.0}),
		obs("obs-b", core.ObsTelemetrySummary, baseTime.Add(2*time.Hour), 0.8, map[string]interface{}{"event_count": 1.0}),
	}
	beliefs := Reduce(set)
	require.Len(t, beliefs, 2)
	assert.NotEqual(t, beliefs[0].BeliefID, beliefs[1].BeliefID)
}

func TestReduceThreatIntelUnionsTypes(t *testing.T) {
	set := []*core.Observation{
		obs("obs-a", core.ObsThreatIntel, baseTime, 0.9, map[string]interface{}{
			"threat_types": []string{"malware", "c2"},
			"ioc_count":    3.0,
		}),
		obs("obs-b", core.ObsThreatIntel, baseTime.Add(time.Minute), 0.7, map[string]interface{}{
			"threat_types": []string{"c2", "malware"},
			"ioc_count":    2.0,
		}),
	}
	beliefs := Reduce(set)
	require.Len(t, beliefs, 1)

	b := beliefs[0]
	assert.Equal(t, []string{"c2", "malware"}, b.Metadata["threat_types"])
	assert.Equal(t, 5.0, b.Metadata["ioc_count"])
	assert.Equal(t, []string{"obs-a", "obs-b"}, b.SourceObservations)
	assert.InDelta(t, 0.8, b.Confidence, 1e-9)
}

func TestReduceSystemHealthScore(t *testing.T) {
	set := []*core.Observation{
		obs("obs-a", core.ObsSystemHealth, baseTime, 0.9, map[string]interface{}{
			"cpu_utilization":    30.0,
			"memory_utilization": 30.0,
			"disk_utilization":   30.0,
		}),
	}
	beliefs := Reduce(set)
	require.Len(t, beliefs, 1)
	assert.InDelta(t, 0.7, beliefs[0].Metadata["health_score"].(float64), 1e-9)

	// Full saturation clamps to zero rather than going negative.
	saturated := Reduce([]*core.Observation{
		obs("obs-b", core.ObsSystemHealth, baseTime, 0.9, map[string]interface{}{
			"cpu_utilization":    100.0,
			"memory_utilization": 100.0,
			"disk_utilization":   150.0,
		}),
	})
	require.Len(t, saturated, 1)
	assert.Equal(t, 0.0, saturated[0].Metadata["health_score"])
}

func TestReduceDerivedAtIsLatestObservation(t *testing.T) {
	latest := baseTime.Add(20 * time.Minute)
	set := []*core.Observation{
		obs("obs-a", core.ObsTelemetrySummary, baseTime, 0.8, map[string]interface{}{"event_count": 1.0}),
		obs("obs-b", core.ObsTelemetrySummary, latest, 0.8, map[string]interface{}{"event_count": 1.0}),
	}
	beliefs := Reduce(set)
	require.Len(t, beliefs, 1)
	assert.True(t, beliefs[0].DerivedAt.Equal(latest))
}

func TestRunStoresAndAudits(t *testing.T) {
	clk := clock.NewFake(baseTime)
	auditLog := audit.NewLog("cell-eu-a-1", clk, ids.NewFactory(clk))
	observations := store.NewObservationStore(clk)
	fl := flags.NewRegistry()
	fl.Enable(flags.BeliefAggregation)
	agg := NewAggregator(fl, observations, auditLog, metrics.New())

	set := []*core.Observation{
		obs("obs-a", core.ObsTelemetrySummary, baseTime, 0.8, map[string]interface{}{"event_count": 1.0}),
	}
	beliefs := agg.Run(context.Background(), set)
	require.Len(t, beliefs, 1)

	stored, err := observations.GetBelief(beliefs[0].BeliefID)
	require.NoError(t, err)
	assert.Equal(t, beliefs[0].Confidence, stored.Confidence)
	assert.Len(t, auditLog.ByKind(audit.KindBeliefDerived), 1)

	// Re-running over the same observations changes nothing.
	agg.Run(context.Background(), set)
	assert.Len(t, auditLog.ByKind(audit.KindBeliefDerived), 1)
}

func TestRunFeatureDisabled(t *testing.T) {
	clk := clock.NewFake(baseTime)
	auditLog := audit.NewLog("cell-eu-a-1", clk, ids.NewFactory(clk))
	fl := flags.NewRegistry()
	agg := NewAggregator(fl, store.NewObservationStore(clk), auditLog, metrics.New())

	set := []*core.Observation{
		obs("obs-a", core.ObsTelemetrySummary, baseTime, 0.8, map[string]interface{}{"event_count": 1.0}),
	}
	assert.Nil(t, agg.Run(context.Background(), set))
	assert.Len(t, auditLog.ByKind(audit.KindFeatureDisabled), 1)
}
