// Package belief derives beliefs from observations. The reducer is a
// pure function: identical observation sets always produce beliefs
// with identical IDs, confidences, source lists and metadata.
package belief

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/admo/meshkernel/internal/audit"
	"github.com/admo/meshkernel/internal/canonical"
	"github.com/admo/meshkernel/internal/core"
	"github.com/admo/meshkernel/internal/flags"
	"github.com/admo/meshkernel/internal/ids"
	"github.com/admo/meshkernel/internal/metrics"
	"github.com/admo/meshkernel/internal/store"
)

// NoCorrelation stands in for observations without a correlation ID in
// grouping keys.
const NoCorrelation = "no_correlation"

// Aggregator groups observations and runs the per-type reducers.
type Aggregator struct {
	flags        *flags.Registry
	observations *store.ObservationStore
	auditLog     *audit.Log
	metrics      *metrics.Metrics
}

func NewAggregator(fl *flags.Registry, observations *store.ObservationStore, auditLog *audit.Log, m *metrics.Metrics) *Aggregator {
	return &Aggregator{
		flags:        fl,
		observations: observations,
		auditLog:     auditLog,
		metrics:      m,
	}
}

// Run reduces the given observations, stores the derived beliefs in the
// belief index, and audits each derivation. Returns beliefs sorted by
// (derived_at, id).
func (a *Aggregator) Run(ctx context.Context, obs []*core.Observation) []*core.Belief {
	if !a.flags.Enabled(flags.BeliefAggregation) {
		if a.flags.FirstDisabledCall(flags.BeliefAggregation) {
			a.auditLog.MustAppend(ctx, audit.Entry{
				Kind:    audit.KindFeatureDisabled,
				Payload: map[string]interface{}{"subsystem": flags.BeliefAggregation},
			})
		}
		return nil
	}

	beliefs := Reduce(obs)
	for _, b := range beliefs {
		if err := a.observations.PutBelief(b, false); err == store.ErrDuplicateID {
			// Re-running over the same observations is a no-op.
			continue
		}
		a.metrics.BeliefsDerived.Inc()
		a.auditLog.MustAppend(ctx, audit.Entry{
			Kind:          audit.KindBeliefDerived,
			CorrelationID: b.CorrelationID,
			Payload: map[string]interface{}{
				"belief_id":           b.BeliefID,
				"belief_type":         b.BeliefType,
				"confidence":          b.Confidence,
				"source_observations": b.SourceObservations,
			},
		})
	}
	return beliefs
}

// Reduce is the pure reducer core: observations in, beliefs out.
func Reduce(obs []*core.Observation) []*core.Belief {
	groups := make(map[string][]*core.Observation)
	for _, o := range obs {
		groups[groupKey(o)] = append(groups[groupKey(o)], o)
	}

	out := make([]*core.Belief, 0, len(groups))
	for _, group := range groups {
		if b := deriveBelief(group); b != nil {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DerivedAt.Equal(out[j].DerivedAt) {
			return out[i].DerivedAt.Before(out[j].DerivedAt)
		}
		return out[i].BeliefID < out[j].BeliefID
	})
	return out
}

// groupKey is (type, correlation, hourly window) plus a type-specific
// secondary key.
func groupKey(o *core.Observation) string {
	corr := o.CorrelationID
	if corr == "" {
		corr = NoCorrelation
	}
	key := string(o.ObservationType) + "|" + corr + "|" + HourlyWindow(o.TimestampUTC)
	if o.ObservationType == core.ObsThreatIntel {
		key += "|" + strings.Join(sortedStrings(payloadStrings(o.Payload, "threat_types")), ",")
	}
	return key
}

// HourlyWindow truncates a timestamp to its UTC hour bucket.
func HourlyWindow(t time.Time) string {
	return t.UTC().Truncate(time.Hour).Format("2006-01-02T15")
}

func deriveBelief(group []*core.Observation) *core.Belief {
	if len(group) == 0 {
		return nil
	}
	sort.Slice(group, func(i, j int) bool {
		if !group[i].TimestampUTC.Equal(group[j].TimestampUTC) {
			return group[i].TimestampUTC.Before(group[j].TimestampUTC)
		}
		return group[i].ObservationID < group[j].ObservationID
	})

	derivedAt := group[0].TimestampUTC
	parts := make([]string, 0, len(group))
	sourceIDs := make([]string, 0, len(group))
	for _, o := range group {
		if o.TimestampUTC.After(derivedAt) {
			derivedAt = o.TimestampUTC
		}
		parts = append(parts, o.ObservationID+"@"+canonical.FormatTime(o.TimestampUTC))
		sourceIDs = append(sourceIDs, o.ObservationID)
	}
	sort.Strings(sourceIDs)

	confidence, metadata := reduceByType(group)
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return &core.Belief{
		SchemaVersion:      core.SchemaVersion,
		BeliefID:           ids.Deterministic(derivedAt, parts),
		BeliefType:         string(group[0].ObservationType),
		Confidence:         confidence,
		SourceObservations: sourceIDs,
		DerivedAt:          derivedAt,
		CorrelationID:      group[0].CorrelationID,
		EvidenceSummary:    fmt.Sprintf("%d observations over window %s", len(group), HourlyWindow(derivedAt)),
		Metadata:           metadata,
	}
}

// reduceByType dispatches to the finite reducer map.
func reduceByType(group []*core.Observation) (float64, map[string]interface{}) {
	switch group[0].ObservationType {
	case core.ObsTelemetrySummary:
		return reduceTelemetry(group)
	case core.ObsThreatIntel:
		return reduceThreatIntel(group)
	case core.ObsAnomalyDetection:
		return reduceAnomaly(group)
	case core.ObsSystemHealth:
		return reduceSystemHealth(group)
	case core.ObsNetworkActivity:
		return reduceNetwork(group)
	default:
		return reduceCustom(group)
	}
}

func reduceTelemetry(group []*core.Observation) (float64, map[string]interface{}) {
	var events float64
	var confSum float64
	severity := make(map[string]float64)
	for _, o := range group {
		events += payloadNumber(o.Payload, "event_count")
		confSum += o.Confidence
		if dist, ok := o.Payload["severity_distribution"].(map[string]interface{}); ok {
			for level, v := range dist {
				if n, ok := v.(float64); ok {
					severity[level] += n
				}
			}
		}
	}
	return confSum / float64(len(group)), map[string]interface{}{
		"event_count":           events,
		"severity_distribution": severity,
		"observation_count":     len(group),
	}
}

func reduceThreatIntel(group []*core.Observation) (float64, map[string]interface{}) {
	var iocs float64
	var scoreSum float64
	threatTypes := make(map[string]struct{})
	sources := make(map[string]struct{})
	for _, o := range group {
		iocs += payloadNumber(o.Payload, "ioc_count")
		score := payloadNumber(o.Payload, "confidence_score")
		if score == 0 {
			score = o.Confidence
		}
		scoreSum += score
		for _, t := range payloadStrings(o.Payload, "threat_types") {
			threatTypes[t] = struct{}{}
		}
		for _, s := range payloadStrings(o.Payload, "sources") {
			sources[s] = struct{}{}
		}
	}
	return scoreSum / float64(len(group)), map[string]interface{}{
		"ioc_count":    iocs,
		"threat_types": setToSorted(threatTypes),
		"sources":      setToSorted(sources),
	}
}

func reduceAnomaly(group []*core.Observation) (float64, map[string]interface{}) {
	var scoreSum, deviationSum float64
	entities := make(map[string]struct{})
	for _, o := range group {
		scoreSum += payloadNumber(o.Payload, "anomaly_score")
		deviationSum += payloadNumber(o.Payload, "baseline_deviation")
		for _, e := range payloadStrings(o.Payload, "affected_entities") {
			entities[e] = struct{}{}
		}
	}
	n := float64(len(group))
	return scoreSum / n, map[string]interface{}{
		"anomaly_score":      scoreSum / n,
		"baseline_deviation": deviationSum / n,
		"affected_entities":  setToSorted(entities),
	}
}

// reduceSystemHealth averages utilizations; health_score treats higher
// as healthier: max(0, 1 - (cpu+mem+disk)/300).
func reduceSystemHealth(group []*core.Observation) (float64, map[string]interface{}) {
	var cpu, mem, disk, latency float64
	for _, o := range group {
		cpu += payloadNumber(o.Payload, "cpu_utilization")
		mem += payloadNumber(o.Payload, "memory_utilization")
		disk += payloadNumber(o.Payload, "disk_utilization")
		latency += payloadNumber(o.Payload, "latency_ms")
	}
	n := float64(len(group))
	cpu, mem, disk, latency = cpu/n, mem/n, disk/n, latency/n
	health := 1 - (cpu+mem+disk)/300
	if health < 0 {
		health = 0
	}
	var confSum float64
	for _, o := range group {
		confSum += o.Confidence
	}
	return confSum / n, map[string]interface{}{
		"cpu_utilization":    cpu,
		"memory_utilization": mem,
		"disk_utilization":   disk,
		"latency_ms":         latency,
		"health_score":       health,
	}
}

func reduceNetwork(group []*core.Observation) (float64, map[string]interface{}) {
	var connections, bytes float64
	protocols := make(map[string]struct{})
	suspicious := make(map[string]struct{})
	var confSum float64
	for _, o := range group {
		connections += payloadNumber(o.Payload, "connection_count")
		bytes += payloadNumber(o.Payload, "bytes_transferred")
		confSum += o.Confidence
		for _, p := range payloadStrings(o.Payload, "protocols") {
			protocols[p] = struct{}{}
		}
		for _, ip := range payloadStrings(o.Payload, "suspicious_ips") {
			suspicious[ip] = struct{}{}
		}
	}
	return confSum / float64(len(group)), map[string]interface{}{
		"connection_count":    connections,
		"bytes_transferred":   bytes,
		"protocols":           setToSorted(protocols),
		"suspicious_ip_count": len(suspicious),
		"suspicious_ips":      setToSorted(suspicious),
	}
}

func reduceCustom(group []*core.Observation) (float64, map[string]interface{}) {
	var confSum float64
	for _, o := range group {
		confSum += o.Confidence
	}
	return confSum / float64(len(group)), map[string]interface{}{
		"observation_count": len(group),
	}
}

func payloadNumber(p map[string]interface{}, key string) float64 {
	if v, ok := p[key].(float64); ok {
		return v
	}
	return 0
}

func payloadStrings(p map[string]interface{}, key string) []string {
	var out []string
	switch v := p[key].(type) {
	case []string:
		out = append(out, v...)
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func sortedStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

func setToSorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
