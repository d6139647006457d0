// Package containment closes the action loop: deterministic
// recommendation rules over recent beliefs and observations, frozen
// intents bound to approvals, a gated effector, and a TTL ticker that
// auto-reverts expired containment windows.
package containment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/admo/meshkernel/internal/audit"
	"github.com/admo/meshkernel/internal/canonical"
	"github.com/admo/meshkernel/internal/clock"
	"github.com/admo/meshkernel/internal/core"
	"github.com/admo/meshkernel/internal/flags"
	"github.com/admo/meshkernel/internal/store"
)

// Recommendation asks for a containment scope against a subject.
type Recommendation struct {
	SchemaVersion    string                 `json:"schema_version"`
	RecommendationID string                 `json:"recommendation_id"`
	SubjectID        string                 `json:"subject_id"`
	Provider         string                 `json:"provider"`
	Scope            core.ContainmentScope  `json:"scope"`
	RuleID           string                 `json:"rule_id"`
	Severity         string                 `json:"severity"`
	Rationale        string                 `json:"rationale"`
	CreatedAtUTC     time.Time              `json:"created_at_utc"`
	Signals          map[string]interface{} `json:"signals,omitempty"`
}

// Rule is one entry in the closed, ordered recommendation rule list.
type Rule struct {
	ID        string
	ScopeType string
	Severity  string
	Level     core.ActionType
	TTL       time.Duration
	Rationale string
	Match     func(s Signals) bool
}

// Signals is the per-subject evidence the rules evaluate.
type Signals struct {
	ThreatIntelConfidence float64
	ImpossibleTravelScore float64
	AuthFailureCount      int
	AuthFailureWindow     time.Duration
	AnomalyScore          float64
	SuspiciousIPCount     int
}

// Rules is the fixed, ordered rule list. First match per scope type wins.
var Rules = []Rule{
	{
		ID: "IC-001", ScopeType: "sessions", Severity: "high",
		Level: core.A2HardContainment, TTL: time.Hour,
		Rationale: "high-confidence threat intel against subject",
		Match:     func(s Signals) bool { return s.ThreatIntelConfidence >= 0.9 },
	},
	{
		ID: "IC-002", ScopeType: "login", Severity: "high",
		Level: core.A2HardContainment, TTL: time.Hour,
		Rationale: "impossible travel detected",
		Match:     func(s Signals) bool { return s.ImpossibleTravelScore >= 0.8 },
	},
	{
		ID: "IC-003", ScopeType: "login", Severity: "medium",
		Level: core.A1SoftContainment, TTL: 30 * time.Minute,
		Rationale: "burst of authentication failures",
		Match:     func(s Signals) bool { return s.AuthFailureCount >= 5 && s.AuthFailureWindow <= 15*time.Minute },
	},
	{
		ID: "IC-004", ScopeType: "api_access", Severity: "medium",
		Level: core.A1SoftContainment, TTL: 30 * time.Minute,
		Rationale: "anomalous access pattern",
		Match:     func(s Signals) bool { return s.AnomalyScore >= 0.85 },
	},
	{
		ID: "IC-005", ScopeType: "sessions", Severity: "low",
		Level: core.A1SoftContainment, TTL: 15 * time.Minute,
		Rationale: "traffic to multiple suspicious endpoints",
		Match:     func(s Signals) bool { return s.SuspiciousIPCount >= 3 },
	},
}

// Recommender evaluates the rule list over a subject's signals.
type Recommender struct {
	flags        *flags.Registry
	observations *store.ObservationStore
	auditLog     *audit.Log
	clk          clock.Clock
}

func NewRecommender(fl *flags.Registry, observations *store.ObservationStore, auditLog *audit.Log, clk clock.Clock) *Recommender {
	return &Recommender{flags: fl, observations: observations, auditLog: auditLog, clk: clk}
}

// RecommendationID is a deterministic hash of subject, provider, scope
// type and the decision time.
func RecommendationID(subjectID, provider, scopeType string, now time.Time) string {
	sum := sha256.Sum256([]byte(subjectID + ":" + provider + ":" + scopeType + ":" + canonical.FormatTime(now)))
	return hex.EncodeToString(sum[:])
}

// Recommend runs the rule list. At most one recommendation per scope
// type; earlier rules shadow later ones.
func (r *Recommender) Recommend(ctx context.Context, subjectID, provider string, signals Signals) []*Recommendation {
	if !r.flags.Enabled(flags.Containment) {
		if r.flags.FirstDisabledCall(flags.Containment) {
			r.auditLog.MustAppend(ctx, audit.Entry{
				Kind:    audit.KindFeatureDisabled,
				Payload: map[string]interface{}{"subsystem": flags.Containment},
			})
		}
		return nil
	}

	now := r.clk.Now()
	seen := make(map[string]bool)
	var out []*Recommendation
	for _, rule := range Rules {
		if seen[rule.ScopeType] || !rule.Match(signals) {
			continue
		}
		seen[rule.ScopeType] = true

		rec := &Recommendation{
			SchemaVersion:    core.SchemaVersion,
			RecommendationID: RecommendationID(subjectID, provider, rule.ScopeType, now),
			SubjectID:        subjectID,
			Provider:         provider,
			Scope: core.ContainmentScope{
				ScopeID:          RecommendationID(subjectID, provider, rule.ScopeType, now)[:16],
				ScopeType:        rule.ScopeType,
				SeverityLevel:    rule.Severity,
				TTLSeconds:       int64(rule.TTL.Seconds()),
				AutoExpire:       true,
				RequiresApproval: rule.Level != core.A0Observe,
				ApprovalLevel:    rule.Level,
			},
			RuleID:       rule.ID,
			Severity:     rule.Severity,
			Rationale:    rule.Rationale,
			CreatedAtUTC: now,
			Signals: map[string]interface{}{
				"threat_intel_confidence": signals.ThreatIntelConfidence,
				"impossible_travel_score": signals.ImpossibleTravelScore,
				"auth_failure_count":      signals.AuthFailureCount,
				"anomaly_score":           signals.AnomalyScore,
				"suspicious_ip_count":     signals.SuspiciousIPCount,
			},
		}
		r.auditLog.MustAppend(ctx, audit.Entry{
			Kind: audit.KindContainmentRecommended,
			Payload: map[string]interface{}{
				"recommendation_id": rec.RecommendationID,
				"subject_id":        subjectID,
				"provider":          provider,
				"scope_type":        rule.ScopeType,
				"rule_id":           rule.ID,
				"severity":          rule.Severity,
			},
		})
		out = append(out, rec)
	}
	return out
}

// SignalsFromStore derives a subject's signals from recent
// observations and beliefs.
func (r *Recommender) SignalsFromStore(subjectID string, window time.Duration) Signals {
	since := r.clk.Now().Add(-window)
	var s Signals

	for _, obs := range r.observations.List(store.ListFilter{Since: since}) {
		subject, _ := obs.Payload["subject"].(string)
		if subject != subjectID {
			continue
		}
		switch obs.ObservationType {
		case core.ObsThreatIntel:
			if score, ok := obs.Payload["confidence_score"].(float64); ok && score > s.ThreatIntelConfidence {
				s.ThreatIntelConfidence = score
			} else if obs.Confidence > s.ThreatIntelConfidence {
				s.ThreatIntelConfidence = obs.Confidence
			}
		case core.ObsAnomalyDetection:
			if score, ok := obs.Payload["anomaly_score"].(float64); ok && score > s.AnomalyScore {
				s.AnomalyScore = score
			}
			if score, ok := obs.Payload["impossible_travel_score"].(float64); ok && score > s.ImpossibleTravelScore {
				s.ImpossibleTravelScore = score
			}
		case core.ObsNetworkActivity:
			if ips, ok := obs.Payload["suspicious_ips"].([]interface{}); ok && len(ips) > s.SuspiciousIPCount {
				s.SuspiciousIPCount = len(ips)
			}
		case core.ObsTelemetrySummary, core.ObsCustom:
			if n, ok := obs.Payload["auth_failure_count"].(float64); ok && int(n) > s.AuthFailureCount {
				s.AuthFailureCount = int(n)
				s.AuthFailureWindow = window
			}
		}
	}
	return s
}
