package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/admo/meshkernel/internal/canonical"
	"github.com/admo/meshkernel/internal/containment"
	"github.com/admo/meshkernel/internal/core"
	"github.com/admo/meshkernel/internal/gate"
	"github.com/admo/meshkernel/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}

func (s *Server) handleListFederates(w http.ResponseWriter, r *http.Request) {
	type federateView struct {
		*core.FederateIdentity
		LastSeen  *time.Time `json:"last_seen,omitempty"`
		Confirmed bool       `json:"confirmed"`
	}
	var out []federateView
	for _, id := range s.identities.List() {
		view := federateView{FederateIdentity: id, Confirmed: s.identities.IsConfirmed(id.FederateID)}
		if ls, ok := s.identities.LastSeen(id.FederateID); ok {
			view.LastSeen = &ls
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListObservations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ListFilter{
		FederateID:      q.Get("federate_id"),
		CorrelationID:   q.Get("correlation_id"),
		ObservationType: core.ObservationType(q.Get("observation_type")),
	}
	if since := q.Get("since"); since != "" {
		t, err := canonical.ParseTime(since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		f.Since = t
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	writeJSON(w, http.StatusOK, s.observations.List(f))
}

func (s *Server) handleListBeliefs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.BeliefFilter{
		CorrelationID: q.Get("correlation_id"),
		BeliefType:    q.Get("belief_type"),
	}
	if since := q.Get("since"); since != "" {
		t, err := canonical.ParseTime(since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		f.Since = t
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	writeJSON(w, http.StatusOK, s.observations.ListBeliefs(f))
}

// handleTimeline merges observations and beliefs for one correlation
// ID in timestamp order.
func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	corrID := mux.Vars(r)["correlation_id"]

	type entry struct {
		At     time.Time   `json:"at"`
		Kind   string      `json:"kind"`
		Record interface{} `json:"record"`
	}
	var timeline []entry
	for _, obs := range s.observations.List(store.ListFilter{CorrelationID: corrID}) {
		timeline = append(timeline, entry{At: obs.TimestampUTC, Kind: "observation", Record: obs})
	}
	for _, b := range s.observations.ListBeliefs(store.BeliefFilter{CorrelationID: corrID}) {
		timeline = append(timeline, entry{At: b.DerivedAt, Kind: "belief", Record: b})
	}
	sort.Slice(timeline, func(i, j int) bool { return timeline[i].At.Before(timeline[j].At) })

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"correlation_id": corrID,
		"timeline":       timeline,
	})
}

func (s *Server) handleListArbitrations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ArbitrationFilter{
		Status:        core.ArbitrationStatus(q.Get("status")),
		ConflictType:  core.ConflictType(q.Get("conflict_type")),
		CorrelationID: q.Get("correlation_id"),
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	writeJSON(w, http.StatusOK, s.arbitrations.Store().List(f))
}

func (s *Server) handleGetArbitration(w http.ResponseWriter, r *http.Request) {
	a, err := s.arbitrations.Store().Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "arbitration not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	obsCount, beliefCount := s.observations.Counts()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"observations":  obsCount,
		"beliefs":       beliefCount,
		"federates":     len(s.identities.List()),
		"arbitrations":  s.arbitrations.Store().CountByStatus(),
		"audit_records": s.auditLog.Len(),
		"containments":  len(s.effector.Applied().ListActive()),
		"flags":         s.flags.Snapshot(),
	})
}

func (s *Server) handleAuditRecords(w http.ResponseWriter, r *http.Request) {
	if corrID := r.URL.Query().Get("correlation_id"); corrID != "" {
		writeJSON(w, http.StatusOK, s.auditLog.ByCorrelation(corrID))
		return
	}
	writeJSON(w, http.StatusOK, s.auditLog.All())
}

// --- Operator surface ---

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var resolution map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&resolution); err != nil {
		writeError(w, http.StatusBadRequest, "invalid resolution payload")
		return
	}
	if err := s.arbitrations.ProposeResolution(r.Context(), mux.Vars(r)["id"], resolution); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "proposed"})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResolverFederateID string `json:"resolver_federate_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	applied, err := s.arbitrations.ApplyResolution(r.Context(), mux.Vars(r)["id"], req.ResolverFederateID)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"applied": applied})
}

func (s *Server) handleRejectArbitration(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResolverFederateID string `json:"resolver_federate_id"`
		Reason             string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if err := s.arbitrations.Reject(r.Context(), mux.Vars(r)["id"], req.ResolverFederateID, req.Reason); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	a, err := s.approvals.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "approval not found")
		return
	}
	// Rationale is operator-private; the read surface omits it.
	view := *a
	view.Rationale = ""
	writeJSON(w, http.StatusOK, &view)
}

func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approve     bool   `json:"approve"`
		PrincipalID string `json:"principal_id"`
		Rationale   string `json:"rationale"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if err := s.approvals.Decide(r.Context(), mux.Vars(r)["id"], req.Approve, req.PrincipalID, req.Rationale); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "decided"})
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scope    string `json:"scope"` // global | tenant
		TenantID string `json:"tenant_id,omitempty"`
		On       bool   `json:"on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	switch req.Scope {
	case "global":
		s.gate.Switches().SetGlobal(req.On)
	case "tenant":
		if req.TenantID == "" {
			writeError(w, http.StatusBadRequest, "tenant_id required")
			return
		}
		s.gate.Switches().SetTenant(req.TenantID, req.On)
	default:
		writeError(w, http.StatusBadRequest, "scope must be global or tenant")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"scope": req.Scope, "on": req.On})
}

// --- Containment surface ---

func (s *Server) handleContainmentStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	subjectID, provider := q.Get("subject_id"), q.Get("provider")
	if subjectID == "" || provider == "" {
		writeError(w, http.StatusBadRequest, "subject_id and provider required")
		return
	}

	type scopeStatus struct {
		ScopeType string               `json:"scope_type"`
		Active    *core.AppliedRecord  `json:"active,omitempty"`
		Reverted  *core.RevertedRecord `json:"reverted,omitempty"`
	}
	var statuses []scopeStatus
	for _, scopeType := range []string{"sessions", "login", "api_access"} {
		key := core.ContainmentKey(subjectID, provider, scopeType)
		st := scopeStatus{ScopeType: scopeType}
		if rec, ok := s.effector.Applied().Active(key); ok {
			st.Active = rec
		}
		if rec, ok := s.effector.Applied().Reverted(key); ok {
			st.Reverted = rec
		}
		statuses = append(statuses, st)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subject_id": subjectID,
		"provider":   provider,
		"scopes":     statuses,
	})
}

func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubjectID     string `json:"subject_id"`
		Provider      string `json:"provider"`
		WindowMinutes int    `json:"window_minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SubjectID == "" || req.Provider == "" {
		writeError(w, http.StatusBadRequest, "subject_id and provider required")
		return
	}
	window := time.Duration(req.WindowMinutes) * time.Minute
	if window <= 0 {
		window = time.Hour
	}
	signals := s.recommender.SignalsFromStore(req.SubjectID, window)
	recs := s.recommender.Recommend(r.Context(), req.SubjectID, req.Provider, signals)
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Recommendation *struct {
			RecommendationID string                `json:"recommendation_id"`
			SubjectID        string                `json:"subject_id"`
			Provider         string                `json:"provider"`
			Scope            core.ContainmentScope `json:"scope"`
			Rationale        string                `json:"rationale"`
		} `json:"recommendation"`
		RequestedBy    string `json:"requested_by"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Recommendation == nil {
		writeError(w, http.StatusBadRequest, "recommendation required")
		return
	}
	rec := &containment.Recommendation{
		SchemaVersion:    core.SchemaVersion,
		RecommendationID: req.Recommendation.RecommendationID,
		SubjectID:        req.Recommendation.SubjectID,
		Provider:         req.Recommendation.Provider,
		Scope:            req.Recommendation.Scope,
		Rationale:        req.Recommendation.Rationale,
		CreatedAtUTC:     s.clk.Now(),
	}
	intent, err := s.intents.FromRecommendation(r.Context(), rec, req.RequestedBy, req.IdempotencyKey)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"intent_id":   intent.IntentID,
		"approval_id": intent.ApprovalID,
		"intent_hash": intent.IntentHash,
		"expires_at":  intent.ExpiresAtUTC,
	})
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := s.approvals.Intents().GetByIntentID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "intent not found")
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	reverts := s.ticker.Tick(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{"reverts": reverts})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	approvalID := mux.Vars(r)["approval_id"]
	intent, err := s.approvals.Intents().GetByApproval(approvalID)
	if err != nil {
		writeError(w, http.StatusNotFound, "no intent frozen under approval")
		return
	}

	var req struct {
		Confidence     float64 `json:"confidence"`
		TrustScore     float64 `json:"trust_score"`
		PolicyVerified bool    `json:"policy_verified"`
		QuorumCount    int     `json:"quorum_count"`
		AggregateScore float64 `json:"aggregate_score"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	rec := s.effector.Apply(r.Context(), intent, approvalID, gate.ExecutionContext{
		TenantID:       s.tenantID,
		ActionType:     intent.Scope.ApprovalLevel,
		Confidence:     req.Confidence,
		TrustScore:     req.TrustScore,
		PolicyVerified: req.PolicyVerified,
		QuorumCount:    req.QuorumCount,
		AggregateScore: req.AggregateScore,
	})
	if rec == nil {
		writeError(w, http.StatusForbidden, "execution refused")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
