// Package api exposes the kernel's read-only visibility surface, the
// operator control endpoints, and the feature-flagged containment API
// over REST/JSON.
package api

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/admo/meshkernel/internal/approval"
	"github.com/admo/meshkernel/internal/arbitration"
	"github.com/admo/meshkernel/internal/audit"
	"github.com/admo/meshkernel/internal/clock"
	"github.com/admo/meshkernel/internal/containment"
	"github.com/admo/meshkernel/internal/federation"
	"github.com/admo/meshkernel/internal/flags"
	"github.com/admo/meshkernel/internal/gate"
	"github.com/admo/meshkernel/internal/ingest"
	"github.com/admo/meshkernel/internal/metrics"
	"github.com/admo/meshkernel/internal/store"
)

// Server wires the kernel services behind HTTP.
type Server struct {
	identities   *store.IdentityStore
	observations *store.ObservationStore
	handshakes   *federation.Controller
	pipeline     *ingest.Pipeline
	arbitrations *arbitration.Service
	approvals    *approval.Service
	recommender  *containment.Recommender
	intents      *containment.IntentService
	effector     *containment.Effector
	ticker       *containment.Ticker
	gate         *gate.Gate
	auditLog     *audit.Log
	metrics      *metrics.Metrics
	flags        *flags.Registry
	clk          clock.Clock
	tenantID     string
}

func NewServer(
	identities *store.IdentityStore,
	observations *store.ObservationStore,
	handshakes *federation.Controller,
	pipeline *ingest.Pipeline,
	arbitrations *arbitration.Service,
	approvals *approval.Service,
	recommender *containment.Recommender,
	intents *containment.IntentService,
	effector *containment.Effector,
	ticker *containment.Ticker,
	g *gate.Gate,
	auditLog *audit.Log,
	m *metrics.Metrics,
	fl *flags.Registry,
	clk clock.Clock,
	tenantID string,
) *Server {
	return &Server{
		identities:   identities,
		observations: observations,
		handshakes:   handshakes,
		pipeline:     pipeline,
		arbitrations: arbitrations,
		approvals:    approvals,
		recommender:  recommender,
		intents:      intents,
		effector:     effector,
		ticker:       ticker,
		gate:         g,
		auditLog:     auditLog,
		metrics:      m,
		flags:        fl,
		clk:          clk,
		tenantID:     tenantID,
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// CORS Middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if req.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	// Peer transport
	r.HandleFunc("/api/federation/handshake", s.handleHandshake).Methods("POST")
	r.HandleFunc("/api/federation/sessions", s.handleListSessions).Methods("GET")
	r.HandleFunc("/api/observations", s.handleSubmitObservation).Methods("POST")

	// Visibility (read-only)
	r.HandleFunc("/api/federates", s.handleListFederates).Methods("GET")
	r.HandleFunc("/api/observations", s.handleListObservations).Methods("GET")
	r.HandleFunc("/api/beliefs", s.handleListBeliefs).Methods("GET")
	r.HandleFunc("/api/timeline/{correlation_id}", s.handleTimeline).Methods("GET")
	r.HandleFunc("/api/arbitrations", s.handleListArbitrations).Methods("GET")
	r.HandleFunc("/api/arbitrations/{id}", s.handleGetArbitration).Methods("GET")
	r.HandleFunc("/api/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/api/audit", s.handleAuditRecords).Methods("GET")
	r.HandleFunc("/ws/audit", s.handleAuditStream)

	// Operator surface
	r.HandleFunc("/api/arbitrations/{id}/propose", s.handlePropose).Methods("POST")
	r.HandleFunc("/api/arbitrations/{id}/resolve", s.handleResolve).Methods("POST")
	r.HandleFunc("/api/arbitrations/{id}/reject", s.handleRejectArbitration).Methods("POST")
	r.HandleFunc("/api/approvals/{id}", s.handleGetApproval).Methods("GET")
	r.HandleFunc("/api/approvals/{id}/decide", s.handleDecideApproval).Methods("POST")
	r.HandleFunc("/api/admin/killswitch", s.handleKillSwitch).Methods("POST")

	// Containment (feature-flagged)
	r.HandleFunc("/api/containment/status", s.handleContainmentStatus).Methods("GET")
	r.HandleFunc("/api/containment/recommend", s.handleRecommend).Methods("POST")
	r.HandleFunc("/api/containment/intent", s.handleCreateIntent).Methods("POST")
	r.HandleFunc("/api/containment/intent/{id}", s.handleGetIntent).Methods("GET")
	r.HandleFunc("/api/containment/tick", s.handleTick).Methods("POST")
	r.HandleFunc("/api/containment/execute/{approval_id}", s.handleExecute).Methods("POST")

	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	return r
}

// Start blocks serving HTTP on the given port.
func (s *Server) Start(port string) error {
	addr := fmt.Sprintf(":%s", port)
	log.Printf("🚀 mesh kernel API listening on %s", addr)
	return http.ListenAndServe(addr, s.Router())
}
