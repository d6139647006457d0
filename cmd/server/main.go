package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/admo/meshkernel/internal/api"
	"github.com/admo/meshkernel/internal/approval"
	"github.com/admo/meshkernel/internal/arbitration"
	"github.com/admo/meshkernel/internal/audit"
	"github.com/admo/meshkernel/internal/belief"
	"github.com/admo/meshkernel/internal/circuitbreaker"
	"github.com/admo/meshkernel/internal/clock"
	"github.com/admo/meshkernel/internal/config"
	"github.com/admo/meshkernel/internal/conflict"
	"github.com/admo/meshkernel/internal/containment"
	"github.com/admo/meshkernel/internal/federation"
	"github.com/admo/meshkernel/internal/flags"
	"github.com/admo/meshkernel/internal/gate"
	"github.com/admo/meshkernel/internal/ids"
	"github.com/admo/meshkernel/internal/ingest"
	"github.com/admo/meshkernel/internal/metrics"
	"github.com/admo/meshkernel/internal/store"
)

func main() {
	log.Println("🔥 Starting ADMO mesh kernel (v2.0)...")

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	var cfg *config.Config
	if path := os.Getenv("MESHKERNEL_CONFIG"); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
		if tenantsPath := os.Getenv("MESHKERNEL_TENANTS"); tenantsPath != "" {
			mgr, err := config.NewManager(path, tenantsPath)
			if err != nil {
				log.Fatalf("load tenant overrides: %v", err)
			}
			cfg = mgr.Get(loaded.Cell.TenantID)
		}
	} else {
		cfg = config.Default()
	}

	clk := clock.System{}
	factory := ids.NewFactory(clk)
	m := metrics.New()

	// Feature flags: everything defaults off, config turns them on.
	fl := flags.NewRegistry()
	for name, on := range map[string]bool{
		flags.FederationIdentity: cfg.Flags.FederationIdentity,
		flags.ObservationIngest:  cfg.Flags.ObservationIngest,
		flags.BeliefAggregation:  cfg.Flags.BeliefAggregation,
		flags.ConflictDetection:  cfg.Flags.ConflictDetection,
		flags.Arbitration:        cfg.Flags.Arbitration,
		flags.Containment:        cfg.Flags.IdentityContainment,
	} {
		if on {
			fl.Enable(name)
		}
	}

	auditLog := audit.NewLog(cfg.Cell.CellID, clk, factory)
	if cfg.Audit.PostgresDSN != "" {
		sink, err := audit.NewPostgresSink(cfg.Audit.PostgresDSN)
		if err != nil {
			log.Fatalf("init audit sink: %v", err)
		}
		breaker := circuitbreaker.New(clk, circuitbreaker.DefaultFailureThreshold, circuitbreaker.DefaultCooldown)
		auditLog.AddSink(audit.NewGuardedSink(sink, breaker))
		log.Println("📜 audit log flushing to Postgres")
	}

	// Stores.
	identities := store.NewIdentityStore(clk)
	observations := store.NewObservationStore(clk)
	arbitrations := store.NewArbitrationStore(clk)
	applied := store.NewAppliedStore(clk)
	intents := store.NewIntentStore()

	var nonces store.NonceStore
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		nonces = store.NewRedisNonceStore(rdb, time.Duration(cfg.Federation.NonceTTLSeconds)*time.Second)
		log.Println("🔑 nonce store backed by Redis")
	} else {
		nonces = store.NewInMemoryNonceStore(clk, time.Duration(cfg.Federation.NonceTTLSeconds)*time.Second)
	}

	// Services.
	sessions := federation.NewSessionStore(clk,
		time.Duration(cfg.Federation.HandshakeTimeoutMinutes)*time.Minute,
		time.Duration(cfg.Federation.CorrelationTTLHours)*time.Hour)
	handshakes := federation.NewController(fl, identities, nonces, sessions, auditLog, m, clk,
		time.Duration(cfg.Federation.MaxSkewSeconds)*time.Second)

	pipeline := ingest.NewPipeline(fl, identities, observations, nonces, auditLog, m, clk, cfg.Ingest.RequireSigned)

	approvals := approval.NewService(clk, factory, auditLog, intents)
	arbSvc := arbitration.NewService(fl, arbitrations, observations, approvals, auditLog, m, clk)
	aggregator := belief.NewAggregator(fl, observations, auditLog, m)
	detector := conflict.NewDetector(fl, arbSvc, auditLog, m, clk)

	switches := gate.NewKillSwitches()
	g := gate.New(switches, auditLog, m)

	recommender := containment.NewRecommender(fl, observations, auditLog, clk)
	intentSvc := containment.NewIntentService(fl, approvals, auditLog, factory, clk, cfg.Cell.TenantID, cfg.Cell.CellID)
	effector := containment.NewEffector(fl, g, approvals, applied, auditLog, m, clk,
		time.Duration(cfg.Containment.MaxTTLHours)*time.Hour)
	ticker := containment.NewTicker(g, effector, auditLog, m, clk, cfg.Cell.TenantID)

	// Host loop: scheduled ticks for TTL sweeps, aggregation, and GC.
	go hostLoop(clk, ticker, sessions, nonces, observations, aggregator, detector,
		time.Duration(cfg.Containment.TickIntervalSeconds)*time.Second)

	server := api.NewServer(identities, observations, handshakes, pipeline, arbSvc, approvals,
		recommender, intentSvc, effector, ticker, g, auditLog, m, fl, clk, cfg.Cell.TenantID)
	if err := server.Start(cfg.Server.Port); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// hostLoop drives the cell's scheduled work: containment TTL sweeps,
// belief aggregation over fresh observations, conflict detection, and
// store GC. Everything time-dependent re-reads the injected clock.
func hostLoop(clk clock.Clock, ticker *containment.Ticker, sessions *federation.SessionStore,
	nonces store.NonceStore, observations *store.ObservationStore,
	aggregator *belief.Aggregator, detector *conflict.Detector, interval time.Duration) {

	ctx := context.Background()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	lastAggregation := clk.Now().Add(-interval)
	for range tick.C {
		ticker.Tick(ctx)

		since := lastAggregation
		lastAggregation = clk.Now()
		fresh := observations.List(store.ListFilter{Since: since})
		if len(fresh) > 0 {
			beliefs := aggregator.Run(ctx, fresh)
			detector.Run(ctx, beliefs)
		}

		sessions.CleanupExpired(24 * time.Hour)
		nonces.CleanupExpired()
		observations.CleanupExpired(7 * 24 * time.Hour)
	}
}
