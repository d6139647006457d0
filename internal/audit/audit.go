// Package audit implements the append-only audit log shared by every
// subsystem. Records are hash-chained (each record carries the hash of
// its predecessor) so the log is tamper-evident, and indexed by event
// kind and correlation ID. Append order within a correlation ID is the
// causal order of the state changes the records describe.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/admo/meshkernel/internal/canonical"
	"github.com/admo/meshkernel/internal/clock"
	"github.com/admo/meshkernel/internal/ids"
)

// Kind is the closed set of audit event kinds the kernel emits.
type Kind string

const (
	KindHandshakeStarted       Kind = "handshake_started"
	KindHandshakeTransition    Kind = "handshake_transition"
	KindHandshakeConfirmed     Kind = "handshake_confirmed"
	KindHandshakeFailed        Kind = "handshake_failed"
	KindSignatureVerifyFailure Kind = "signature_verification_failure"
	KindObservationAccepted    Kind = "observation_accepted"
	KindObservationRejected    Kind = "observation_rejected"
	KindBeliefDerived          Kind = "belief_derived"
	KindConflictDetected       Kind = "conflict_detected"
	KindArbitrationCreated     Kind = "arbitration_created"
	KindArbitrationProposed    Kind = "arbitration_resolution_proposed"
	KindArbitrationResolved    Kind = "arbitration_resolved"
	KindArbitrationRejected    Kind = "arbitration_rejected"
	KindApprovalRequested      Kind = "approval_requested"
	KindApprovalDecided        Kind = "approval_decided"
	KindApprovalExpired        Kind = "approval_expired"
	KindGateAllowed            Kind = "gate_allowed"
	KindGateDenied             Kind = "gate_denied"
	KindGateEscalated          Kind = "gate_escalated"
	KindContainmentRecommended Kind = "identity_containment_recommended"
	KindContainmentIntent      Kind = "identity_containment_intent"
	KindContainmentApplied     Kind = "identity_containment_applied"
	KindContainmentReverted    Kind = "identity_containment_reverted"
	KindTickerSweep            Kind = "containment_ticker_sweep"
	KindFeatureDisabled        Kind = "feature_disabled_diagnostic"
)

// PayloadRefKind says where a record's payload lives.
type PayloadRefKind string

const (
	PayloadInline   PayloadRefKind = "inline"
	PayloadExternal PayloadRefKind = "external"
)

// PayloadRef points at a record's payload.
type PayloadRef struct {
	Kind PayloadRefKind `json:"kind"`
	Ref  string         `json:"ref,omitempty"`
}

// Record is one append-only audit entry, ordered by (RecordedAt, AuditID).
type Record struct {
	SchemaVersion  string                 `json:"schema_version"`
	AuditID        string                 `json:"audit_id"`
	TenantID       string                 `json:"tenant_id,omitempty"`
	CellID         string                 `json:"cell_id"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	RecordedAt     time.Time              `json:"recorded_at"`
	EventKind      Kind                   `json:"event_kind"`
	PayloadRef     PayloadRef             `json:"payload_ref"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	Hash           string                 `json:"hash"`
	PreviousHash   string                 `json:"previous_hash"`
	UpstreamHashes []string               `json:"upstream_hashes,omitempty"`
	CorrelationID  string                 `json:"correlation_id,omitempty"`
	TraceID        string                 `json:"trace_id,omitempty"`
}

// genesisHash anchors the chain before the first record.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Sink receives every appended record. Flush must complete before the
// side effect the record describes is allowed to return.
type Sink interface {
	Flush(ctx context.Context, rec *Record) error
}

// Log is the in-memory append-only audit log.
type Log struct {
	mu            sync.RWMutex
	cellID        string
	clk           clock.Clock
	factory       *ids.Factory
	records       []*Record
	byKind        map[Kind][]int
	byCorrelation map[string][]int
	lastHash      string
	sinks         []Sink
	subscribers   map[chan *Record]struct{}
	logger        *slog.Logger
}

// NewLog creates an audit log for one cell.
func NewLog(cellID string, clk clock.Clock, factory *ids.Factory) *Log {
	return &Log{
		cellID:        cellID,
		clk:           clk,
		factory:       factory,
		byKind:        make(map[Kind][]int),
		byCorrelation: make(map[string][]int),
		lastHash:      genesisHash,
		subscribers:   make(map[chan *Record]struct{}),
		logger:        slog.Default().With("component", "audit"),
	}
}

// AddSink attaches a durable sink (e.g. the Postgres sink).
func (l *Log) AddSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, s)
}

// Entry describes a record to append.
type Entry struct {
	Kind           Kind
	TenantID       string
	CorrelationID  string
	IdempotencyKey string
	TraceID        string
	Payload        map[string]interface{}
	UpstreamHashes []string
}

// Append creates, chains, indexes and flushes a new record. The lock is
// held across hash computation so chain order equals append order.
func (l *Log) Append(ctx context.Context, e Entry) (*Record, error) {
	l.mu.Lock()

	traceID := e.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	rec := &Record{
		SchemaVersion:  "2.0",
		AuditID:        l.factory.New(),
		TenantID:       e.TenantID,
		CellID:         l.cellID,
		IdempotencyKey: e.IdempotencyKey,
		RecordedAt:     l.clk.Now(),
		EventKind:      e.Kind,
		PayloadRef:     PayloadRef{Kind: PayloadInline},
		Payload:        e.Payload,
		PreviousHash:   l.lastHash,
		UpstreamHashes: e.UpstreamHashes,
		CorrelationID:  e.CorrelationID,
		TraceID:        traceID,
	}

	hash, err := recordHash(rec)
	if err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("audit append: %w", err)
	}
	rec.Hash = hash
	l.lastHash = hash

	idx := len(l.records)
	l.records = append(l.records, rec)
	l.byKind[e.Kind] = append(l.byKind[e.Kind], idx)
	if e.CorrelationID != "" {
		l.byCorrelation[e.CorrelationID] = append(l.byCorrelation[e.CorrelationID], idx)
	}
	sinks := l.sinks
	for ch := range l.subscribers {
		select {
		case ch <- rec:
		default: // slow subscriber drops, never blocks the log
		}
	}
	l.mu.Unlock()

	for _, s := range sinks {
		if err := s.Flush(ctx, rec); err != nil {
			return nil, fmt.Errorf("audit flush: %w", err)
		}
	}
	return rec, nil
}

// MustAppend appends and logs instead of failing; used on paths where
// the caller has already committed state and the in-memory append
// cannot fail short of a programming error.
func (l *Log) MustAppend(ctx context.Context, e Entry) *Record {
	rec, err := l.Append(ctx, e)
	if err != nil {
		l.logger.Error("audit append failed", "kind", string(e.Kind), "error", err)
	}
	return rec
}

// Subscribe returns a channel that receives every future record.
func (l *Log) Subscribe() (<-chan *Record, func()) {
	ch := make(chan *Record, 64)
	l.mu.Lock()
	l.subscribers[ch] = struct{}{}
	l.mu.Unlock()
	cancel := func() {
		l.mu.Lock()
		delete(l.subscribers, ch)
		l.mu.Unlock()
	}
	return ch, cancel
}

// All returns records in append order.
func (l *Log) All() []*Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Record, len(l.records))
	copy(out, l.records)
	return out
}

// ByKind returns records of one kind in append order.
func (l *Log) ByKind(kind Kind) []*Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idxs := l.byKind[kind]
	out := make([]*Record, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, l.records[i])
	}
	return out
}

// ByCorrelation returns records for one correlation ID in causal order.
func (l *Log) ByCorrelation(correlationID string) []*Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idxs := l.byCorrelation[correlationID]
	out := make([]*Record, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, l.records[i])
	}
	return out
}

// Len returns the number of records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// VerifyChain walks the hash chain and reports the first break.
func (l *Log) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prev := genesisHash
	for i, rec := range l.records {
		if rec.PreviousHash != prev {
			return fmt.Errorf("audit chain broken at index %d: previous_hash %s, want %s", i, rec.PreviousHash, prev)
		}
		want, err := recordHash(rec)
		if err != nil {
			return err
		}
		if rec.Hash != want {
			return fmt.Errorf("audit chain record %d hash mismatch", i)
		}
		prev = rec.Hash
	}
	return nil
}

// recordHash hashes the canonical JSON of the record minus its own hash.
func recordHash(rec *Record) (string, error) {
	shadow := *rec
	shadow.Hash = ""
	return canonical.StableHash(&shadow)
}
