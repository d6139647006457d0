package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/admo/meshkernel/internal/circuitbreaker"
)

// PostgresSink flushes audit records to a Postgres table. Appends are
// durable before any side effect returns; the table is insert-only.
type PostgresSink struct {
	db *sql.DB
}

const createAuditTable = `
CREATE TABLE IF NOT EXISTS audit_records (
    audit_id        TEXT PRIMARY KEY,
    tenant_id       TEXT,
    cell_id         TEXT NOT NULL,
    idempotency_key TEXT,
    recorded_at     TIMESTAMPTZ NOT NULL,
    event_kind      TEXT NOT NULL,
    correlation_id  TEXT,
    trace_id        TEXT,
    hash            TEXT NOT NULL,
    previous_hash   TEXT NOT NULL,
    payload         JSONB
);
CREATE INDEX IF NOT EXISTS audit_records_kind_idx ON audit_records (event_kind);
CREATE INDEX IF NOT EXISTS audit_records_correlation_idx ON audit_records (correlation_id);
`

// NewPostgresSink opens the DSN and ensures the audit table exists.
func NewPostgresSink(dsn string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit pg open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("audit pg ping: %w", err)
	}
	if _, err := db.Exec(createAuditTable); err != nil {
		return nil, fmt.Errorf("audit pg schema: %w", err)
	}
	return &PostgresSink{db: db}, nil
}

func (s *PostgresSink) Flush(ctx context.Context, rec *Record) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("audit pg marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_records
		    (audit_id, tenant_id, cell_id, idempotency_key, recorded_at,
		     event_kind, correlation_id, trace_id, hash, previous_hash, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		rec.AuditID, rec.TenantID, rec.CellID, rec.IdempotencyKey, rec.RecordedAt,
		string(rec.EventKind), rec.CorrelationID, rec.TraceID, rec.Hash, rec.PreviousHash, payload)
	if err != nil {
		return fmt.Errorf("audit pg insert: %w", err)
	}
	return nil
}

func (s *PostgresSink) Close() error {
	return s.db.Close()
}

// GuardedSink wraps a sink with a circuit breaker. While the breaker is
// open, flushes fail fast instead of stacking up against a database
// that is already timing out; the in-memory chain keeps every record.
type GuardedSink struct {
	inner   Sink
	breaker *circuitbreaker.Breaker
}

func NewGuardedSink(inner Sink, breaker *circuitbreaker.Breaker) *GuardedSink {
	return &GuardedSink{inner: inner, breaker: breaker}
}

func (g *GuardedSink) Flush(ctx context.Context, rec *Record) error {
	return g.breaker.Do(func() error {
		return g.inner.Flush(ctx, rec)
	})
}
