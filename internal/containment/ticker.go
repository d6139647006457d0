package containment

import (
	"context"
	"time"

	"github.com/admo/meshkernel/internal/audit"
	"github.com/admo/meshkernel/internal/clock"
	"github.com/admo/meshkernel/internal/core"
	"github.com/admo/meshkernel/internal/gate"
	"github.com/admo/meshkernel/internal/metrics"
)

// DefaultTickInterval is how often the host loop sweeps TTLs.
const DefaultTickInterval = 60 * time.Second

// Ticker drives TTL auto-reverts. Each tick re-enforces the execution
// gate at system level before performing any revert, so a kill switch
// pauses the sweep as well.
type Ticker struct {
	gate     *gate.Gate
	effector *Effector
	auditLog *audit.Log
	metrics  *metrics.Metrics
	clk      clock.Clock
	tenantID string
}

func NewTicker(g *gate.Gate, effector *Effector, auditLog *audit.Log, m *metrics.Metrics, clk clock.Clock, tenantID string) *Ticker {
	return &Ticker{
		gate:     g,
		effector: effector,
		auditLog: auditLog,
		metrics:  m,
		clk:      clk,
		tenantID: tenantID,
	}
}

// Tick runs one sweep cycle and returns the reverts it performed.
func (t *Ticker) Tick(ctx context.Context) []*core.RevertedRecord {
	t.metrics.TickerSweeps.Inc()

	verdict := t.gate.Evaluate(ctx, gate.ExecutionContext{
		TenantID:       t.tenantID,
		ActionType:     core.A0Observe,
		PolicyVerified: true,
	})
	if verdict.Decision != gate.Allow {
		t.auditLog.MustAppend(ctx, audit.Entry{
			Kind: audit.KindTickerSweep,
			Payload: map[string]interface{}{
				"reverts": 0,
				"skipped": true,
				"rule_id": verdict.RuleID,
				"reason":  verdict.Reason,
			},
		})
		return nil
	}

	reverts := t.effector.ProcessExpirations(ctx)
	keys := make([]string, 0, len(reverts))
	for _, r := range reverts {
		keys = append(keys, r.Key)
	}
	t.auditLog.MustAppend(ctx, audit.Entry{
		Kind: audit.KindTickerSweep,
		Payload: map[string]interface{}{
			"reverts": len(reverts),
			"keys":    keys,
			"at":      t.clk.Now(),
		},
	})
	return reverts
}
