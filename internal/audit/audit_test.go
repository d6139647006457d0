package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/admo/meshkernel/internal/clock"
	"github.com/admo/meshkernel/internal/core"
	"github.com/admo/meshkernel/internal/ids"
)

func newTestLog(t *testing.T) (*Log, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewLog("cell-eu-a-1", clk, ids.NewFactory(clk)), clk
}

func TestAppendChainsRecords(t *testing.T) {
	log, clk := newTestLog(t)
	ctx := context.Background()

	first, err := log.Append(ctx, Entry{Kind: KindHandshakeStarted, CorrelationID: "corr-1"})
	require.NoError(t, err)
	assert.Equal(t, genesisHash, first.PreviousHash)

	clk.Advance(time.Second)
	second, err := log.Append(ctx, Entry{Kind: KindHandshakeConfirmed, CorrelationID: "corr-1"})
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.PreviousHash)

	require.NoError(t, log.VerifyChain())
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	log.MustAppend(ctx, Entry{Kind: KindObservationAccepted, Payload: map[string]interface{}{"observation_id": "o1"}})
	log.MustAppend(ctx, Entry{Kind: KindObservationAccepted, Payload: map[string]interface{}{"observation_id": "o2"}})

	log.records[0].Payload["observation_id"] = "forged"
	assert.Error(t, log.VerifyChain())
}

func TestIndexesPreserveCausalOrder(t *testing.T) {
	log, clk := newTestLog(t)
	ctx := context.Background()

	log.MustAppend(ctx, Entry{Kind: KindHandshakeStarted, CorrelationID: "corr-a"})
	clk.Advance(time.Second)
	log.MustAppend(ctx, Entry{Kind: KindHandshakeStarted, CorrelationID: "corr-b"})
	clk.Advance(time.Second)
	log.MustAppend(ctx, Entry{Kind: KindHandshakeConfirmed, CorrelationID: "corr-a"})

	forA := log.ByCorrelation("corr-a")
	require.Len(t, forA, 2)
	assert.Equal(t, KindHandshakeStarted, forA[0].EventKind)
	assert.Equal(t, KindHandshakeConfirmed, forA[1].EventKind)

	assert.Len(t, log.ByKind(KindHandshakeStarted), 2)
	assert.Equal(t, 3, log.Len())
}

func TestSubscribeReceivesAppends(t *testing.T) {
	log, _ := newTestLog(t)
	ch, cancel := log.Subscribe()
	defer cancel()

	log.MustAppend(context.Background(), Entry{Kind: KindGateAllowed})

	select {
	case rec := <-ch:
		assert.Equal(t, KindGateAllowed, rec.EventKind)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the record")
	}
}

func TestReplayReconstructsObservations(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	obs := &core.Observation{
		SchemaVersion:    core.SchemaVersion,
		ObservationID:    "obs-1",
		SourceFederateID: "cell-eu-a-2",
		TimestampUTC:     time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
		ObservationType:  core.ObsThreatIntel,
		Confidence:       0.9,
		Payload:          map[string]interface{}{"threat_types": []string{"malware"}},
	}
	log.MustAppend(ctx, Entry{
		Kind:    KindObservationAccepted,
		Payload: map[string]interface{}{"observation_id": obs.ObservationID, "observation": obs},
	})
	log.MustAppend(ctx, Entry{
		Kind:    KindContainmentApplied,
		Payload: map[string]interface{}{"key": "johndoe:okta:sessions", "intent_id": "i-1"},
	})
	log.MustAppend(ctx, Entry{
		Kind:    KindContainmentReverted,
		Payload: map[string]interface{}{"key": "johndoe:okta:sessions", "reason": "expired"},
	})

	st, err := Replay(log.All())
	require.NoError(t, err)

	got, ok := st.Observations["obs-1"]
	require.True(t, ok)
	assert.Equal(t, obs.Confidence, got.Confidence)
	assert.Equal(t, obs.ObservationType, got.ObservationType)

	assert.Empty(t, st.ActiveContainments())
	assert.Equal(t, "expired", st.Reverted["johndoe:okta:sessions"])
}
