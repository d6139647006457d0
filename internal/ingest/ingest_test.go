package ingest

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

const sourceID = "cell-us-east-b-3"

type fixture struct {
	clk        *clock.Fake
	pipeline   *Pipeline
	identities *store.IdentityStore
	obs        *store.ObservationStore
	auditLog   *audit.Log
	flags      *flags.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	factory := ids.NewFactory(clk)
	auditLog := audit.NewLog("cell-eu-a-1", clk, factory)
	identities := store.NewIdentityStore(clk)
	observations := store.NewObservationStore(clk)
	nonces := store.NewInMemoryNonceStore(clk, store.DefaultNonceTTL)
	fl := flags.NewRegistry()
	fl.Enable(flags.ObservationIngest)

	require.NoError(t, identities.Put(&core.FederateIdentity{
		SchemaVersion:  core.SchemaVersion,
		FederateID:     sourceID,
		FederationRole: core.RoleMember,
		Status:         core.IdentityActive,
		CreatedAt:      clk.Now(),
		UpdatedAt:      clk.Now(),
	}))
	identities.SetConfirmed(sourceID, true)

	return &fixture{
		clk:        clk,
		pipeline:   NewPipeline(fl, identities, observations, nonces, auditLog, metrics.New(), clk, false),
		identities: identities,
		obs:        observations,
		auditLog:   auditLog,
		flags:      fl,
	}
}

func (f *fixture) observation(id string) *core.Observation {
	return &core.Observation{
		SchemaVersion:    core.SchemaVersion,
		ObservationID:    id,
		SourceFederateID: sourceID,
		TimestampUTC:     f.clk.Now().Add(-time.Minute),
		ObservationType:  core.ObsThreatIntel,
		Confidence:       0.9,
		Payload:          map[string]interface{}{"threat_types": []string{"malware"}},
	}
}

func TestSubmitAccepts(t *testing.T) {
	f := newFixture(t)
	res := f.pipeline.Submit(context.Background(), f.observation("obs-1"))
	require.True(t, res.Accepted)

	assert.True(t, f.obs.Has("obs-1"))
	assert.Len(t, f.auditLog.ByKind(audit.KindObservationAccepted), 1)
	_, seen := f.identities.LastSeen(sourceID)
	assert.True(t, seen)
}

func TestSubmitRejectsUnknownFederate(t *testing.T) {
	f := newFixture(t)
	obs := f.observation("obs-1")
	obs.SourceFederateID = "cell-nowhere-x-9"

	res := f.pipeline.Submit(context.Background(), obs)
	assert.Equal(t, ReasonFederateNotFound, res.Reason)
	assert.False(t, f.obs.Has("obs-1"))
}

func TestSubmitRejectsUnconfirmedFederate(t *testing.T) {
	f := newFixture(t)
	f.identities.SetConfirmed(sourceID, false)

	res := f.pipeline.Submit(context.Background(), f.observation("obs-1"))
	assert.Equal(t, ReasonFederateNotFound, res.Reason)
}

func TestSubmitSchemaValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := f.observation("obs-conf")
	bad.Confidence = 1.5
	assert.Equal(t, ReasonSchemaInvalid, f.pipeline.Submit(ctx, bad).Reason)

	future := f.observation("obs-future")
	future.TimestampUTC = f.clk.Now().Add(time.Hour)
	assert.Equal(t, ReasonSchemaInvalid, f.pipeline.Submit(ctx, future).Reason)

	ancient := f.observation("obs-old")
	ancient.TimestampUTC = f.clk.Now().Add(-25 * time.Hour)
	assert.Equal(t, ReasonSchemaInvalid, f.pipeline.Submit(ctx, ancient).Reason)

	empty := f.observation("obs-empty")
	empty.Payload = nil
	assert.Equal(t, ReasonSchemaInvalid, f.pipeline.Submit(ctx, empty).Reason)

	// A rejected observation leaves no state behind.
	assert.False(t, f.obs.Has("obs-conf"))
	assert.Len(t, f.auditLog.ByKind(audit.KindObservationRejected), 4)
}

func TestSubmitDeduplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, f.pipeline.Submit(ctx, f.observation("obs-1")).Accepted)
	res := f.pipeline.Submit(ctx, f.observation("obs-1"))
	assert.Equal(t, ReasonDuplicate, res.Reason)
}

func TestSubmitNonceReplayGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.observation("obs-1")
	first.Nonce = "shared-nonce"
	require.True(t, f.pipeline.Submit(ctx, first).Accepted)

	second := f.observation("obs-2")
	second.Nonce = "shared-nonce"
	res := f.pipeline.Submit(ctx, second)
	assert.Equal(t, ReasonNonceReplay, res.Reason)
}

func TestSubmitFeatureDisabled(t *testing.T) {
	f := newFixture(t)
	f.flags.Disable(flags.ObservationIngest)
	ctx := context.Background()

	res := f.pipeline.Submit(ctx, f.observation("obs-1"))
	assert.Equal(t, ReasonFeatureDisabled, res.Reason)

	f.pipeline.Submit(ctx, f.observation("obs-2"))
	assert.Len(t, f.auditLog.ByKind(audit.KindFeatureDisabled), 1)
	assert.Empty(t, f.auditLog.ByKind(audit.KindObservationRejected))
}
