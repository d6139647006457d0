package crypto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/admo/meshkernel/internal/clock"
	"github.com/admo/meshkernel/internal/core"
	"github.com/admo/meshkernel/internal/messages"
	"github.com/admo/meshkernel/internal/store"
)

func signedEnvelope(t *testing.T, kp *KeyPair, clk clock.Clock, nonce string) *messages.Envelope {
	t.Helper()
	env, err := messages.NewIdentityExchange(messages.IdentityExchange{
		FederateID:     "cell-eu-a-2",
		PublicKey:      kp.PublicKeyB64(),
		KeyID:          kp.KeyID(),
		FederationRole: core.RoleMember,
		Capabilities:   []string{"observe"},
	}, nonce, "corr-1", clk.Now())
	require.NoError(t, err)
	require.NoError(t, kp.Sign(env))
	return env
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	env := signedEnvelope(t, kp, clk, "nonce-1")
	ok, reason := Verify(env, kp.Public)
	assert.True(t, ok)
	assert.Equal(t, ReasonNone, reason)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	env := signedEnvelope(t, kp, clk, "nonce-1")
	env.Payload["capabilities"] = []string{"contain"}

	ok, reason := Verify(env, kp.Public)
	assert.False(t, ok)
	assert.Equal(t, ReasonInvalidSignature, reason)
}

func TestVerifyIntegrityPipeline(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	nonces := store.NewInMemoryNonceStore(clk, store.DefaultNonceTTL)

	t.Run("key mismatch", func(t *testing.T) {
		env := signedEnvelope(t, kp, clk, "n-key")
		ok, reason := VerifyIntegrity(env, "some-other-key-id", kp.Public, nonces, clk, DefaultMaxSkew)
		assert.False(t, ok)
		assert.Equal(t, ReasonKeyMismatch, reason)
		// Failed steps never consume the nonce.
		assert.True(t, nonces.Available("cell-eu-a-2", "n-key"))
	})

	t.Run("timestamp out of bounds", func(t *testing.T) {
		env := signedEnvelope(t, kp, clk, "n-skew")
		clk.Advance(10 * time.Minute)
		ok, reason := VerifyIntegrity(env, kp.KeyID(), kp.Public, nonces, clk, DefaultMaxSkew)
		assert.False(t, ok)
		assert.Equal(t, ReasonTimestampOOB, reason)
		assert.True(t, nonces.Available("cell-eu-a-2", "n-skew"))
		clk.Advance(-10 * time.Minute)
	})

	t.Run("success commits nonce exactly once", func(t *testing.T) {
		env := signedEnvelope(t, kp, clk, "n-ok")
		ok, reason := VerifyIntegrity(env, kp.KeyID(), kp.Public, nonces, clk, DefaultMaxSkew)
		require.True(t, ok)
		require.Equal(t, ReasonNone, reason)

		// Replay of the identical message fails at the nonce step.
		ok, reason = VerifyIntegrity(env, kp.KeyID(), kp.Public, nonces, clk, DefaultMaxSkew)
		assert.False(t, ok)
		assert.Equal(t, ReasonNonceReuse, reason)
	})

	t.Run("nonce re-offered after expiry", func(t *testing.T) {
		env := signedEnvelope(t, kp, clk, "n-exp")
		ok, _ := VerifyIntegrity(env, kp.KeyID(), kp.Public, nonces, clk, DefaultMaxSkew)
		require.True(t, ok)

		clk.Advance(store.DefaultNonceTTL + time.Second)
		assert.True(t, nonces.Available("cell-eu-a-2", "n-exp"))
	})
}

func TestDeriveSessionKey(t *testing.T) {
	a, err := DeriveSessionKey([]byte("transcript"), []byte("nonce"), []byte("corr"))
	require.NoError(t, err)
	b, err := DeriveSessionKey([]byte("transcript"), []byte("nonce"), []byte("corr"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	c, err := DeriveSessionKey([]byte("transcript"), []byte("nonce"), []byte("other"))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	_, err = DeriveSessionKey(nil, nil, nil)
	assert.Error(t, err)
}
