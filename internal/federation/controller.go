package federation

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/admo/meshkernel/internal/audit"
	"github.com/admo/meshkernel/internal/clock"
	"github.com/admo/meshkernel/internal/core"
	"github.com/admo/meshkernel/internal/crypto"
	"github.com/admo/meshkernel/internal/flags"
	"github.com/admo/meshkernel/internal/messages"
	"github.com/admo/meshkernel/internal/metrics"
	"github.com/admo/meshkernel/internal/store"
)

// Retry policy for transient verification failures.
const (
	RetryBaseDelay = 1 * time.Second
	RetryMaxDelay  = 10 * time.Second
	RetryMax       = 3
)

// Failure reasons recorded on sessions and audit events.
const (
	ReasonNonceReuse       = "nonce_reuse"
	ReasonTimeout          = "timeout"
	ReasonProtocolError    = "protocol_error"
	ReasonRetryExhausted   = "retry_exhausted"
	ReasonFeatureDisabled  = "feature_disabled"
	ReasonInvalidSignature = "invalid_signature"
	ReasonKeyMismatch      = "key_mismatch"
	ReasonUnknownKeyID     = "unknown_key_id"
)

// Result reports the outcome of processing one handshake message.
type Result struct {
	State      State
	OK         bool
	Reason     string
	Retryable  bool
	RetryDelay time.Duration
}

// Controller routes signed handshake messages through the integrity
// pipeline and the state machine. Transitions are pure functions of
// (state, message type, verification outcome, now); the controller
// only adds audit and store plumbing around them.
type Controller struct {
	flags      *flags.Registry
	identities *store.IdentityStore
	nonces     store.NonceStore
	sessions   *SessionStore
	auditLog   *audit.Log
	metrics    *metrics.Metrics
	clk        clock.Clock
	maxSkew    time.Duration
	logger     *slog.Logger
}

func NewController(fl *flags.Registry, identities *store.IdentityStore, nonces store.NonceStore, sessions *SessionStore, auditLog *audit.Log, m *metrics.Metrics, clk clock.Clock, maxSkew time.Duration) *Controller {
	if maxSkew <= 0 {
		maxSkew = crypto.DefaultMaxSkew
	}
	return &Controller{
		flags:      fl,
		identities: identities,
		nonces:     nonces,
		sessions:   sessions,
		auditLog:   auditLog,
		metrics:    m,
		clk:        clk,
		maxSkew:    maxSkew,
		logger:     slog.Default().With("component", "federation"),
	}
}

// Sessions exposes the session store for the host loop's GC tick.
func (c *Controller) Sessions() *SessionStore { return c.sessions }

// ProcessMessage drives one handshake step.
func (c *Controller) ProcessMessage(ctx context.Context, env *messages.Envelope) Result {
	if !c.flags.Enabled(flags.FederationIdentity) {
		if c.flags.FirstDisabledCall(flags.FederationIdentity) {
			c.auditLog.MustAppend(ctx, audit.Entry{
				Kind:    audit.KindFeatureDisabled,
				Payload: map[string]interface{}{"subsystem": flags.FederationIdentity},
			})
		}
		return Result{State: StateUninitialized, Reason: ReasonFeatureDisabled}
	}

	if err := env.Validate(); err != nil {
		return c.failSession(ctx, env, crypto.ReasonSchemaValidation)
	}

	sess, err := c.sessions.Get(env.CorrelationID)
	if err != nil {
		sess, err = c.sessions.Create(env.CorrelationID, env.FederateID)
		if err != nil {
			// Correlation reuse is a protocol error with no session to fail.
			c.auditLog.MustAppend(ctx, audit.Entry{
				Kind:          audit.KindHandshakeFailed,
				CorrelationID: env.CorrelationID,
				Payload: map[string]interface{}{
					"federate_id": env.FederateID,
					"reason":      "correlation_id_locked",
				},
			})
			return Result{State: StateFailedTrust, Reason: ReasonProtocolError}
		}
		c.metrics.HandshakesStarted.Inc()
		c.auditLog.MustAppend(ctx, audit.Entry{
			Kind:          audit.KindHandshakeStarted,
			CorrelationID: env.CorrelationID,
			Payload: map[string]interface{}{
				"federate_id": env.FederateID,
				"state":       sess.State.String(),
			},
		})
	}

	// Absolute expiry beats everything, including verification outcome.
	now := c.clk.Now()
	if now.After(sess.ExpiresAt) && !sess.State.IsTerminal() {
		return c.transitionFailure(ctx, sess, EventTimeout, ReasonTimeout)
	}

	// Integrity pipeline.
	ok, vreason := c.verify(env)
	if !ok {
		c.auditLog.MustAppend(ctx, audit.Entry{
			Kind:          audit.KindSignatureVerifyFailure,
			CorrelationID: env.CorrelationID,
			Payload: map[string]interface{}{
				"federate_id": env.FederateID,
				"msg_type":    env.MsgType,
				"reason":      string(vreason),
			},
		})
		return c.handleVerificationFailure(ctx, sess, vreason)
	}

	if sess.State.IsTerminal() {
		// A validly signed duplicate on a finished session is still a
		// protocol error; nonce commit above already burned the nonce.
		return Result{State: sess.State, Reason: ReasonProtocolError}
	}

	// Exactly one message type is legal per state.
	expected, _ := ExpectedMessage(sess.State)
	if env.MsgType != expected {
		return c.transitionFailure(ctx, sess, EventProtocolError, ReasonProtocolError)
	}

	return c.advance(ctx, sess, env)
}

// verify resolves the peer's key material and runs the pipeline.
func (c *Controller) verify(env *messages.Envelope) (bool, crypto.FailureReason) {
	var pubB64, expectedKeyID string

	if env.MsgType == messages.TypeIdentityExchange {
		// First contact: key material rides in the payload.
		var ok bool
		if pubB64, ok = env.Payload["public_key"].(string); !ok || pubB64 == "" {
			return false, crypto.ReasonSchemaValidation
		}
		expectedKeyID, _ = env.Payload["key_id"].(string)
	} else {
		id, err := c.identities.Get(env.FederateID)
		if err != nil {
			return false, crypto.ReasonUnknownKeyID
		}
		pubB64 = id.PublicKey
		expectedKeyID = id.KeyID
	}

	pub, err := crypto.ParsePublicKey(pubB64)
	if err != nil {
		return false, crypto.ReasonSchemaValidation
	}
	if expectedKeyID == "" {
		expectedKeyID = crypto.KeyID(pub)
	}
	return crypto.VerifyIntegrity(env, expectedKeyID, pub, c.nonces, c.clk, c.maxSkew)
}

// advance applies the on-success transition for the message type.
func (c *Controller) advance(ctx context.Context, sess *Session, env *messages.Envelope) Result {
	event := Event(env.MsgType)
	next, ok := Next(sess.State, event)
	if !ok {
		return c.transitionFailure(ctx, sess, EventProtocolError, ReasonProtocolError)
	}

	from := sess.State
	sess.State = next
	sess.RetryCount = 0

	switch env.MsgType {
	case messages.TypeIdentityExchange:
		c.registerIdentity(env)
	case messages.TypeTrustEstablish:
		c.confirm(ctx, sess, env)
	}

	if err := c.sessions.Update(sess); err != nil {
		c.logger.Error("session update failed", "correlation_id", sess.CorrelationID, "error", err)
	}
	c.identities.Touch(env.FederateID)

	kind := audit.KindHandshakeTransition
	if next == StateConfirmed {
		kind = audit.KindHandshakeConfirmed
		c.metrics.HandshakesConfirmed.Inc()
	}
	c.auditLog.MustAppend(ctx, audit.Entry{
		Kind:          kind,
		CorrelationID: sess.CorrelationID,
		Payload: map[string]interface{}{
			"federate_id": env.FederateID,
			"from_state":  from.String(),
			"to_state":    next.String(),
			"msg_type":    env.MsgType,
		},
	})
	return Result{State: next, OK: true}
}

// registerIdentity stores or replaces the peer identity announced in
// an identity-exchange payload.
func (c *Controller) registerIdentity(env *messages.Envelope) {
	pubB64, _ := env.Payload["public_key"].(string)
	keyID, _ := env.Payload["key_id"].(string)
	role, _ := env.Payload["federation_role"].(string)
	if role == "" {
		role = string(core.RoleMember)
	}

	var caps []string
	if raw, ok := env.Payload["capabilities"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				caps = append(caps, s)
			}
		}
	}

	now := c.clk.Now()
	identity := &core.FederateIdentity{
		SchemaVersion:  core.SchemaVersion,
		FederateID:     env.FederateID,
		PublicKey:      pubB64,
		KeyID:          keyID,
		FederationRole: core.FederationRole(role),
		Capabilities:   caps,
		Status:         core.IdentityActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.identities.Put(identity); err == store.ErrDuplicateID {
		// Key rotation path: replace the record wholesale.
		existing, _ := c.identities.Get(env.FederateID)
		if existing != nil {
			identity.CreatedAt = existing.CreatedAt
			identity.TrustScore = existing.TrustScore
		}
		if err := c.identities.Replace(identity); err != nil {
			c.logger.Error("identity replace failed", "federate_id", env.FederateID, "error", err)
		}
	}
}

// confirm finalizes a session: trust score, session key, confirmation
// mark on the identity.
func (c *Controller) confirm(ctx context.Context, sess *Session, env *messages.Envelope) {
	if score, ok := env.Payload["trust_score"].(float64); ok {
		if existing, err := c.identities.Get(env.FederateID); err == nil {
			updated := *existing
			updated.TrustScore = score
			updated.UpdatedAt = c.clk.Now()
			if err := c.identities.Replace(&updated); err != nil {
				c.logger.Error("trust score update failed", "federate_id", env.FederateID, "error", err)
			}
		}
	}
	c.identities.SetConfirmed(env.FederateID, true)

	hash, err := env.PayloadHash()
	if err != nil {
		c.logger.Error("payload hash failed", "correlation_id", sess.CorrelationID, "error", err)
		return
	}
	key, err := crypto.DeriveSessionKey([]byte(hash), []byte(env.Nonce), []byte(sess.CorrelationID))
	if err != nil {
		c.logger.Error("session key derivation failed", "correlation_id", sess.CorrelationID, "error", err)
		return
	}
	sess.SessionKey = key
}

// handleVerificationFailure applies the retry policy and the
// verification-to-state mapping.
func (c *Controller) handleVerificationFailure(ctx context.Context, sess *Session, vreason crypto.FailureReason) Result {
	if sess.State.IsTerminal() {
		// Replay against a finished session: record the failure on the
		// session so operators see the attack (S2 contract).
		sess.FailureReason = strings.ToLower(string(vreason))
		sess.State = StateFailedTrust
		if err := c.sessions.Update(sess); err != nil {
			c.logger.Error("session update failed", "correlation_id", sess.CorrelationID, "error", err)
		}
		c.metrics.HandshakesFailed.WithLabelValues(sess.FailureReason).Inc()
		return Result{State: sess.State, Reason: sess.FailureReason}
	}

	transient := vreason == crypto.ReasonTimestampOOB || vreason == crypto.ReasonNonceReuse
	if transient {
		sess.RetryCount++
		if sess.RetryCount <= RetryMax {
			if err := c.sessions.Update(sess); err != nil {
				c.logger.Error("session update failed", "correlation_id", sess.CorrelationID, "error", err)
			}
			return Result{
				State:      sess.State,
				Reason:     strings.ToLower(string(vreason)),
				Retryable:  true,
				RetryDelay: RetryBackoff(sess.RetryCount),
			}
		}
		// Past the cap both transient reasons terminate in FAILED_TRUST.
		event := EventTimeout
		if vreason == crypto.ReasonNonceReuse {
			event = EventProtocolError
		}
		return c.transitionFailure(ctx, sess, event, ReasonRetryExhausted)
	}

	switch vreason {
	case crypto.ReasonInvalidSignature, crypto.ReasonKeyMismatch, crypto.ReasonUnknownKeyID:
		return c.transitionFailure(ctx, sess, EventVerificationFail, strings.ToLower(string(vreason)))
	default: // SCHEMA_VALIDATION_FAILED
		return c.transitionFailure(ctx, sess, EventProtocolError, ReasonProtocolError)
	}
}

// failSession fails a message that never resolved to a session.
func (c *Controller) failSession(ctx context.Context, env *messages.Envelope, vreason crypto.FailureReason) Result {
	c.auditLog.MustAppend(ctx, audit.Entry{
		Kind:          audit.KindSignatureVerifyFailure,
		CorrelationID: env.CorrelationID,
		Payload: map[string]interface{}{
			"federate_id": env.FederateID,
			"reason":      string(vreason),
		},
	})
	if sess, err := c.sessions.Get(env.CorrelationID); err == nil && !sess.State.IsTerminal() {
		return c.transitionFailure(ctx, sess, EventProtocolError, ReasonProtocolError)
	}
	return Result{State: StateFailedTrust, Reason: ReasonProtocolError}
}

// transitionFailure moves a session onto a failure edge and audits it.
func (c *Controller) transitionFailure(ctx context.Context, sess *Session, event Event, reason string) Result {
	from := sess.State
	next, ok := Next(sess.State, event)
	if !ok {
		next = StateFailedTrust
	}
	sess.State = next
	sess.FailureReason = reason
	if err := c.sessions.Update(sess); err != nil {
		c.logger.Error("session update failed", "correlation_id", sess.CorrelationID, "error", err)
	}

	c.metrics.HandshakesFailed.WithLabelValues(reason).Inc()
	c.auditLog.MustAppend(ctx, audit.Entry{
		Kind:          audit.KindHandshakeFailed,
		CorrelationID: sess.CorrelationID,
		Payload: map[string]interface{}{
			"federate_id": sess.FederateID,
			"from_state":  from.String(),
			"to_state":    next.String(),
			"reason":      reason,
		},
	})
	return Result{State: next, Reason: reason}
}

// RetryBackoff computes the exponential retry delay for an attempt
// (1-based): min(base * 2^(n-1), max).
func RetryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := RetryBaseDelay << uint(attempt-1)
	if delay > RetryMaxDelay {
		delay = RetryMaxDelay
	}
	return delay
}
