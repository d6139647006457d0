// Package messages defines the signed-envelope wire format shared by
// the handshake, observation and containment surfaces. The signed
// region of every message is the canonical JSON of all fields except
// the signature block.
package messages

import (
	"errors"
	"fmt"
	"time"

	"github.com/admo/meshkernel/internal/canonical"
	"github.com/admo/meshkernel/internal/core"
)

// Message type literals. Each concrete payload constructor pins its own.
const (
	TypeIdentityExchange    = "identity_exchange"
	TypeCapabilityNegotiate = "capability_negotiate"
	TypeTrustEstablish      = "trust_establish"
	TypeObservation         = "observation"
	TypeContainmentIntent   = "containment_intent"
)

// MsgVersion is the current envelope version.
const MsgVersion = "2.0"

// Signature algorithms accepted on the wire.
const (
	AlgEd25519   = "ed25519"
	AlgRSAPSS256 = "rsa-pss-sha256"
)

var validTypes = map[string]bool{
	TypeIdentityExchange:    true,
	TypeCapabilityNegotiate: true,
	TypeTrustEstablish:      true,
	TypeObservation:         true,
	TypeContainmentIntent:   true,
}

// Envelope is the outer signed message. Payload is the type-tagged
// union; Signature is excluded from the signed region.
type Envelope struct {
	MsgType       string                 `json:"msg_type"`
	MsgVersion    string                 `json:"msg_version"`
	FederateID    string                 `json:"federate_id"`
	Nonce         string                 `json:"nonce"`
	TimestampUTC  time.Time              `json:"timestamp_utc"`
	CorrelationID string                 `json:"correlation_id"`
	Payload       map[string]interface{} `json:"payload"`
	Signature     *core.Signature        `json:"signature,omitempty"`
}

// New validates and builds an envelope. Validation failures here are
// boundary rejections: no state is mutated and no audit event beyond
// the caller's rejection record is emitted.
func New(msgType, federateID, nonce, correlationID string, ts time.Time, payload map[string]interface{}) (*Envelope, error) {
	if !validTypes[msgType] {
		return nil, fmt.Errorf("unknown msg_type %q", msgType)
	}
	if federateID == "" {
		return nil, errors.New("federate_id must not be empty")
	}
	if nonce == "" {
		return nil, errors.New("nonce must not be empty")
	}
	if payload == nil {
		return nil, errors.New("payload must not be nil")
	}
	return &Envelope{
		MsgType:       msgType,
		MsgVersion:    MsgVersion,
		FederateID:    federateID,
		Nonce:         nonce,
		TimestampUTC:  ts.UTC(),
		CorrelationID: correlationID,
		Payload:       payload,
	}, nil
}

// SignedPayload returns the exact object that is signed: every field
// except the signature, with the timestamp in RFC 3339 UTC form.
func (e *Envelope) SignedPayload() map[string]interface{} {
	return map[string]interface{}{
		"msg_type":       e.MsgType,
		"msg_version":    e.MsgVersion,
		"federate_id":    e.FederateID,
		"nonce":          e.Nonce,
		"timestamp_utc":  canonical.FormatTime(e.TimestampUTC),
		"correlation_id": e.CorrelationID,
		"payload":        e.Payload,
	}
}

// CanonicalBytes returns the canonical JSON of the signed region.
func (e *Envelope) CanonicalBytes() ([]byte, error) {
	return canonical.Marshal(e.SignedPayload())
}

// PayloadHash returns the stable hash of the signed region.
func (e *Envelope) PayloadHash() (string, error) {
	data, err := e.CanonicalBytes()
	if err != nil {
		return "", err
	}
	return canonical.HashBytes(data), nil
}

// Validate re-checks an envelope received off the wire.
func (e *Envelope) Validate() error {
	if !validTypes[e.MsgType] {
		return fmt.Errorf("unknown msg_type %q", e.MsgType)
	}
	if e.FederateID == "" {
		return errors.New("federate_id must not be empty")
	}
	if e.Nonce == "" {
		return errors.New("nonce must not be empty")
	}
	if e.TimestampUTC.IsZero() {
		return errors.New("timestamp_utc must be set")
	}
	if e.Payload == nil {
		return errors.New("payload must not be nil")
	}
	if e.Signature != nil {
		if e.Signature.KeyID == "" && e.Signature.CertFingerprint == "" {
			return errors.New("signature requires key_id or cert_fingerprint")
		}
		if e.Signature.Alg != AlgEd25519 && e.Signature.Alg != AlgRSAPSS256 {
			return fmt.Errorf("unsupported signature alg %q", e.Signature.Alg)
		}
	}
	return nil
}
