package messages

import (
	"errors"
	"fmt"
	"time"

	"github.com/admo/meshkernel/internal/core"
)

// IdentityExchange is the first handshake payload: the initiating
// cell's identity material.
type IdentityExchange struct {
	FederateID       string              `json:"federate_id"`
	PublicKey        string              `json:"public_key"`
	KeyID            string              `json:"key_id"`
	CertificateChain []string            `json:"certificate_chain,omitempty"`
	FederationRole   core.FederationRole `json:"federation_role"`
	Capabilities     []string            `json:"capabilities"`
}

// CapabilityNegotiate is the second handshake payload.
type CapabilityNegotiate struct {
	Capabilities      []string `json:"capabilities"`
	ProtocolVersions  []string `json:"protocol_versions"`
	RequestedFeatures []string `json:"requested_features,omitempty"`
}

// TrustEstablish is the final handshake payload.
type TrustEstablish struct {
	TrustScore      float64  `json:"trust_score"`
	AttestationRefs []string `json:"attestation_refs,omitempty"`
	GovernanceHash  string   `json:"governance_hash,omitempty"`
}

// NewIdentityExchange builds a validated identity-exchange envelope.
func NewIdentityExchange(id IdentityExchange, nonce, correlationID string, ts time.Time) (*Envelope, error) {
	if id.PublicKey == "" {
		return nil, errors.New("public_key must not be empty")
	}
	switch id.FederationRole {
	case core.RoleMember, core.RoleCoordinator, core.RoleObserver:
	default:
		return nil, fmt.Errorf("invalid federation_role %q", id.FederationRole)
	}
	return New(TypeIdentityExchange, id.FederateID, nonce, correlationID, ts, map[string]interface{}{
		"federate_id":       id.FederateID,
		"public_key":        id.PublicKey,
		"key_id":            id.KeyID,
		"certificate_chain": id.CertificateChain,
		"federation_role":   string(id.FederationRole),
		"capabilities":      id.Capabilities,
	})
}

// NewCapabilityNegotiate builds a validated capability-negotiation envelope.
func NewCapabilityNegotiate(federateID string, cn CapabilityNegotiate, nonce, correlationID string, ts time.Time) (*Envelope, error) {
	if len(cn.Capabilities) == 0 {
		return nil, errors.New("capabilities must not be empty")
	}
	return New(TypeCapabilityNegotiate, federateID, nonce, correlationID, ts, map[string]interface{}{
		"capabilities":       cn.Capabilities,
		"protocol_versions":  cn.ProtocolVersions,
		"requested_features": cn.RequestedFeatures,
	})
}

// NewTrustEstablish builds a validated trust-establishment envelope.
func NewTrustEstablish(federateID string, te TrustEstablish, nonce, correlationID string, ts time.Time) (*Envelope, error) {
	if te.TrustScore < 0 || te.TrustScore > 1 {
		return nil, fmt.Errorf("trust_score %f outside [0,1]", te.TrustScore)
	}
	return New(TypeTrustEstablish, federateID, nonce, correlationID, ts, map[string]interface{}{
		"trust_score":      te.TrustScore,
		"attestation_refs": te.AttestationRefs,
		"governance_hash":  te.GovernanceHash,
	})
}

// NewObservationEnvelope wraps an observation for signing. The
// observation's own fields ride in the payload union.
func NewObservationEnvelope(obs *core.Observation) (*Envelope, error) {
	if obs.ObservationID == "" {
		return nil, errors.New("observation_id must not be empty")
	}
	if obs.Confidence < 0 || obs.Confidence > 1 {
		return nil, fmt.Errorf("confidence %f outside [0,1]", obs.Confidence)
	}
	return New(TypeObservation, obs.SourceFederateID, obs.Nonce, obs.CorrelationID, obs.TimestampUTC, map[string]interface{}{
		"observation_id":   obs.ObservationID,
		"observation_type": string(obs.ObservationType),
		"confidence":       obs.Confidence,
		"evidence_refs":    obs.EvidenceRefs,
		"payload":          obs.Payload,
	})
}
