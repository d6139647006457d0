// Package core holds the kernel's shared domain entities. All entities
// are immutable value objects once produced; cross-store references are
// by ID only, never by pointer.
package core

import "time"

// SchemaVersion is stamped on every entity the kernel emits.
const SchemaVersion = "2.0"

// FederationRole is the role a cell plays in the mesh.
type FederationRole string

const (
	RoleMember      FederationRole = "member"
	RoleCoordinator FederationRole = "coordinator"
	RoleObserver    FederationRole = "observer"
)

// IdentityStatus is the lifecycle status of a federate identity.
type IdentityStatus string

const (
	IdentityActive         IdentityStatus = "active"
	IdentityInactive       IdentityStatus = "inactive"
	IdentitySuspended      IdentityStatus = "suspended"
	IdentityDecommissioned IdentityStatus = "decommissioned"
)

// FederateIdentity describes one cell in the mesh. Records are replaced
// wholesale on update, never edited in place; LastSeen lives in a
// separate mutable index owned by the identity store.
type FederateIdentity struct {
	SchemaVersion    string         `json:"schema_version"`
	FederateID       string         `json:"federate_id"` // cell-<region>-<cluster>-<node>
	PublicKey        string         `json:"public_key"`  // base64 Ed25519 raw
	KeyID            string         `json:"key_id"`      // SHA-256 of public key
	CertificateChain []string       `json:"certificate_chain,omitempty"`
	FederationRole   FederationRole `json:"federation_role"`
	Capabilities     []string       `json:"capabilities"`
	TrustScore       float64        `json:"trust_score"`
	Status           IdentityStatus `json:"status"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// NonceRecord tracks a nonce scoped to one federate. Used is the only
// field that mutates after publication, and only once per expiry window.
type NonceRecord struct {
	Nonce      string    `json:"nonce"`
	FederateID string    `json:"federate_id"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Used       bool      `json:"used"`
}

// ObservationType tags the payload union of an observation.
type ObservationType string

const (
	ObsTelemetrySummary ObservationType = "telemetry_summary"
	ObsThreatIntel      ObservationType = "threat_intel"
	ObsAnomalyDetection ObservationType = "anomaly_detection"
	ObsSystemHealth     ObservationType = "system_health"
	ObsNetworkActivity  ObservationType = "network_activity"
	ObsCustom           ObservationType = "custom"
)

// Observation is a signed telemetry claim from a confirmed peer.
type Observation struct {
	SchemaVersion    string                 `json:"schema_version"`
	ObservationID    string                 `json:"observation_id"`
	SourceFederateID string                 `json:"source_federate_id"`
	TimestampUTC     time.Time              `json:"timestamp_utc"`
	CorrelationID    string                 `json:"correlation_id,omitempty"`
	Nonce            string                 `json:"nonce,omitempty"`
	ObservationType  ObservationType        `json:"observation_type"`
	Confidence       float64                `json:"confidence"`
	EvidenceRefs     []string               `json:"evidence_refs,omitempty"`
	Payload          map[string]interface{} `json:"payload"`
	Signature        *Signature             `json:"signature,omitempty"`
}

// Signature is the detached signature block of a signed message.
type Signature struct {
	Alg             string `json:"alg"` // ed25519 | rsa-pss-sha256
	KeyID           string `json:"key_id,omitempty"`
	CertFingerprint string `json:"cert_fingerprint,omitempty"`
	SigB64          string `json:"sig_b64"`
}

// Belief is an evidence-backed claim derived from observations by the
// aggregator. Identity never changes after derivation; arbitration
// decisions overlay Metadata by emitting a replacement record that
// keeps the same BeliefID.
type Belief struct {
	SchemaVersion      string                 `json:"schema_version"`
	BeliefID           string                 `json:"belief_id"`
	BeliefType         string                 `json:"belief_type"`
	Confidence         float64                `json:"confidence"`
	SourceObservations []string               `json:"source_observations"`
	DerivedAt          time.Time              `json:"derived_at"`
	CorrelationID      string                 `json:"correlation_id,omitempty"`
	EvidenceSummary    string                 `json:"evidence_summary,omitempty"`
	Conflicts          []string               `json:"conflicts,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
}

// ArbitrationStatus is the lifecycle state of an arbitration.
type ArbitrationStatus string

const (
	ArbitrationOpen     ArbitrationStatus = "open"
	ArbitrationResolved ArbitrationStatus = "resolved"
	ArbitrationRejected ArbitrationStatus = "rejected"
	ArbitrationExpired  ArbitrationStatus = "expired"
)

// ConflictType classifies why beliefs disagree.
type ConflictType string

const (
	ConflictThreatClassification ConflictType = "threat_classification"
	ConflictSystemHealth         ConflictType = "system_health"
	ConflictConfidenceDispute    ConflictType = "confidence_dispute"
	ConflictEvidence             ConflictType = "evidence_conflict"
	ConflictPolicyViolation      ConflictType = "policy_violation"
	ConflictTrustDispute         ConflictType = "trust_dispute"
)

// Arbitration records a detected belief conflict awaiting approved
// resolution. Claims reference beliefs by ID only.
type Arbitration struct {
	SchemaVersion      string                 `json:"schema_version"`
	ArbitrationID      string                 `json:"arbitration_id"`
	CreatedAtUTC       time.Time              `json:"created_at_utc"`
	Status             ArbitrationStatus      `json:"status"`
	ConflictType       ConflictType           `json:"conflict_type"`
	SubjectKey         string                 `json:"subject_key"`
	ConflictKey        string                 `json:"conflict_key"` // 16-char hex
	Claims             []string               `json:"claims"`       // belief IDs
	EvidenceRefs       []string               `json:"evidence_refs,omitempty"`
	CorrelationID      string                 `json:"correlation_id,omitempty"`
	ProposedResolution map[string]interface{} `json:"proposed_resolution,omitempty"`
	Decision           map[string]interface{} `json:"decision,omitempty"`
	ApprovalID         string                 `json:"approval_id,omitempty"`
	ResolverFederateID string                 `json:"resolver_federate_id,omitempty"`
	ResolvedAtUTC      *time.Time             `json:"resolved_at_utc,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
}

// ActionType is the risk class of a side-effecting action.
type ActionType string

const (
	A0Observe         ActionType = "A0_observe"
	A1SoftContainment ActionType = "A1_soft_containment"
	A2HardContainment ActionType = "A2_hard_containment"
	A3Irreversible    ActionType = "A3_irreversible"
)

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Approval binds operator consent to exactly one intent hash. Once
// decided, Status is terminal.
type Approval struct {
	SchemaVersion string         `json:"schema_version"`
	ApprovalID    string         `json:"approval_id"`
	ActionType    ActionType     `json:"action_type"`
	TenantID      string         `json:"tenant_id"`
	Subject       string         `json:"subject"`
	IntentHash    string         `json:"intent_hash"`
	PrincipalID   string         `json:"principal_id,omitempty"`
	Status        ApprovalStatus `json:"status"`
	Rationale     string         `json:"rationale,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	DecidedAt     *time.Time     `json:"decided_at,omitempty"`
}

// ContainmentScope bounds the effect of a containment action.
type ContainmentScope struct {
	ScopeID          string                 `json:"scope_id"`
	ScopeType        string                 `json:"scope_type"` // sessions | login | api_access
	SeverityLevel    string                 `json:"severity_level"`
	TTLSeconds       int64                  `json:"ttl_seconds"`
	AutoExpire       bool                   `json:"auto_expire"`
	RequiresApproval bool                   `json:"requires_approval"`
	ApprovalLevel    ActionType             `json:"approval_level"`
	Effectors        []string               `json:"effectors,omitempty"`
	Conditions       map[string]interface{} `json:"conditions,omitempty"`
}

// IntentType distinguishes containment operations.
type IntentType string

const (
	IntentApply  IntentType = "apply"
	IntentRevert IntentType = "revert"
	IntentModify IntentType = "modify"
)

// ContainmentIntent is a frozen, hash-identified request for a side
// effect against an identity subject.
type ContainmentIntent struct {
	SchemaVersion    string           `json:"schema_version"`
	IntentID         string           `json:"intent_id"`
	RecommendationID string           `json:"recommendation_id"`
	SubjectID        string           `json:"subject_id"`
	Provider         string           `json:"provider"`
	Scope            ContainmentScope `json:"scope"`
	IntentType       IntentType       `json:"intent_type"`
	ApprovalID       string           `json:"approval_id,omitempty"`
	RequestedBy      string           `json:"requested_by"`
	CreatedAtUTC     time.Time        `json:"created_at_utc"`
	ExpiresAtUTC     time.Time        `json:"expires_at_utc"`
	IntentHash       string           `json:"intent_hash"`
	ExecutionStatus  string           `json:"execution_status,omitempty"`
	IdempotencyKey   string           `json:"idempotency_key,omitempty"`
}

// AppliedRecord is the durable mark of an executed containment,
// keyed by subject_id:provider:scope_type.
type AppliedRecord struct {
	SchemaVersion string    `json:"schema_version"`
	Key           string    `json:"key"`
	SubjectID     string    `json:"subject_id"`
	Provider      string    `json:"provider"`
	ScopeType     string    `json:"scope_type"`
	IntentID      string    `json:"intent_id"`
	ApprovalID    string    `json:"approval_id"`
	AppliedAtUTC  time.Time `json:"applied_at_utc"`
	ExpiresAtUTC  time.Time `json:"expires_at_utc"`
}

// RevertedRecord marks an applied containment as undone.
type RevertedRecord struct {
	SchemaVersion string    `json:"schema_version"`
	Key           string    `json:"key"`
	SubjectID     string    `json:"subject_id"`
	Provider      string    `json:"provider"`
	ScopeType     string    `json:"scope_type"`
	IntentID      string    `json:"intent_id"`
	Reason        string    `json:"reason"`
	RevertedAtUTC time.Time `json:"reverted_at_utc"`
}

// ContainmentKey builds the applied/reverted record key.
func ContainmentKey(subjectID, provider, scopeType string) string {
	return subjectID + ":" + provider + ":" + scopeType
}
