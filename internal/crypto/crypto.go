// Package crypto provides Ed25519 signing and the message integrity
// pipeline. Private keys never leave the KeyPair; the audit and log
// boundaries only ever see key IDs.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/admo/meshkernel/internal/clock"
	"github.com/admo/meshkernel/internal/core"
	"github.com/admo/meshkernel/internal/messages"
	"github.com/admo/meshkernel/internal/store"
)

// FailureReason is the closed taxonomy of verification failures.
type FailureReason string

const (
	ReasonNone             FailureReason = ""
	ReasonKeyMismatch      FailureReason = "KEY_MISMATCH"
	ReasonUnknownKeyID     FailureReason = "UNKNOWN_KEY_ID"
	ReasonInvalidSignature FailureReason = "INVALID_SIGNATURE"
	ReasonTimestampOOB     FailureReason = "TIMESTAMP_OUT_OF_BOUNDS"
	ReasonNonceReuse       FailureReason = "NONCE_REUSE"
	ReasonSchemaValidation FailureReason = "SCHEMA_VALIDATION_FAILED"
)

// DefaultMaxSkew bounds how far a message timestamp may drift from now.
const DefaultMaxSkew = 300 * time.Second

// KeyPair holds one cell's Ed25519 key material.
type KeyPair struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh Ed25519 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &KeyPair{Public: pub, private: priv}, nil
}

// PublicKeyB64 returns the raw public key, base64-encoded for the
// FederateIdentity record.
func (kp *KeyPair) PublicKeyB64() string {
	return base64.StdEncoding.EncodeToString(kp.Public)
}

// KeyID returns the hex SHA-256 of the raw public key.
func (kp *KeyPair) KeyID() string {
	return KeyID(kp.Public)
}

// KeyID derives the key identifier for any raw Ed25519 public key.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// ParsePublicKey decodes a base64 raw Ed25519 public key.
func ParsePublicKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// Sign signs the envelope's canonical bytes and attaches the signature
// block.
func (kp *KeyPair) Sign(env *messages.Envelope) error {
	data, err := env.CanonicalBytes()
	if err != nil {
		return err
	}
	sig := ed25519.Sign(kp.private, data)
	env.Signature = &core.Signature{
		Alg:    messages.AlgEd25519,
		KeyID:  kp.KeyID(),
		SigB64: base64.StdEncoding.EncodeToString(sig),
	}
	return nil
}

// Verify checks the envelope signature against a public key.
func Verify(env *messages.Envelope, pub ed25519.PublicKey) (bool, FailureReason) {
	if env.Signature == nil || env.Signature.SigB64 == "" {
		return false, ReasonInvalidSignature
	}
	data, err := env.CanonicalBytes()
	if err != nil {
		return false, ReasonSchemaValidation
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature.SigB64)
	if err != nil {
		return false, ReasonInvalidSignature
	}
	if !ed25519.Verify(pub, data, sig) {
		return false, ReasonInvalidSignature
	}
	return true, ReasonNone
}

// VerifyIntegrity runs the full pipeline: key binding, signature,
// timestamp skew, nonce replay, then the single state-mutating commit
// that marks the nonce used. Steps 1-4 never mutate anything.
func VerifyIntegrity(env *messages.Envelope, expectedKeyID string, pub ed25519.PublicKey, nonces store.NonceStore, clk clock.Clock, maxSkew time.Duration) (bool, FailureReason) {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}

	// 1. Key binding
	if env.Signature == nil || env.Signature.KeyID != expectedKeyID {
		return false, ReasonKeyMismatch
	}

	// 2. Signature over canonical bytes
	if ok, reason := Verify(env, pub); !ok {
		return false, reason
	}

	// 3. Timestamp skew
	now := clk.Now()
	skew := now.Sub(env.TimestampUTC)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return false, ReasonTimestampOOB
	}

	// 4. Nonce replay check
	if !nonces.Available(env.FederateID, env.Nonce) {
		return false, ReasonNonceReuse
	}

	// 5. Commit point: mark the nonce used
	if !nonces.MarkUsed(env.FederateID, env.Nonce) {
		return false, ReasonNonceReuse
	}
	return true, ReasonNone
}

// DeriveSessionKey derives a 32-byte session key from the handshake
// transcript via HKDF-SHA256.
func DeriveSessionKey(sharedSecret, salt, info []byte) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, fmt.Errorf("shared secret must not be empty")
	}
	r := hkdf.New(sha256.New, sharedSecret, salt, info)
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

// GenerateNonce returns 32 bytes of randomness, hex-encoded.
func GenerateNonce() (string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(nonce), nil
}
