package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/mindburn-labs/agentgateway/pkg/contracts"
)

// Signer signs and verifies audit events on behalf of the gateway's
// signing service (SPEC_FULL.md §4.2).
type Signer interface {
	KeyID() string
	PublicKeyHex() string
	Sign(data []byte) (string, error)
	SignEvent(e *contracts.AuditEvent) error
	VerifyEvent(e *contracts.AuditEvent, pubKeyHex string) (bool, error)
}

// Ed25519Signer is the default signer implementation.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	kid     string
}

// NewEd25519Signer generates a fresh Ed25519 keypair. Used only in
// development; production deployments must supply a key via
// NewEd25519SignerFromKey (see pkg/config's fail-fast behavior).
func NewEd25519Signer(kid string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: key generation failed: %w", err)
	}
	return &Ed25519Signer{privKey: priv, pubKey: pub, kid: kid}, nil
}

// NewEd25519SignerFromKey wraps a caller-supplied private key, e.g. one
// decrypted from pkg/kms.
func NewEd25519SignerFromKey(priv ed25519.PrivateKey, kid string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		kid:     kid,
	}
}

func (s *Ed25519Signer) KeyID() string { return s.kid }

// PrivateKey exposes the raw key for callers that need to hand it to a
// library with its own signing method, e.g. golang-jwt/jwt's EdDSA
// support used by pkg/approval's override tokens.
func (s *Ed25519Signer) PrivateKey() ed25519.PrivateKey { return s.privKey }

// PublicKey is the raw counterpart to PrivateKey.
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey { return s.pubKey }

func (s *Ed25519Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pubKey)
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.privKey, data)), nil
}

// SignEvent signs e in place, populating SignerKID and Signature. e.EventHash
// must already be set by the audit log before calling SignEvent.
func (s *Ed25519Signer) SignEvent(e *contracts.AuditEvent) error {
	if e.EventHash == "" {
		return fmt.Errorf("crypto: cannot sign event %q: event hash not set", e.EventID)
	}
	payload := CanonicalizeAuditEvent(e.EventID, string(e.EventType), e.OrgID, e.ActionHash, string(e.Outcome), e.PreviousEventHash, e.EventHash, e.SequenceNumber)
	sig, err := s.Sign([]byte(payload))
	if err != nil {
		return err
	}
	e.Signature = sig
	e.SignerKID = s.kid
	return nil
}

// VerifyEvent verifies e's signature against the supplied public key.
func (s *Ed25519Signer) VerifyEvent(e *contracts.AuditEvent, pubKeyHex string) (bool, error) {
	return VerifyEventSignature(e, pubKeyHex)
}

// VerifyEventSignature verifies an audit event signature without
// requiring a live Signer instance — used by chain verification, which
// checks each event against the issuer registry's recorded keys.
func VerifyEventSignature(e *contracts.AuditEvent, pubKeyHex string) (bool, error) {
	if e.Signature == "" {
		return false, fmt.Errorf("crypto: event %q has no signature", e.EventID)
	}
	payload := CanonicalizeAuditEvent(e.EventID, string(e.EventType), e.OrgID, e.ActionHash, string(e.Outcome), e.PreviousEventHash, e.EventHash, e.SequenceNumber)
	return Verify(pubKeyHex, e.Signature, []byte(payload))
}

// Verify checks a hex-encoded Ed25519 signature over data.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid signature hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("crypto: invalid public key size %d", len(pubKey))
	}
	return ed25519.Verify(pubKey, data, sig), nil
}
