// Package capability implements the capability-token codec SPEC_FULL.md
// §4.7 step 3 calls for: an Ed25519-signed JWT, verified against the
// registered issuer's key by kid, that an agent presents alongside every
// action to further restrict what the manifest already allows.
package capability

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mindburn-labs/agentgateway/pkg/contracts"
	"github.com/mindburn-labs/agentgateway/pkg/crypto"
)

var ErrInvalid = errors.New("capability: token invalid")

type claims struct {
	jwt.RegisteredClaims
	OrgID       string                `json:"org_id"`
	UAPKID      string                `json:"uapk_id"`
	AgentID     string                `json:"agent_id"`
	Constraints contracts.Constraints `json:"constraints"`
}

// Codec issues and verifies capability tokens against a multi-key issuer
// registry, so keys can rotate without invalidating tokens signed under
// a still-trusted older kid.
type Codec struct {
	issuer   string
	registry *crypto.IssuerRegistry
}

// NewCodec binds a codec to the registry that holds every issuer key
// this gateway instance trusts.
func NewCodec(issuer string, registry *crypto.IssuerRegistry) *Codec {
	return &Codec{issuer: issuer, registry: registry}
}

// Issue mints a token signed under signer's key. signer's KeyID must
// already be registered in the codec's registry for Verify to accept it.
func (c *Codec) Issue(signer *crypto.Ed25519Signer, t contracts.CapabilityToken) (string, error) {
	claims := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        t.TokenID,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(t.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(t.ExpiresAt),
		},
		OrgID:       t.OrgID,
		UAPKID:      t.UAPKID,
		AgentID:     t.AgentID,
		Constraints: t.Constraints,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = signer.KeyID()
	return token.SignedString(signer.PrivateKey())
}

// Verify checks tokenString's signature against the issuer registry (by
// kid), rejects revoked keys and expired tokens, and returns the decoded
// claims bound into a CapabilityToken.
func (c *Codec) Verify(tokenString string, now time.Time) (contracts.CapabilityToken, error) {
	var parsedClaims claims
	var usedKID string
	parsed, err := jwt.ParseWithClaims(tokenString, &parsedClaims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrInvalid, t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: missing kid", ErrInvalid)
		}
		if c.registry.Revoked(kid) {
			return nil, fmt.Errorf("%w: key %q revoked", ErrInvalid, kid)
		}
		pubHex, err := c.registry.PublicKey(kid)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		usedKID = kid
		return decodeEd25519Hex(pubHex)
	}, jwt.WithIssuer(c.issuer), jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil {
		return contracts.CapabilityToken{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !parsed.Valid {
		return contracts.CapabilityToken{}, ErrInvalid
	}

	var issuedAt, expiresAt time.Time
	if parsedClaims.IssuedAt != nil {
		issuedAt = parsedClaims.IssuedAt.Time
	}
	if parsedClaims.ExpiresAt != nil {
		expiresAt = parsedClaims.ExpiresAt.Time
	}
	if now.After(expiresAt) {
		return contracts.CapabilityToken{}, fmt.Errorf("%w: expired", ErrInvalid)
	}

	return contracts.CapabilityToken{
		TokenID:     parsedClaims.ID,
		IssuerKID:   usedKID,
		OrgID:       parsedClaims.OrgID,
		UAPKID:      parsedClaims.UAPKID,
		AgentID:     parsedClaims.AgentID,
		Constraints: parsedClaims.Constraints,
		IssuedAt:    issuedAt,
		ExpiresAt:   expiresAt,
	}, nil
}

func decodeEd25519Hex(pubHex string) ([]byte, error) {
	key, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, fmt.Errorf("%w: bad public key encoding: %v", ErrInvalid, err)
	}
	return key, nil
}
