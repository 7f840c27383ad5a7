package approval

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mindburn-labs/agentgateway/pkg/contracts"
)

// ErrTokenInvalid covers every way a presented override token can fail to
// parse or verify: bad signature, wrong issuer, malformed claims.
var ErrTokenInvalid = errors.New("approval: override token invalid")

// overrideClaims is the JWT claim set carried by an override token. The
// action hash binding (spec.md §4.6) lives in a custom claim rather than
// the registered "sub" claim so it reads unambiguously in a decoded token.
type overrideClaims struct {
	jwt.RegisteredClaims
	ApprovalID string `json:"approval_id"`
	ActionHash string `json:"action_hash"`
	OrgID      string `json:"org_id"`
}

// TokenCodec issues and parses the Ed25519-signed JWTs that carry override
// tokens between the approval store and the gateway's execute path.
type TokenCodec struct {
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
	issuer string
}

// NewTokenCodec builds a codec bound to one Ed25519 keypair. issuer is
// stamped into every token's "iss" claim and checked on parse.
func NewTokenCodec(priv ed25519.PrivateKey, pub ed25519.PublicKey, issuer string) *TokenCodec {
	return &TokenCodec{priv: priv, pub: pub, issuer: issuer}
}

// Issue mints a signed JWT for t. TokenID, ApprovalID, ActionHash, OrgID,
// IssuedAt and ExpiresAt must already be populated.
func (c *TokenCodec) Issue(t contracts.OverrideToken) (string, error) {
	claims := overrideClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        t.TokenID,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(t.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(t.ExpiresAt),
		},
		ApprovalID: t.ApprovalID,
		ActionHash: t.ActionHash,
		OrgID:      t.OrgID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(c.priv)
	if err != nil {
		return "", fmt.Errorf("approval: token signing failed: %w", err)
	}
	return signed, nil
}

// Parse verifies tokenString's signature and issuer and recovers the
// override token fields bound into it. Expiry is not judged against the
// wall clock here: callers compare the returned ExpiresAt with their own
// now via OverrideToken.Expired. It does not consult the approval
// store; callers still must check status/consumption there.
func (c *TokenCodec) Parse(tokenString string) (contracts.OverrideToken, error) {
	var claims overrideClaims
	parsed, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrTokenInvalid, t.Header["alg"])
		}
		return c.pub, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return contracts.OverrideToken{}, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return contracts.OverrideToken{}, ErrTokenInvalid
	}
	if claims.Issuer != c.issuer {
		return contracts.OverrideToken{}, fmt.Errorf("%w: unexpected issuer %q", ErrTokenInvalid, claims.Issuer)
	}

	issuedAt := time.Time{}
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Time
	}
	expiresAt := time.Time{}
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	return contracts.OverrideToken{
		TokenID:    claims.ID,
		ApprovalID: claims.ApprovalID,
		ActionHash: claims.ActionHash,
		OrgID:      claims.OrgID,
		IssuedAt:   issuedAt,
		ExpiresAt:  expiresAt,
	}, nil
}
