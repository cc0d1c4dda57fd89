package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/opencawt/opencawt/pkg/contracts"
	"github.com/opencawt/opencawt/pkg/crypto"
	"github.com/opencawt/opencawt/pkg/ids"
	"github.com/opencawt/opencawt/pkg/store"
)

const (
	capabilityKeyPurpose = "capability-tokens"
	capabilityIssuerName = "opencawt"
)

// CapabilityClaims are the JWT claims of a capability token.
type CapabilityClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// CapabilityIssuer mints and validates bearer capability tokens. The
// signing key is derived from the deployment master secret, and only
// the SHA-256 of each issued token is persisted.
type CapabilityIssuer struct {
	key []byte
	now func() time.Time
}

func NewCapabilityIssuer(masterSecret []byte, now func() time.Time) (*CapabilityIssuer, error) {
	key, err := crypto.DeriveSubkey(masterSecret, capabilityKeyPurpose, 32)
	if err != nil {
		return nil, fmt.Errorf("derive capability key: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &CapabilityIssuer{key: key, now: now}, nil
}

// Mint issues a token for an agent and scope. ttl == 0 means no expiry.
// The raw token is returned exactly once; callers persist the row.
func (i *CapabilityIssuer) Mint(agentID, scope string, ttl time.Duration) (string, *contracts.AgentCapability, error) {
	if agentID == "" || scope == "" {
		return "", nil, fmt.Errorf("agent id and scope are required")
	}
	now := i.now().UTC()
	claims := CapabilityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       ids.New(ids.PrefixCapability),
			Subject:  agentID,
			Issuer:   capabilityIssuerName,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Scope: scope,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", nil, fmt.Errorf("sign capability token: %w", err)
	}

	row := &contracts.AgentCapability{
		TokenHash: TokenHash(raw),
		AgentID:   agentID,
		Scope:     scope,
		CreatedAt: now,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		row.ExpiresAt = &expires
	}
	return raw, row, nil
}

// Parse verifies a token's signature and shape without consulting the
// store.
func (i *CapabilityIssuer) Parse(raw string) (*CapabilityClaims, error) {
	token, err := jwt.ParseWithClaims(raw, &CapabilityClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.key, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*CapabilityClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}

// Authorize checks a presented token against its stored row: the
// signature must verify, the row must exist, be neither revoked nor
// expired, and carry the wanted scope.
func (i *CapabilityIssuer) Authorize(ctx context.Context, q *store.Queries, raw, wantScope string) (*contracts.AgentCapability, error) {
	claims, err := i.Parse(raw)
	if err != nil {
		return nil, contracts.CodedWrap(contracts.CodeCapabilityInvalid, "capability token rejected", err)
	}
	row, err := q.GetCapabilityByHash(ctx, TokenHash(raw))
	if err != nil {
		if store.IsNotFound(err) {
			return nil, contracts.Coded(contracts.CodeCapabilityInvalid, "capability token is not recognised")
		}
		return nil, fmt.Errorf("load capability: %w", err)
	}
	if claims.Subject != row.AgentID {
		return nil, contracts.Coded(contracts.CodeCapabilityInvalid, "capability token subject mismatch")
	}
	if !row.Active(i.now()) {
		return nil, contracts.Coded(contracts.CodeCapabilityInvalid, "capability token is revoked or expired")
	}
	if row.Scope != wantScope {
		return nil, contracts.Codedf(contracts.CodeCapabilityInvalid, "capability lacks scope %q", wantScope)
	}
	return row, nil
}

// TokenHash is the stored fingerprint of a raw capability token.
func TokenHash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
