package security

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// NodeClaims are the claims bound into a node's long-lived bearer credential.
// The credential authenticates every subsequent heartbeat the node sends; it is bound to the triple the node registered with so that a token
// stolen from one machine cannot be replayed against another node's identity.
type NodeClaims struct {
	NodeID    string `json:"node_id"`
	Wallet    string `json:"wallet"`
	MachineID string `json:"machine_id"`
	jwt.RegisteredClaims
}

// TokenManager mints and validates node bearer credentials.
type TokenManager struct {
	key      []byte
	issuer   string
	audience string
	ttl      time.Duration
}

// NewTokenManager creates a TokenManager. ttl of zero means the credential
// never expires, matching the "long-lived credential" requirement for
// already-enrolled nodes.
func NewTokenManager(key []byte, issuer, audience string, ttl time.Duration) (*TokenManager, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("jwt signing key must not be empty")
	}
	return &TokenManager{key: key, issuer: issuer, audience: audience, ttl: ttl}, nil
}

// Mint issues a signed JWT bound to (nodeID, wallet, machineID).
func (m *TokenManager) Mint(nodeID, wallet, machineID string) (string, error) {
	now := time.Now()
	claims := &NodeClaims{
		NodeID:    nodeID,
		Wallet:    wallet,
		MachineID: machineID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   nodeID,
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if m.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(m.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.key)
}

// Validate parses and verifies a node credential, returning its claims.
func (m *TokenManager) Validate(tokenString string) (*NodeClaims, error) {
	claims := &NodeClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.key, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithAudience(m.audience))
	if err != nil {
		return nil, fmt.Errorf("validate node credential: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("node credential is not valid")
	}
	return claims, nil
}
