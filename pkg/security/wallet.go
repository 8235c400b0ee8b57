package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
)

// WalletVerifier verifies that a node registration request was signed by the
// holder of the wallet's private key. A node enrolls its P-256 public key
// (PEM-encoded) at first registration; every subsequent registration request
// must present a challenge signature verifiable against that key.
type WalletVerifier struct{}

// NewWalletVerifier creates a WalletVerifier.
func NewWalletVerifier() *WalletVerifier {
	return &WalletVerifier{}
}

// GenerateChallenge returns a fresh 32-byte challenge for a node to sign.
func GenerateChallenge() ([]byte, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return nil, fmt.Errorf("generate challenge: %w", err)
	}
	return challenge, nil
}

// Verify checks that sig is a valid ECDSA P-256 signature over challenge,
// produced by the private key matching publicKeyPEM. sig is the
// concatenation of the fixed-width big-endian R and S values.
func (v *WalletVerifier) Verify(publicKeyPEM string, challenge, sig []byte) error {
	pub, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return fmt.Errorf("parse enrolled public key: %w", err)
	}

	size := (pub.Curve.Params().BitSize + 7) / 8
	if len(sig) != 2*size {
		return fmt.Errorf("signature length %d, want %d", len(sig), 2*size)
	}

	r := new(big.Int).SetBytes(sig[:size])
	s := new(big.Int).SetBytes(sig[size:])

	digest := sha256.Sum256(challenge)
	if !ecdsa.Verify(pub, digest[:], r, s) {
		return fmt.Errorf("signature does not verify against enrolled public key")
	}
	return nil
}

// ParsePublicKeyPEM decodes a PEM-encoded PKIX public key and asserts it is
// an ECDSA key.
func ParsePublicKeyPEM(publicKeyPEM string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKIX public key: %w", err)
	}

	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not ECDSA")
	}
	return pub, nil
}

// EncodePublicKeyPEM PEM-encodes an ECDSA public key, the inverse of
// ParsePublicKeyPEM. Used by tests and by any enrollment tooling that
// generates a node keypair locally.
func EncodePublicKeyPEM(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// SignChallenge signs a challenge with priv, for use by tests and enrollment
// tooling that need to produce a verifiable signature without a real node agent.
func SignChallenge(priv *ecdsa.PrivateKey, challenge []byte) ([]byte, error) {
	digest := sha256.Sum256(challenge)
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign challenge: %w", err)
	}

	size := (priv.Curve.Params().BitSize + 7) / 8
	sig := make([]byte, 2*size)
	r.FillBytes(sig[:size])
	s.FillBytes(sig[size:])
	return sig, nil
}

// GenerateWalletKeypair creates a new P-256 keypair, used only by tests and
// enrollment tooling — never by the orchestrator itself.
func GenerateWalletKeypair() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}
