package security

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashCredential hashes a minted node credential for storage via
// store.SaveNodeCredentialHash. Only the hash is persisted — the signed JWT
// itself is returned to the node once at registration and never stored.
func HashCredential(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash node credential: %w", err)
	}
	return string(hash), nil
}

// VerifyCredential reports whether token matches the stored hash.
func VerifyCredential(hash, token string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}
