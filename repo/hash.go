package repo

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashKey computes the SHA-256 hex digest used as the credential cache and
// CredentialRepository lookup key. The plaintext key itself is never
// stored.
func HashKey(plaintextKey string) string {
	sum := sha256.Sum256([]byte(plaintextKey))
	return hex.EncodeToString(sum[:])
}
