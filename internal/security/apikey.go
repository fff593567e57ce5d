// Package security generates and hashes API key secrets. It follows the
// teacher's crypto/rand + crypto/sha256 style (see pkg/security/secrets.go
// in the retrieval pack's cuemby-warren tree) rather than introducing a
// password-hashing KDF: an API key is high-entropy random data, not a
// user-chosen password, so a fast cryptographic hash of the secret is
// sufficient and is what the same corpus uses for comparable tokens.
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// KeyPrefix is prepended to every generated secret so that leaked keys are
// recognizable at a glance (spec §3: "the secret is displayed with a stable
// prefix ci_").
const KeyPrefix = "ci_"

// secretBytes is 30 bytes (240 bits) of random entropy, the floor the spec
// requires.
const secretBytes = 30

// GenerateAPIKey produces a new bearer secret and the hash to persist for
// it. The plaintext is returned to the caller exactly once; only hash ever
// reaches the store.
func GenerateAPIKey() (plaintext string, hash string, err error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	plaintext = KeyPrefix + base64.RawURLEncoding.EncodeToString(buf)
	hash = HashKey(plaintext)
	return plaintext, hash, nil
}

// HashKey computes the lookup hash for a presented bearer secret. The same
// function is used at creation time (to compute the stored hash) and at
// authentication time (to compute the lookup key), so the two can never
// drift apart.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
