// Package credential hashes and verifies tenant API keys. Only SHA-256
// digests are ever stored; plaintext keys exist for the duration of a
// request.
package credential

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// Digest returns the lowercase hex SHA-256 of plain.
func Digest(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether presented hashes to expectedDigest. It returns
// false without hashing when either argument is empty.
func Verify(presented, expectedDigest string) bool {
	if presented == "" || expectedDigest == "" {
		return false
	}
	got := Digest(presented)
	return subtle.ConstantTimeCompare([]byte(got), []byte(expectedDigest)) == 1
}

// Normalize trims surrounding whitespace from a header value.
func Normalize(header string) string {
	return strings.TrimSpace(header)
}
