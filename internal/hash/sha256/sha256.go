// Package sha256 computes content digests for collated outputs.
package sha256

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// Prefix tags digests with their algorithm.
const Prefix = "sha256:"

// Digest returns the algorithm-tagged hex digest of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return Prefix + hex.EncodeToString(sum[:])
}

// Verify reports whether digest matches data. Untagged digests are
// rejected.
func Verify(data []byte, digest string) bool {
	if !strings.HasPrefix(digest, Prefix) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(Digest(data)), []byte(digest)) == 1
}
