package simplemedia

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashAlgorithm names the digest stored in Media.Hash.
const HashAlgorithm = "sha256"

// ComputeHash returns the hex SHA-256 digest of data.
func ComputeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DedupKey returns the unique registry key for a digest under the given scope.
func DedupKey(scope DedupScope, owner string, hash string) string {
	if scope == DedupScopeOwner {
		return owner + ":" + hash
	}
	return hash
}
