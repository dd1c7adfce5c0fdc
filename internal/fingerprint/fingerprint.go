// Package fingerprint computes stable content hashes for downstream-bound
// payloads. The hash of the last pushed payload is stored on the mirror row;
// an unchanged hash means the downstream write can be skipped entirely.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Hash returns the SHA-256 hex digest of the canonical JSON encoding of v.
//
// encoding/json writes map keys in sorted order, so the digest is independent
// of insertion order, including inside nested objects. Two payloads that are
// semantically identical after key sorting hash identically across process
// restarts.
//
// A non-serializable value is a caller bug, not a runtime condition.
func Hash(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("fingerprint: value is not JSON-serializable: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
