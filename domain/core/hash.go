package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Hash represents a cryptographic content hash
type Hash string

// NewHash creates a new hash from data
func NewHash(data []byte) Hash {
	sum := sha256.Sum256(data)
	return Hash(hex.EncodeToString(sum[:]))
}

// String returns the string representation
func (h Hash) String() string { return string(h) }

// IsEmpty checks if the hash is empty
func (h Hash) IsEmpty() bool { return h == "" }

// Fingerprint is the content address of a pipeline run: a hash over the full
// configuration plus the base seed. Two runs with equal fingerprints are
// guaranteed to produce identical trial results, so cached trials are safe to
// reuse across processes.
type Fingerprint Hash

func (f Fingerprint) String() string { return Hash(f).String() }

// ComputeFingerprint builds a deterministic fingerprint from a flat set of
// configuration fields and the base seed. Map iteration order is removed by
// sorting keys before hashing.
func ComputeFingerprint(fields map[string]string, seed int64) Fingerprint {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var data strings.Builder
	for _, k := range keys {
		data.WriteString(k)
		data.WriteString("=")
		data.WriteString(fields[k])
		data.WriteString("|")
	}
	data.WriteString(fmt.Sprintf("seed=%d", seed))

	return Fingerprint(NewHash([]byte(data.String())))
}
