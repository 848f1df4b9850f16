// Package canonical provides RFC 8785 (JSON Canonicalization Scheme) compliant
// serialization and SHA-256 content digests for caseledger records.
//
// The canonical form is byte-stable: two values with the same logical content
// produce identical bytes regardless of map insertion order or struct field
// ordering, so digests computed here are safe to persist and recompute later.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonicalize returns the RFC 8785 canonical JSON representation of v.
//
// Non-serializable values (cycles, NaN/Inf floats, channels, functions) are
// rejected with an error rather than truncated: a record that cannot be
// canonicalized must never be checksummed.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// Digest returns the SHA-256 hex digest of the canonical form of v.
func Digest(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return DigestBytes(b), nil
}

// DigestBytes computes the SHA-256 hex digest of raw bytes.
func DigestBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
