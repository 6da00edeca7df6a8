// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing of pipeline inputs and decisions.
//
// Every hash recorded in the audit log is computed over JCS bytes, so a
// replayed case produces byte-identical digests.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
// v is first marshaled with encoding/json (respecting struct tags), then
// transformed to canonical form: sorted keys, no HTML escaping, ES6 number
// formatting.
func JCS(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return canonical, nil
}

// Hash returns the SHA-256 hex digest of the canonical form of v.
func Hash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 digest of raw bytes as a hex string.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Digest is like Hash but prefixed with the algorithm, matching the
// "sha256:<hex>" convention used throughout the audit chain.
func Digest(v interface{}) (string, error) {
	h, err := Hash(v)
	if err != nil {
		return "", err
	}
	return "sha256:" + h, nil
}
