// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and SHA-256 content hashing.
//
// Every hash the engine persists (receipt chain links, approval signatures,
// policy-cache fingerprints) goes through this package so that two
// serializations of the same value can never diverge.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON form of v.
//
// v is first marshaled with encoding/json (so struct tags are respected),
// then transformed: keys sorted by UTF-8 code points, no HTML escaping,
// shortest round-trip number formatting.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	canonical, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return canonical, nil
}

// HashBytes returns the "sha256:"-prefixed hex digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// CanonicalHash returns the "sha256:"-prefixed digest of the canonical JSON
// form of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}
