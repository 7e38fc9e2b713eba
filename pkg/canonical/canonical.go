// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and hashing. The audit chain and checkpoint content
// addressing both depend on two logically equal values producing the
// same digest, so every hash in warden goes through this package.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Marshal returns the RFC 8785 canonical JSON representation of v.
// Map keys are sorted by UTF-8 bytes and number formatting is normalized.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 digest of the canonical JSON form of v,
// formatted as "sha256:<hex>".
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes hashes raw bytes without canonicalization.
func HashBytes(b []byte) string {
	h := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(h[:])
}
