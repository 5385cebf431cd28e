// Package canonicalize produces RFC 8785 (JSON Canonicalization Scheme)
// output used throughout the bus for content-addressable hashing: policy
// decisions, audit records, and merkle leaves all hash their canonical form
// rather than whatever byte order json.Marshal happened to produce.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshaled with the standard encoder (so struct tags are
// respected), then transformed into canonical form: map keys sorted by UTF-8
// byte order, no HTML escaping, numbers normalized per RFC 8785 §3.2.2.3.
func JCS(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: transform: %w", err)
	}
	return canonical, nil
}

// JCSString is JCS, returning the canonical form as a string.
func JCSString(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// HashBytes returns the SHA-256 hex digest of data.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// CanonicalHash returns the SHA-256 hex digest of v's canonical JSON form.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// Fingerprint128 returns a 128-bit (32 hex char) prefix of v's canonical hash,
// used as the stable input-fingerprint component of authorization cache keys.
func Fingerprint128(v interface{}) (string, error) {
	full, err := CanonicalHash(v)
	if err != nil {
		return "", err
	}
	return full[:32], nil
}

// NormalizeID returns s in Unicode NFC form. Identifiers (agent, tenant,
// policy, role IDs) are normalized before entering composite keys or
// hashes, so two visually identical strings with different code-point
// sequences cannot name distinct registry entries or cache slots.
func NormalizeID(s string) string {
	return norm.NFC.String(s)
}
