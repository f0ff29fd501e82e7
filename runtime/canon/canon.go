// Package canon produces canonical JSON encodings and content hashes. The
// workflow digest, the judgment cache key and the learning exemplar hash all
// depend on byte-stable encodings of structured values, so they share this
// single implementation.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// JSON returns the canonical JSON encoding of v: object keys sorted, no
// insignificant whitespace. Values are round-tripped through generic JSON so
// struct field order and map iteration order never influence the bytes.
func JSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// Hash returns the hex-encoded SHA-256 of the canonical JSON encoding of v.
func Hash(v any) (string, error) {
	b, err := JSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// HashParts returns the hex-encoded SHA-256 over the concatenation of parts,
// each terminated by a NUL separator so part boundaries are unambiguous.
func HashParts(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
