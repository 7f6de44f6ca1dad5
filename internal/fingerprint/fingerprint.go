// Package fingerprint computes the stable content fingerprints used for
// exact-match deduplication: SHA-256 hashes of normalized text and URLs,
// and Hamming distance / binary-vector encoding over 64-hex PDQ hashes.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/bits"
	"net/url"
	"strings"
)

// ErrInvalidFingerprint is returned when an input is not a well-formed
// 64-hex PDQ hash.
var ErrInvalidFingerprint = fmt.Errorf("fingerprint: invalid fingerprint")

// PDQHexLen is the length of a PDQ hash in hex characters (256 bits).
const PDQHexLen = 64

// HashText returns the lowercase hex SHA-256 of the UTF-8 bytes of s.
func HashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashURL normalizes a URL by parsing and reserializing it, then hashes the
// result with HashText. URLs without a scheme default to https. A leading
// "www." is kept as-is so that submissions naming the host differently hash
// differently, matching the exact-lookup semantics of HashText.
func HashURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("fingerprint: empty url")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("fingerprint: parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("fingerprint: url has no host")
	}
	return HashText(u.String()), nil
}

// HammingDistance returns the number of differing bits between two 64-hex
// PDQ hashes, in the range 0..256. Both inputs must be exactly 64 hex
// characters; otherwise ErrInvalidFingerprint is returned.
func HammingDistance(a, b string) (int, error) {
	ab, err := decodePDQ(a)
	if err != nil {
		return 0, err
	}
	bb, err := decodePDQ(b)
	if err != nil {
		return 0, err
	}
	dist := 0
	for i := range ab {
		dist += bits.OnesCount8(ab[i] ^ bb[i])
	}
	return dist, nil
}

// PDQToVector expands a 64-hex PDQ hash into a 256-element binary vector.
// Each hex digit contributes four elements, most significant bit first.
// The vector feeds Euclidean-distance search, which approximates but does
// not equal Hamming distance; callers re-verify with HammingDistance.
func PDQToVector(h string) ([]float32, error) {
	raw, err := decodePDQ(h)
	if err != nil {
		return nil, err
	}
	vec := make([]float32, 0, PDQHexLen*4)
	for _, b := range raw {
		for bit := 7; bit >= 0; bit-- {
			vec = append(vec, float32((b>>uint(bit))&1))
		}
	}
	return vec, nil
}

func decodePDQ(h string) ([]byte, error) {
	if len(h) != PDQHexLen {
		return nil, fmt.Errorf("%w: length %d, want %d", ErrInvalidFingerprint, len(h), PDQHexLen)
	}
	raw, err := hex.DecodeString(h)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFingerprint, err)
	}
	return raw, nil
}
