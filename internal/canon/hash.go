package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint returns the hex SHA-256 digest of obj's canonical JSON under
// the given domain. Domains carry a version suffix (e.g. "postpulse/post/v1")
// so the watched field set can change without colliding with old digests.
func Fingerprint(domain string, obj Object) (string, error) {
	data, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", domain, err)
	}
	return hashWithDomain(domain, data), nil
}

// MustFingerprint is like Fingerprint but panics on error.
// Use only when obj is built from non-float values.
func MustFingerprint(domain string, obj Object) string {
	fp, err := Fingerprint(domain, obj)
	if err != nil {
		panic(err)
	}
	return fp
}
