// Package canon provides canonical JSON values and content fingerprints.
//
// Fingerprints are the basis of change detection: two records with the same
// watched field values must hash identically no matter how their field maps
// were built, and any value change must produce a different digest.
//
// Key constraints:
//   - NO float types - numbers are int64
//   - Object keys are ordered by UTF-16 code units (RFC 8785)
//   - Strings are NFC normalized before serialization
//   - canon imports nothing internal
package canon
