package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintDeterminism(t *testing.T) {
	obj := Object{"text": String("hello"), "status": String("draft")}

	fp1, err := Fingerprint("test/v1", obj)
	require.NoError(t, err)
	fp2, err := Fingerprint("test/v1", obj)
	require.NoError(t, err)

	assert.Equal(t, fp1, fp2, "Fingerprint must be deterministic")
	assert.Len(t, fp1, 64, "SHA-256 hex is 64 characters")
}

func TestFingerprintIgnoresInsertionOrder(t *testing.T) {
	a := Object{}
	a["text"] = String("hello")
	a["status"] = String("draft")
	a["tags"] = Strings([]string{"x"})

	b := Object{}
	b["tags"] = Strings([]string{"x"})
	b["status"] = String("draft")
	b["text"] = String("hello")

	assert.Equal(t, MustFingerprint("test/v1", a), MustFingerprint("test/v1", b))
}

func TestFingerprintDomainSeparation(t *testing.T) {
	obj := Object{"text": String("hello")}
	assert.NotEqual(t, MustFingerprint("a/v1", obj), MustFingerprint("a/v2", obj))
}

func TestFingerprintNullDiffersFromEmpty(t *testing.T) {
	withNull := Object{"image_url": Null{}}
	withEmpty := Object{"image_url": String("")}
	assert.NotEqual(t, MustFingerprint("test/v1", withNull), MustFingerprint("test/v1", withEmpty))
}

func TestFingerprintNilValueIsNull(t *testing.T) {
	assert.Equal(t,
		MustFingerprint("test/v1", Object{"image_url": Null{}}),
		MustFingerprint("test/v1", Object{"image_url": nil}),
	)
}
