package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("code-review", []byte(`{"repo":"x","pr":7}`), []string{"vision"})
	b := Fingerprint("code-review", []byte(`{"repo":"x","pr":7}`), []string{"vision"})
	assert.Equal(t, a, b)
}

func TestFingerprintCanonicalizesJSON(t *testing.T) {
	a := Fingerprint("code-review", []byte(`{"repo":"x","pr":7}`), nil)
	b := Fingerprint("code-review", []byte(`{"pr":7,"repo":"x"}`), nil)
	assert.Equal(t, a, b, "JSON key order must not change the fingerprint")
}

func TestFingerprintFlagOrderIrrelevant(t *testing.T) {
	a := Fingerprint("code-review", []byte(`x`), []string{"vision", "code-context"})
	b := Fingerprint("code-review", []byte(`x`), []string{"code-context", "vision"})
	assert.Equal(t, a, b)
}

func TestFingerprintDiscriminates(t *testing.T) {
	base := Fingerprint("code-review", []byte(`{"repo":"x"}`), nil)
	assert.NotEqual(t, base, Fingerprint("summarize", []byte(`{"repo":"x"}`), nil))
	assert.NotEqual(t, base, Fingerprint("code-review", []byte(`{"repo":"y"}`), nil))
	assert.NotEqual(t, base, Fingerprint("code-review", []byte(`{"repo":"x"}`), []string{"vision"}))
}

func TestFingerprintNonJSONPayload(t *testing.T) {
	a := Fingerprint("code-review", []byte("raw text payload"), nil)
	b := Fingerprint("code-review", []byte("raw text payload"), nil)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Fingerprint("code-review", []byte("other text"), nil))
}
