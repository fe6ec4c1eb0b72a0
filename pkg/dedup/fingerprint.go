package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Fingerprint computes the stable hash of a task's semantic identity:
// kind, canonicalized payload and the capability flags that shaped the
// request. Payloads that parse as JSON are re-encoded so key order does
// not change the fingerprint. Used for dedup and caching only, never for
// security.
func Fingerprint(kind string, payload []byte, flags []string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(canonicalize(payload))
	h.Write([]byte{0})

	sorted := make([]string, len(flags))
	copy(sorted, flags)
	sort.Strings(sorted)
	for _, f := range sorted {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalize(payload []byte) []byte {
	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		return payload
	}
	// encoding/json sorts map keys on marshal
	out, err := json.Marshal(v)
	if err != nil {
		return payload
	}
	return out
}
