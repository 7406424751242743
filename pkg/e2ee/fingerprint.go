package e2ee

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// FingerprintBytes is the digest length shown to users.
const FingerprintBytes = 20

// Fingerprint digests public key material into upper-case hex in groups of
// four characters, e.g. "3F2A 91C0 ...", so it can be compared aloud.
func Fingerprint(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	sum := h.Sum(nil)[:FingerprintBytes]
	return GroupHex(sum)
}

func GroupHex(b []byte) string {
	s := strings.ToUpper(hex.EncodeToString(b))
	var sb strings.Builder
	for i := 0; i < len(s); i += 4 {
		if i > 0 {
			sb.WriteByte(' ')
		}
		end := i + 4
		if end > len(s) {
			end = len(s)
		}
		sb.WriteString(s[i:end])
	}
	return sb.String()
}
