// Package signature computes and compares the HMAC-SHA256 digests used on
// both sides of the NordAPI integration: verifying inbound webhook signatures
// and signing outbound API requests.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// Sign computes the HMAC-SHA256 digest of message under secret.
func Sign(secret string, message []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return mac.Sum(nil)
}

// EncodeBase64 renders a digest the way NordAPI expects it on the wire.
func EncodeBase64(digest []byte) string {
	return base64.StdEncoding.EncodeToString(digest)
}

// Matches reports whether presented equals digest. The provider has emitted
// signatures as standard base64, lowercase hex and uppercase hex at different
// points in its history, so all three encodings are accepted. Every candidate
// encoding is compared in constant time and the results are OR-ed without
// short-circuiting, so timing reveals neither the digest bytes nor which
// encoding matched.
func Matches(digest []byte, presented string) bool {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return false
	}

	b64 := base64.StdEncoding.EncodeToString(digest)
	hexLower := hex.EncodeToString(digest)
	hexUpper := strings.ToUpper(hexLower)

	match := subtle.ConstantTimeCompare([]byte(presented), []byte(b64))
	match |= subtle.ConstantTimeCompare([]byte(presented), []byte(hexLower))
	match |= subtle.ConstantTimeCompare([]byte(presented), []byte(hexUpper))

	return match == 1
}
