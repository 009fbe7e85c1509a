// Package provider implements the outbound half of the NordAPI integration:
// request signing, admission control and a retrying, error-classifying
// sender around an HTTP transport.
package provider

import (
	"fmt"
	"net/http"
	"time"

	"nordapi-gateway/internal/config"
	"nordapi-gateway/internal/services/signature"

	"github.com/google/uuid"
)

const (
	apiKeyHeader         = "X-Api-Key"
	timestampHeader      = "X-Timestamp"
	signatureHeader      = "X-Signature"
	idempotencyKeyHeader = "Idempotency-Key"
)

// Signer derives the authentication headers NordAPI requires on outbound
// requests. The signed message is deterministic in (timestamp, method, path,
// body), so a retried attempt re-signs with a fresh timestamp but identical
// content.
type Signer struct {
	apiKey string
	secret string
}

func NewSigner(cfg config.SigningConfig) *Signer {
	return &Signer{
		apiKey: cfg.APIKey,
		secret: cfg.APISecret,
	}
}

// SignRequest attaches X-Api-Key, X-Timestamp and X-Signature to req. body
// must be the exact bytes the request will carry.
func (s *Signer) SignRequest(req *http.Request, body []byte, now time.Time) {
	timestamp := fmt.Sprintf("%d", now.Unix())
	digest := signature.Sign(s.secret, canonicalRequest(timestamp, req.Method, req.URL.Path, body))

	req.Header.Set(apiKeyHeader, s.apiKey)
	req.Header.Set(timestampHeader, timestamp)
	req.Header.Set(signatureHeader, signature.EncodeBase64(digest))
}

// canonicalRequest mirrors the webhook canonical message for egress:
// timestamp, method, path and raw body joined by newlines, body verbatim.
func canonicalRequest(timestamp, method, path string, body []byte) []byte {
	message := make([]byte, 0, len(timestamp)+len(method)+len(path)+len(body)+3)
	message = append(message, timestamp...)
	message = append(message, '\n')
	message = append(message, method...)
	message = append(message, '\n')
	message = append(message, path...)
	message = append(message, '\n')
	message = append(message, body...)
	return message
}

// EnsureIdempotencyKey returns key, or a freshly generated one when key is
// empty. The sender calls this once per logical operation so that all retry
// attempts of one create carry the same token and the provider can
// deduplicate them.
func EnsureIdempotencyKey(key string) string {
	if key != "" {
		return key
	}
	return uuid.New().String()
}
