package middleware

import (
	"context"
	"net"
	"net/http"
	"time"

	"nordapi-gateway/internal/repository/audit"
	"nordapi-gateway/internal/services/metrics"
	"nordapi-gateway/internal/services/webhook"
	"nordapi-gateway/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// VerifiedPayloadKey is the gin context key under which the middleware
// stores the raw verified body for downstream handlers.
const VerifiedPayloadKey = "verifiedWebhookPayload"

// Verifier checks one webhook delivery.
type Verifier interface {
	Verify(ctx context.Context, rawBody []byte, headers http.Header, now time.Time) (webhook.Verdict, error)
}

// AuditRecorder logs verification outcomes; may be nil.
type AuditRecorder interface {
	StoreWebhookVerification(ctx context.Context, log *audit.WebhookVerificationLog) error
}

// WebhookMiddleware verifies inbound provider callbacks before any handler
// sees them. The body is read raw and passed to the verifier byte-exact;
// re-serializing it would break the signature.
func WebhookMiddleware(verifier Verifier, m *metrics.Service, auditRepo AuditRecorder, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			respondRejected(c, logger, http.StatusBadRequest, "unreadable body")
			return
		}

		verdict, err := verifier.Verify(c.Request.Context(), body, c.Request.Header, time.Now())
		if err != nil {
			// Verification infrastructure failed; this is an outage,
			// not a rejection, and the provider should redeliver.
			m.RecordNonceStoreError()
			logAudit(auditRepo, c, "store-error", len(body))
			respondRejected(c, logger, errors.GetHTTPStatus(err), err.Error())
			return
		}

		outcome := "success"
		if !verdict.Success {
			outcome = string(verdict.Reason)
		}
		m.RecordWebhookVerification(outcome)
		logAudit(auditRepo, c, outcome, len(body))

		if !verdict.Success {
			if verdict.Reason == webhook.ReasonReplayDetected {
				m.RecordReplayDetected()
			}
			respondRejected(c, logger, statusForReason(verdict.Reason), outcome)
			return
		}

		c.Set(VerifiedPayloadKey, body)
		c.Next()
	}
}

// GetVerifiedPayload returns the raw body a passed verification stored, or
// nil when the middleware did not run.
func GetVerifiedPayload(c *gin.Context) []byte {
	payload, exists := c.Get(VerifiedPayloadKey)
	if !exists {
		return nil
	}

	body, ok := payload.([]byte)
	if !ok {
		return nil
	}
	return body
}

// statusForReason maps a rejection to the response status: malformed input
// is 400, everything the sender got wrong on purpose is 401.
func statusForReason(reason webhook.Reason) int {
	switch reason {
	case webhook.ReasonMissingHeaders, webhook.ReasonBadTimestamp:
		return http.StatusBadRequest
	default:
		return http.StatusUnauthorized
	}
}

func logAudit(auditRepo AuditRecorder, c *gin.Context, outcome string, bodySize int) {
	if auditRepo == nil {
		return
	}

	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		host = c.Request.RemoteAddr
	}

	logCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = auditRepo.StoreWebhookVerification(logCtx, &audit.WebhookVerificationLog{
		SourceIP: host,
		Outcome:  outcome,
		BodySize: bodySize,
	})
}

func respondRejected(c *gin.Context, logger *zap.Logger, statusCode int, reason string) {
	logger.Warn("webhook rejected",
		zap.Int("status_code", statusCode),
		zap.String("reason", reason),
	)

	// Sanitized response: rejection details stay in logs, not on the wire.
	c.JSON(statusCode, gin.H{
		"error": "webhook rejected",
	})
	c.Abort()
}
