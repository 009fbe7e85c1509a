// Package webhook verifies inbound NordAPI callback notifications:
// signature, timestamp freshness and replay protection.
package webhook

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nordapi-gateway/internal/config"
	"nordapi-gateway/internal/services/nonce"
	"nordapi-gateway/internal/services/signature"

	"go.uber.org/zap"
)

// Reason explains why a verification failed.
type Reason string

const (
	ReasonMissingHeaders Reason = "missing-headers"
	ReasonBadTimestamp   Reason = "bad-timestamp"
	ReasonTimestampSkew  Reason = "timestamp-skew"
	ReasonMissingNonce   Reason = "missing-nonce"
	ReasonReplayDetected Reason = "replay-detected"
	ReasonBadSignature   Reason = "bad-signature"
)

// Verdict is the outcome of verifying one delivery. Failures are values, not
// errors; an error from Verify means the verification itself could not run
// (e.g. the nonce store is unreachable).
type Verdict struct {
	Success bool
	Reason  Reason
}

func accept() Verdict {
	return Verdict{Success: true}
}

func reject(reason Reason) Verdict {
	return Verdict{Reason: reason}
}

// Verifier checks webhook deliveries against the shared secret. It is
// stateless per call; the nonce store is the only shared resource.
type Verifier struct {
	cfg    config.WebhookConfig
	store  nonce.Store
	logger *zap.Logger
}

func NewVerifier(cfg config.WebhookConfig, store nonce.Store, logger *zap.Logger) *Verifier {
	return &Verifier{
		cfg:    cfg,
		store:  store,
		logger: logger,
	}
}

// Verify checks one delivery. rawBody must be the exact bytes received; the
// signature covers them verbatim, so re-serialized or normalized JSON will
// not verify.
//
// Checks run cheapest-first: header presence, timestamp validity, skew,
// nonce policy, replay, signature. The nonce is consumed before the
// signature is checked, so a forged delivery can burn a legitimate nonce.
// That trade is accepted: consuming late would let an attacker race the
// legitimate delivery between its signature check and its nonce mark.
func (v *Verifier) Verify(ctx context.Context, rawBody []byte, headers http.Header, now time.Time) (Verdict, error) {
	tsValue := v.headerValue(headers, v.cfg.TimestampHeader, v.cfg.TimestampHeaderAlias)
	sigValue := v.headerValue(headers, v.cfg.SignatureHeader, v.cfg.SignatureHeaderAlias)
	if tsValue == "" || sigValue == "" {
		return reject(ReasonMissingHeaders), nil
	}

	ts, err := parseTimestamp(tsValue)
	if err != nil {
		v.logger.Debug("unparseable webhook timestamp", zap.String("value", tsValue))
		return reject(ReasonBadTimestamp), nil
	}

	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.cfg.TimestampSkew && !v.cfg.AllowOldTimestamps {
		v.logger.Warn("webhook timestamp outside skew window",
			zap.Time("timestamp", ts),
			zap.Duration("skew", skew),
		)
		return reject(ReasonTimestampSkew), nil
	}

	nonceValue := strings.TrimSpace(v.headerValue(headers, v.cfg.NonceHeader, v.cfg.NonceHeaderAlias))
	if nonceValue == "" {
		if v.cfg.RequireNonce {
			return reject(ReasonMissingNonce), nil
		}
	} else {
		fresh, err := v.store.TryRemember(ctx, nonceValue, now.Add(v.cfg.NonceTTL))
		if err != nil {
			// Store failure is an operational problem, never a verdict.
			return Verdict{}, err
		}
		if !fresh {
			v.logger.Warn("webhook replay detected", zap.String("nonce", nonceValue))
			return reject(ReasonReplayDetected), nil
		}
	}

	message := canonicalMessage(tsValue, nonceValue, rawBody)
	digest := signature.Sign(v.cfg.Secret, message)
	if !signature.Matches(digest, sigValue) {
		v.logger.Warn("webhook signature mismatch")
		return reject(ReasonBadSignature), nil
	}

	return accept(), nil
}

func (v *Verifier) headerValue(headers http.Header, primary, alias string) string {
	if value := headers.Get(primary); value != "" {
		return value
	}
	if alias != "" {
		return headers.Get(alias)
	}
	return ""
}

// canonicalMessage builds the signed byte sequence: the timestamp header
// value, the nonce (empty when absent) and the raw body verbatim, joined by
// newlines. The body is never normalized; both sides of the integration sign
// the exact wire bytes.
func canonicalMessage(timestamp, nonceValue string, rawBody []byte) []byte {
	message := make([]byte, 0, len(timestamp)+len(nonceValue)+len(rawBody)+2)
	message = append(message, timestamp...)
	message = append(message, '\n')
	message = append(message, nonceValue...)
	message = append(message, '\n')
	message = append(message, rawBody...)
	return message
}

// parseTimestamp accepts unix seconds, unix milliseconds (13+ digits) or an
// RFC 3339 date-time, matching the formats the provider has sent over time.
func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)

	if isDigits(value) {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		if len(value) >= 13 {
			return time.UnixMilli(n), nil
		}
		return time.Unix(n, 0), nil
	}

	return time.Parse(time.RFC3339, value)
}

func isDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
