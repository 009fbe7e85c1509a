package provider

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"nordapi-gateway/internal/config"
	"nordapi-gateway/internal/repository/audit"
	"nordapi-gateway/internal/services/metrics"
	"nordapi-gateway/pkg/errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Doer is the transport the sender runs on. The gateway never manages TLS
// itself; whatever client is handed in here carries the transport config.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// AuditRecorder logs per-attempt delivery outcomes (to avoid a hard
// dependency on the Postgres repository in tests).
type AuditRecorder interface {
	StoreDeliveryAttempt(ctx context.Context, log *audit.DeliveryAttemptLog) error
}

// maxResponseBody caps how much of a provider response is read; NordAPI
// payloads are small and an unbounded read would let a broken proxy exhaust
// memory.
const maxResponseBody = 1 << 20

// Sender is the resilient outbound pipeline: it signs requests, paces them
// through the rate limiter, classifies responses into the typed error
// taxonomy and retries transient failures with jittered exponential backoff.
type Sender struct {
	transport Doer
	signer    *Signer
	limiter   *RateLimiter
	breaker   *Breaker
	baseURL   string
	retryCfg  config.RetryConfig
	auditRepo AuditRecorder
	metrics   *metrics.Service
	logger    *zap.Logger
}

// NewSender creates a sender. transport may be nil, in which case a plain
// http.Client with the configured timeout is used. auditRepo and m may be
// nil to disable auditing and metrics.
func NewSender(
	signCfg config.SigningConfig,
	retryCfg config.RetryConfig,
	transport Doer,
	limiter *RateLimiter,
	breaker *Breaker,
	auditRepo AuditRecorder,
	m *metrics.Service,
	logger *zap.Logger,
) *Sender {
	if transport == nil {
		transport = &http.Client{Timeout: retryCfg.HTTPTimeout}
	}
	return &Sender{
		transport: transport,
		signer:    NewSigner(signCfg),
		limiter:   limiter,
		breaker:   breaker,
		baseURL:   strings.TrimSuffix(signCfg.BaseURL, "/"),
		retryCfg:  retryCfg,
		auditRepo: auditRepo,
		metrics:   m,
		logger:    logger,
	}
}

// Send performs one logical API call and returns the raw response body.
// POST calls get an idempotency key generated once here, so every retry
// attempt of the same logical create carries the same token and the
// provider can deduplicate. A caller-initiated cancellation propagates
// immediately and is never retried.
func (s *Sender) Send(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	requestID := uuid.New().String()
	idempotencyKey := ""
	if method == http.MethodPost {
		idempotencyKey = EnsureIdempotencyKey("")
	}

	started := time.Now()
	var lastErr error
	attempt := 0

	for attempt < s.retryCfg.MaxAttempts {
		attempt++

		respBody, err := s.attempt(ctx, method, path, body, idempotencyKey)
		s.logAttempt(requestID, method, path, attempt, err)

		if err == nil {
			s.metrics.RecordOutboundRequest("success", time.Since(started))
			return respBody, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, err
		}

		if stderrors.Is(err, ErrCircuitOpen) {
			s.metrics.RecordOutboundRequest(string(errors.CategoryTransient), time.Since(started))
			return nil, err
		}

		if !errors.IsRetryable(err) {
			s.metrics.RecordOutboundRequest(string(errors.GetCategory(err)), time.Since(started))
			return nil, err
		}

		if attempt >= s.retryCfg.MaxAttempts {
			break
		}

		delay := s.backoff(attempt)
		s.logger.Info("provider call failed, retrying",
			zap.String("request_id", requestID),
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		s.metrics.RecordOutboundRetry()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	s.metrics.RecordOutboundRequest(string(errors.CategoryTransient), time.Since(started))
	return nil, errors.WrapAPIError(lastErr, errors.CategoryTransient,
		"provider call failed after retries",
		fmt.Sprintf("failed after %d attempts", attempt))
}

// SendJSON marshals payload, performs the call and unmarshals the response
// into out. An empty 2xx body leaves out at its zero value; out may be nil
// for endpoints whose response is opaque or irrelevant.
func (s *Sender) SendJSON(ctx context.Context, method, path string, payload, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return errors.WrapAPIError(err, errors.CategoryUnexpected, "payload serialization failed", "json marshal error")
		}
	}

	respBody, err := s.Send(ctx, method, path, body)
	if err != nil {
		return err
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return errors.WrapAPIError(err, errors.CategoryUnexpected, "response decoding failed", "json unmarshal error")
	}
	return nil
}

// attempt performs a single signed, rate-limited round trip.
func (s *Sender) attempt(ctx context.Context, method, path string, body []byte, idempotencyKey string) ([]byte, error) {
	if err := s.breaker.allow(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, errors.WrapAPIError(err, errors.CategoryUnexpected, "request construction failed", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set(idempotencyKeyHeader, idempotencyKey)
	}
	s.signer.SignRequest(req, body, time.Now())

	release, err := s.limiter.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	resp, err := s.transport.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		wrapped := errors.WrapAPIError(err, errors.CategoryTransient, "provider unreachable", "transport error")
		s.breaker.observe(wrapped)
		return nil, wrapped
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		wrapped := errors.WrapAPIError(err, errors.CategoryTransient, "provider response truncated", "body read error")
		s.breaker.observe(wrapped)
		return nil, wrapped
	}

	classified := Classify(resp.StatusCode, respBody)
	s.breaker.observe(classified)
	if classified != nil {
		return nil, classified
	}
	return respBody, nil
}

// providerErrorBody is the error envelope NordAPI returns on 4xx responses.
type providerErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Classify maps a provider response to the typed error taxonomy. It is a
// pure function of (status, body) so the retry decision is testable without
// provoking real failures. A nil return means success (2xx).
func Classify(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.NewAPIError(errors.CategoryAuth, "provider rejected credentials", truncate(body)).
			WithStatus(status)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		apiErr := errors.NewAPIError(errors.CategoryValidation, "provider rejected request", truncate(body)).
			WithStatus(status)
		var provider providerErrorBody
		if json.Unmarshal(body, &provider) == nil && provider.Code != "" {
			apiErr.WithProviderCode(provider.Code)
			if provider.Message != "" {
				apiErr.Details = provider.Message
			}
		}
		return apiErr
	case status == http.StatusConflict:
		return errors.NewAPIError(errors.CategoryConflict, "duplicate operation", truncate(body)).
			WithStatus(status)
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status == http.StatusInternalServerError,
		status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return errors.NewAPIError(errors.CategoryTransient, "provider temporarily failing", truncate(body)).
			WithStatus(status)
	default:
		return errors.NewAPIError(errors.CategoryUnexpected,
			fmt.Sprintf("unexpected provider status %d", status), truncate(body)).
			WithStatus(status)
	}
}

// backoff grows exponentially from the base delay with up to 50% random
// jitter so synchronized clients do not retry in lockstep.
func (s *Sender) backoff(attempt int) time.Duration {
	delay := s.retryCfg.BackoffBase << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay + jitter
}

func (s *Sender) logAttempt(requestID, method, path string, attempt int, attemptErr error) {
	if s.auditRepo == nil {
		return
	}

	status := "success"
	errValue := sql.NullString{}
	statusCode := 0
	if attemptErr != nil {
		status = "failed"
		errValue = sql.NullString{String: attemptErr.Error(), Valid: true}
		var apiErr *errors.APIError
		if stderrors.As(attemptErr, &apiErr) {
			statusCode = apiErr.HTTPStatus
		}
	}

	logCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.auditRepo.StoreDeliveryAttempt(logCtx, &audit.DeliveryAttemptLog{
		RequestID:  requestID,
		Method:     method,
		Path:       path,
		AttemptNo:  attempt,
		StatusCode: statusCode,
		Status:     status,
		Error:      errValue,
	})
}

func truncate(body []byte) string {
	const max = 256
	trimmed := strings.TrimSpace(string(body))
	if len(trimmed) > max {
		return trimmed[:max]
	}
	return trimmed
}
