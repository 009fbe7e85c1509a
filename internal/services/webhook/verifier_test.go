package webhook

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"nordapi-gateway/internal/config"
	"nordapi-gateway/internal/services/nonce"
	"nordapi-gateway/internal/services/signature"
	pkgerrors "nordapi-gateway/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "dev_secret"

func testConfig() config.WebhookConfig {
	return config.WebhookConfig{
		Secret:               testSecret,
		TimestampSkew:        5 * time.Minute,
		NonceTTL:             10 * time.Minute,
		TimestampHeader:      "X-Timestamp",
		TimestampHeaderAlias: "X-Nordapi-Timestamp",
		SignatureHeader:      "X-Signature",
		SignatureHeaderAlias: "X-Nordapi-Signature",
		NonceHeader:          "X-Nonce",
		NonceHeaderAlias:     "X-Nordapi-Nonce",
	}
}

func newTestVerifier(t *testing.T, cfg config.WebhookConfig) *Verifier {
	t.Helper()
	return NewVerifier(cfg, nonce.NewMemoryStore(), zap.NewNop())
}

func signedHeaders(timestamp, nonceValue string, body []byte) http.Header {
	message := fmt.Sprintf("%s\n%s\n%s", timestamp, nonceValue, body)
	digest := signature.Sign(testSecret, []byte(message))

	headers := http.Header{}
	headers.Set("X-Timestamp", timestamp)
	headers.Set("X-Signature", signature.EncodeBase64(digest))
	if nonceValue != "" {
		headers.Set("X-Nonce", nonceValue)
	}
	return headers
}

func TestVerify_DocumentedExample(t *testing.T) {
	// secret "dev_secret", timestamp "1700000000", nonce "abc123",
	// body "{amount:100}" -> base64 HMAC must match X-Signature.
	v := newTestVerifier(t, testConfig())
	body := []byte("{amount:100}")
	now := time.Unix(1700000000, 0).Add(30 * time.Second)

	headers := http.Header{}
	headers.Set("X-Timestamp", "1700000000")
	headers.Set("X-Nonce", "abc123")
	headers.Set("X-Signature", "OcBp1aGKOJ+tJxiPsTSxQaQ/B59rg5B32RhR2ZSTvFQ=")

	verdict, err := v.Verify(context.Background(), body, headers, now)
	require.NoError(t, err)
	assert.True(t, verdict.Success)
}

func TestVerify_MissingHeaders(t *testing.T) {
	v := newTestVerifier(t, testConfig())
	now := time.Now()
	body := []byte(`{"event":"payment.settled"}`)

	t.Run("no headers at all", func(t *testing.T) {
		verdict, err := v.Verify(context.Background(), body, http.Header{}, now)
		require.NoError(t, err)
		assert.Equal(t, ReasonMissingHeaders, verdict.Reason)
	})

	t.Run("signature without timestamp", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("X-Signature", "sig")
		verdict, err := v.Verify(context.Background(), body, headers, now)
		require.NoError(t, err)
		assert.Equal(t, ReasonMissingHeaders, verdict.Reason)
	})

	t.Run("timestamp without signature", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("X-Timestamp", "1700000000")
		verdict, err := v.Verify(context.Background(), body, headers, now)
		require.NoError(t, err)
		assert.Equal(t, ReasonMissingHeaders, verdict.Reason)
	})
}

func TestVerify_AliasHeadersAccepted(t *testing.T) {
	v := newTestVerifier(t, testConfig())
	body := []byte(`{"event":"payment.settled"}`)
	now := time.Now()
	ts := fmt.Sprintf("%d", now.Unix())

	primary := signedHeaders(ts, "n-1", body)
	headers := http.Header{}
	headers.Set("X-Nordapi-Timestamp", primary.Get("X-Timestamp"))
	headers.Set("X-Nordapi-Signature", primary.Get("X-Signature"))
	headers.Set("X-Nordapi-Nonce", primary.Get("X-Nonce"))

	verdict, err := v.Verify(context.Background(), body, headers, now)
	require.NoError(t, err)
	assert.True(t, verdict.Success)
}

func TestVerify_BadTimestamp(t *testing.T) {
	v := newTestVerifier(t, testConfig())
	body := []byte(`{}`)
	now := time.Now()

	for _, value := range []string{"not-a-time", "12h30m", "17000x0000"} {
		headers := http.Header{}
		headers.Set("X-Timestamp", value)
		headers.Set("X-Signature", "sig")
		verdict, err := v.Verify(context.Background(), body, headers, now)
		require.NoError(t, err)
		assert.Equal(t, ReasonBadTimestamp, verdict.Reason, value)
	}
}

func TestVerify_TimestampFormats(t *testing.T) {
	v := newTestVerifier(t, testConfig())
	body := []byte(`{"event":"payment.settled"}`)
	now := time.Unix(1700000000, 0)

	tests := []struct {
		name  string
		value string
	}{
		{"unix seconds", "1700000000"},
		{"unix milliseconds", "1700000000123"},
		{"RFC 3339", now.UTC().Format(time.RFC3339)},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := signedHeaders(tt.value, fmt.Sprintf("n-%d", i), body)
			verdict, err := v.Verify(context.Background(), body, headers, now)
			require.NoError(t, err)
			assert.True(t, verdict.Success, "reason: %s", verdict.Reason)
		})
	}
}

func TestVerify_TimestampSkew(t *testing.T) {
	body := []byte(`{"event":"payment.settled"}`)
	now := time.Unix(1700000000, 0)
	stale := fmt.Sprintf("%d", now.Add(-6*time.Minute).Unix())

	t.Run("stale rejected", func(t *testing.T) {
		v := newTestVerifier(t, testConfig())
		verdict, err := v.Verify(context.Background(), body, signedHeaders(stale, "n-1", body), now)
		require.NoError(t, err)
		assert.Equal(t, ReasonTimestampSkew, verdict.Reason)
	})

	t.Run("future timestamps equally rejected", func(t *testing.T) {
		v := newTestVerifier(t, testConfig())
		future := fmt.Sprintf("%d", now.Add(6*time.Minute).Unix())
		verdict, err := v.Verify(context.Background(), body, signedHeaders(future, "n-2", body), now)
		require.NoError(t, err)
		assert.Equal(t, ReasonTimestampSkew, verdict.Reason)
	})

	t.Run("relax flag accepts stale", func(t *testing.T) {
		cfg := testConfig()
		cfg.AllowOldTimestamps = true
		v := newTestVerifier(t, cfg)
		verdict, err := v.Verify(context.Background(), body, signedHeaders(stale, "n-3", body), now)
		require.NoError(t, err)
		assert.True(t, verdict.Success)
	})
}

func TestVerify_NoncePolicy(t *testing.T) {
	body := []byte(`{"event":"payment.settled"}`)
	now := time.Now()
	ts := fmt.Sprintf("%d", now.Unix())

	t.Run("required and absent", func(t *testing.T) {
		cfg := testConfig()
		cfg.RequireNonce = true
		v := newTestVerifier(t, cfg)
		verdict, err := v.Verify(context.Background(), body, signedHeaders(ts, "", body), now)
		require.NoError(t, err)
		assert.Equal(t, ReasonMissingNonce, verdict.Reason)
	})

	t.Run("required and blank", func(t *testing.T) {
		cfg := testConfig()
		cfg.RequireNonce = true
		v := newTestVerifier(t, cfg)
		headers := signedHeaders(ts, "", body)
		headers.Set("X-Nonce", "   ")
		verdict, err := v.Verify(context.Background(), body, headers, now)
		require.NoError(t, err)
		assert.Equal(t, ReasonMissingNonce, verdict.Reason)
	})

	t.Run("optional and absent", func(t *testing.T) {
		v := newTestVerifier(t, testConfig())
		verdict, err := v.Verify(context.Background(), body, signedHeaders(ts, "", body), now)
		require.NoError(t, err)
		assert.True(t, verdict.Success)
	})
}

func TestVerify_ReplayDetected(t *testing.T) {
	v := newTestVerifier(t, testConfig())
	body := []byte(`{"event":"payment.settled"}`)
	now := time.Now()
	headers := signedHeaders(fmt.Sprintf("%d", now.Unix()), "once-only", body)

	verdict, err := v.Verify(context.Background(), body, headers, now)
	require.NoError(t, err)
	require.True(t, verdict.Success)

	verdict, err = v.Verify(context.Background(), body, headers, now)
	require.NoError(t, err)
	assert.Equal(t, ReasonReplayDetected, verdict.Reason)
}

func TestVerify_ReplayAfterTTLAccepted(t *testing.T) {
	cfg := testConfig()
	cfg.TimestampSkew = 50 * time.Millisecond
	cfg.NonceTTL = 50 * time.Millisecond
	cfg.AllowOldTimestamps = true
	v := newTestVerifier(t, cfg)

	body := []byte(`{"event":"payment.settled"}`)
	now := time.Now()
	headers := signedHeaders(fmt.Sprintf("%d", now.Unix()), "short-lived", body)

	verdict, err := v.Verify(context.Background(), body, headers, now)
	require.NoError(t, err)
	require.True(t, verdict.Success)

	time.Sleep(100 * time.Millisecond)

	verdict, err = v.Verify(context.Background(), body, headers, time.Now())
	require.NoError(t, err)
	assert.True(t, verdict.Success, "nonce must be reusable once its TTL expires")
}

func TestVerify_BadSignature(t *testing.T) {
	v := newTestVerifier(t, testConfig())
	body := []byte(`{"event":"payment.settled","amount":100}`)
	now := time.Now()
	ts := fmt.Sprintf("%d", now.Unix())

	t.Run("tampered body", func(t *testing.T) {
		headers := signedHeaders(ts, "n-1", body)
		tampered := []byte(`{"event":"payment.settled","amount":101}`)
		verdict, err := v.Verify(context.Background(), tampered, headers, now)
		require.NoError(t, err)
		assert.Equal(t, ReasonBadSignature, verdict.Reason)
	})

	t.Run("tampered timestamp header", func(t *testing.T) {
		headers := signedHeaders(ts, "n-2", body)
		headers.Set("X-Timestamp", fmt.Sprintf("%d", now.Unix()+1))
		verdict, err := v.Verify(context.Background(), body, headers, now)
		require.NoError(t, err)
		assert.Equal(t, ReasonBadSignature, verdict.Reason)
	})

	t.Run("tampered nonce", func(t *testing.T) {
		headers := signedHeaders(ts, "n-3", body)
		headers.Set("X-Nonce", "n-3-evil")
		verdict, err := v.Verify(context.Background(), body, headers, now)
		require.NoError(t, err)
		assert.Equal(t, ReasonBadSignature, verdict.Reason)
	})

	t.Run("garbage signature", func(t *testing.T) {
		headers := signedHeaders(ts, "n-4", body)
		headers.Set("X-Signature", "definitely-wrong")
		verdict, err := v.Verify(context.Background(), body, headers, now)
		require.NoError(t, err)
		assert.Equal(t, ReasonBadSignature, verdict.Reason)
	})
}

func TestVerify_HexEncodedSignaturesAccepted(t *testing.T) {
	body := []byte(`{"event":"payment.settled"}`)
	now := time.Now()
	ts := fmt.Sprintf("%d", now.Unix())

	message := fmt.Sprintf("%s\n%s\n%s", ts, "hex-nonce", body)
	digest := signature.Sign(testSecret, []byte(message))

	for name, encoded := range map[string]string{
		"lowercase hex": fmt.Sprintf("%x", digest),
		"uppercase hex": fmt.Sprintf("%X", digest),
	} {
		headers := http.Header{}
		headers.Set("X-Timestamp", ts)
		headers.Set("X-Signature", encoded)
		headers.Set("X-Nonce", "hex-nonce")

		// Fresh verifier per encoding so the nonce is unused.
		verdict, err := newTestVerifier(t, testConfig()).Verify(context.Background(), body, headers, now)
		require.NoError(t, err)
		assert.True(t, verdict.Success, name)
	}
}

// failingStore simulates an unreachable shared nonce store.
type failingStore struct{}

func (failingStore) TryRemember(ctx context.Context, n string, expiresAt time.Time) (bool, error) {
	return false, pkgerrors.NewAPIError(pkgerrors.CategoryUnavailable, "nonce store unavailable", "redis error")
}

func (failingStore) Close() error { return nil }

func TestVerify_StoreFailureIsNotAVerdict(t *testing.T) {
	v := NewVerifier(testConfig(), failingStore{}, zap.NewNop())
	body := []byte(`{"event":"payment.settled"}`)
	now := time.Now()
	headers := signedHeaders(fmt.Sprintf("%d", now.Unix()), "n-1", body)

	verdict, err := v.Verify(context.Background(), body, headers, now)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CategoryUnavailable, pkgerrors.GetCategory(err))
	assert.False(t, verdict.Success)
	assert.Empty(t, verdict.Reason)
}

func TestVerify_NonceConsumedBeforeSignatureCheck(t *testing.T) {
	// Accepted policy: a well-formed delivery with a bad signature still
	// consumes its nonce.
	v := newTestVerifier(t, testConfig())
	body := []byte(`{"event":"payment.settled"}`)
	now := time.Now()
	ts := fmt.Sprintf("%d", now.Unix())

	forged := http.Header{}
	forged.Set("X-Timestamp", ts)
	forged.Set("X-Nonce", "burned")
	forged.Set("X-Signature", "forged-signature")

	verdict, err := v.Verify(context.Background(), body, forged, now)
	require.NoError(t, err)
	require.Equal(t, ReasonBadSignature, verdict.Reason)

	legit := signedHeaders(ts, "burned", body)
	verdict, err = v.Verify(context.Background(), body, legit, now)
	require.NoError(t, err)
	assert.Equal(t, ReasonReplayDetected, verdict.Reason)
}
