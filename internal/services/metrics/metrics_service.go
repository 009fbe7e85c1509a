package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Service provides Prometheus metrics for the NordAPI gateway. All record
// methods are nil-receiver safe so components can run without metrics wired.
type Service struct {
	webhookVerificationsTotal *prometheus.CounterVec
	replaysDetectedTotal      prometheus.Counter
	nonceStoreErrorsTotal     prometheus.Counter

	outboundRequestsTotal  *prometheus.CounterVec
	outboundRetriesTotal   prometheus.Counter
	outboundDuration       prometheus.Histogram
	rateLimiterWaitSeconds prometheus.Histogram
}

// NewService registers the gateway metrics on the default registry.
func NewService() *Service {
	return &Service{
		webhookVerificationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nordapi_webhook_verifications_total",
			Help: "Webhook verification verdicts by outcome",
		}, []string{"outcome"}),
		replaysDetectedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nordapi_webhook_replays_detected_total",
			Help: "Webhook deliveries rejected as replays",
		}),
		nonceStoreErrorsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nordapi_nonce_store_errors_total",
			Help: "Nonce store infrastructure failures",
		}),
		outboundRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nordapi_outbound_requests_total",
			Help: "Outbound API call outcomes by error category (success for 2xx)",
		}, []string{"category"}),
		outboundRetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nordapi_outbound_retries_total",
			Help: "Outbound API call retry attempts",
		}),
		outboundDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "nordapi_outbound_request_duration_seconds",
			Help:    "Outbound API call duration including retries",
			Buckets: prometheus.DefBuckets,
		}),
		rateLimiterWaitSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "nordapi_rate_limiter_wait_seconds",
			Help:    "Time spent waiting for a rate limiter permit",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}),
	}
}

func (s *Service) RecordWebhookVerification(outcome string) {
	if s == nil {
		return
	}
	s.webhookVerificationsTotal.WithLabelValues(outcome).Inc()
}

func (s *Service) RecordReplayDetected() {
	if s == nil {
		return
	}
	s.replaysDetectedTotal.Inc()
}

func (s *Service) RecordNonceStoreError() {
	if s == nil {
		return
	}
	s.nonceStoreErrorsTotal.Inc()
}

func (s *Service) RecordOutboundRequest(category string, duration time.Duration) {
	if s == nil {
		return
	}
	s.outboundRequestsTotal.WithLabelValues(category).Inc()
	s.outboundDuration.Observe(duration.Seconds())
}

func (s *Service) RecordOutboundRetry() {
	if s == nil {
		return
	}
	s.outboundRetriesTotal.Inc()
}

func (s *Service) RecordRateLimiterWait(wait time.Duration) {
	if s == nil {
		return
	}
	s.rateLimiterWaitSeconds.Observe(wait.Seconds())
}
