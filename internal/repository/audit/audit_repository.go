package audit

import (
	"context"
	"database/sql"
	"time"

	"nordapi-gateway/pkg/errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WebhookVerificationLog is one row of the inbound verification audit trail.
type WebhookVerificationLog struct {
	RequestID string
	SourceIP  string
	Outcome   string // "success" or the rejection reason
	BodySize  int
	CreatedAt time.Time
}

// DeliveryAttemptLog is one row of the outbound delivery audit trail.
type DeliveryAttemptLog struct {
	RequestID  string
	Method     string
	Path       string
	AttemptNo  int
	StatusCode int
	Status     string // "success" or "failed"
	Error      sql.NullString
	CreatedAt  time.Time
}

// DBClient interface for database operations
type DBClient interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Repository stores audit rows. Writes are best-effort; callers treat
// failures as log-and-continue.
type Repository struct {
	db     DBClient
	logger *zap.Logger
}

func NewRepository(db DBClient, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// StoreWebhookVerification stores one verification outcome.
// created_at is set by the database (DEFAULT now()).
func (r *Repository) StoreWebhookVerification(ctx context.Context, log *WebhookVerificationLog) error {
	if log.RequestID == "" {
		log.RequestID = uuid.New().String()
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	query := `INSERT INTO audit.webhook_verifications (
		request_id, source_ip, outcome, body_size
	) VALUES ($1, $2, $3, $4)`

	_, err := r.db.ExecContext(ctx, query,
		log.RequestID,
		log.SourceIP,
		log.Outcome,
		log.BodySize,
	)

	if err != nil {
		r.logger.Error("failed to store webhook verification log", zap.Error(err))
		return errors.WrapAPIError(err, errors.CategoryUnavailable, "audit log storage failed", "database error")
	}

	return nil
}

// StoreDeliveryAttempt stores one outbound attempt outcome.
func (r *Repository) StoreDeliveryAttempt(ctx context.Context, log *DeliveryAttemptLog) error {
	if log.RequestID == "" {
		log.RequestID = uuid.New().String()
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	query := `INSERT INTO audit.delivery_attempts (
		request_id, method, path, attempt_no, status_code, status, error
	) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.ExecContext(ctx, query,
		log.RequestID,
		log.Method,
		log.Path,
		log.AttemptNo,
		log.StatusCode,
		log.Status,
		log.Error,
	)

	if err != nil {
		r.logger.Error("failed to store delivery attempt log", zap.Error(err))
		return errors.WrapAPIError(err, errors.CategoryUnavailable, "audit log storage failed", "database error")
	}

	return nil
}
