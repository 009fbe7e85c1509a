package audit

import (
	"context"
	"database/sql"
	"testing"

	"nordapi-gateway/pkg/errors"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRepository_StoreWebhookVerification_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db, zap.NewNop())

	mock.ExpectExec(`INSERT INTO audit\.webhook_verifications`).
		WithArgs(
			sqlmock.AnyArg(), // request_id (UUID)
			"203.0.113.9",
			"replay-detected",
			42,
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = repo.StoreWebhookVerification(context.Background(), &WebhookVerificationLog{
		SourceIP: "203.0.113.9",
		Outcome:  "replay-detected",
		BodySize: 42,
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_StoreWebhookVerification_KeepsRequestID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db, zap.NewNop())

	mock.ExpectExec(`INSERT INTO audit\.webhook_verifications`).
		WithArgs("req-123", "", "success", 0).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = repo.StoreWebhookVerification(context.Background(), &WebhookVerificationLog{
		RequestID: "req-123",
		Outcome:   "success",
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_StoreDeliveryAttempt_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db, zap.NewNop())

	mock.ExpectExec(`INSERT INTO audit\.delivery_attempts`).
		WithArgs(
			"req-456",
			"POST",
			"/v1/payments",
			2,
			500,
			"failed",
			sql.NullString{String: "server error", Valid: true},
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = repo.StoreDeliveryAttempt(context.Background(), &DeliveryAttemptLog{
		RequestID:  "req-456",
		Method:     "POST",
		Path:       "/v1/payments",
		AttemptNo:  2,
		StatusCode: 500,
		Status:     "failed",
		Error:      sql.NullString{String: "server error", Valid: true},
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_StoreDeliveryAttempt_DatabaseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db, zap.NewNop())

	mock.ExpectExec(`INSERT INTO audit\.delivery_attempts`).
		WillReturnError(assert.AnError)

	err = repo.StoreDeliveryAttempt(context.Background(), &DeliveryAttemptLog{
		Method:    "GET",
		Path:      "/v1/payments/p-1",
		AttemptNo: 1,
		Status:    "failed",
	})
	require.Error(t, err)
	assert.Equal(t, errors.CategoryUnavailable, errors.GetCategory(err))
}
