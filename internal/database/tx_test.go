package database_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"supplydesk-backend/internal/apperr"
	"supplydesk-backend/internal/config"
	"supplydesk-backend/internal/database"
	"supplydesk-backend/internal/models"
	"supplydesk-backend/internal/testutil"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func fastPolicy(attempts int) config.RetryPolicy {
	return config.RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRunnerCommits(t *testing.T) {
	db := testutil.SetupTestDB(t)
	r := database.NewRunner(db, fastPolicy(3), zap.NewNop())

	err := r.Do(context.Background(), func(tx *gorm.DB) error {
		return tx.Create(&models.Branch{Code: "F-KAZ", Name: "Kazan", IsActive: true}).Error
	})
	require.NoError(t, err)

	var count int64
	db.Model(&models.Branch{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestRunnerRollsBackOnDomainError(t *testing.T) {
	db := testutil.SetupTestDB(t)
	r := database.NewRunner(db, fastPolicy(3), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func(tx *gorm.DB) error {
		calls++
		if err := tx.Create(&models.Branch{Code: "F-KAZ", Name: "Kazan"}).Error; err != nil {
			return err
		}
		return apperr.NewValidation("nope")
	})

	assert.True(t, errors.Is(err, apperr.Validation))
	assert.Equal(t, 1, calls, "domain errors are not retried")

	var count int64
	db.Model(&models.Branch{}).Count(&count)
	assert.Zero(t, count)
}

func TestRunnerRetriesContention(t *testing.T) {
	db := testutil.SetupTestDB(t)
	r := database.NewRunner(db, fastPolicy(4), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func(tx *gorm.DB) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: database.PgErrDeadlockDetected}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRunnerGivesUpWithContention(t *testing.T) {
	db := testutil.SetupTestDB(t)
	r := database.NewRunner(db, fastPolicy(3), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func(tx *gorm.DB) error {
		calls++
		return &pgconn.PgError{Code: database.PgErrSerializationFailure}
	})

	assert.True(t, errors.Is(err, apperr.Contention))
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, extractAttempts(err))
}

func extractAttempts(err error) int {
	var e *apperr.Error
	if errors.As(err, &e) {
		if n, ok := e.Detail["attempts"].(int); ok {
			return n
		}
	}
	return 0
}

func TestRunnerWrapsStorageErrors(t *testing.T) {
	db := testutil.SetupTestDB(t)
	r := database.NewRunner(db, fastPolicy(3), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func(tx *gorm.DB) error {
		calls++
		return tx.Exec("SELECT * FROM no_such_table").Error
	})

	assert.True(t, errors.Is(err, apperr.StorageUnavailable))
	assert.Equal(t, 1, calls)
}

func TestRunnerStopsOnCancelledContext(t *testing.T) {
	db := testutil.SetupTestDB(t)
	r := database.NewRunner(db, fastPolicy(3), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Do(ctx, func(tx *gorm.DB) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsContention(t *testing.T) {
	assert.True(t, database.IsContention(&pgconn.PgError{Code: database.PgErrLockNotAvailable}))
	assert.True(t, database.IsContention(errors.New("database is locked")))
	assert.False(t, database.IsContention(&pgconn.PgError{Code: "22P02"}))
	assert.False(t, database.IsContention(errors.New("syntax error")))
}

func TestOpenPicksSQLite(t *testing.T) {
	db, err := database.Open("sqlite::memory:")
	require.NoError(t, err)
	assert.False(t, database.IsPostgres(db))
	require.NoError(t, database.Migrate(db))
	assert.True(t, db.Migrator().HasTable(&models.AuditEntry{}))
}
