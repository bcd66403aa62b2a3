package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"supplydesk-backend/internal/apperr"
	"supplydesk-backend/internal/config"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SQLSTATE codes, see https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	PgErrSerializationFailure = "40001"
	PgErrDeadlockDetected     = "40P01"
	PgErrLockNotAvailable     = "55P03"
	PgErrUniqueViolation      = "23505"
	PgErrAdminShutdown        = "57P01"
	PgErrCannotConnectNow     = "57P03"
	PgErrTooManyConnections   = "53300"
)

// TxFunc is one unit of transactional work. It may run more than once, so it
// must rebuild any state it hands back to the caller.
type TxFunc func(tx *gorm.DB) error

// Runner executes TxFuncs with bounded retry on lock conflicts.
type Runner struct {
	db     *gorm.DB
	policy config.RetryPolicy
	log    *zap.Logger
}

func NewRunner(db *gorm.DB, policy config.RetryPolicy, log *zap.Logger) *Runner {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{db: db, policy: policy, log: log}
}

// DB returns the base handle for reads outside a transaction.
func (r *Runner) DB(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

// Do runs fn in a transaction. Domain errors from fn are returned as is and
// roll the transaction back. Contention is retried with exponential backoff
// and surfaces as apperr.Contention once attempts run out. Other storage
// errors surface as apperr.StorageUnavailable.
func (r *Runner) Do(ctx context.Context, fn TxFunc) error {
	var last error
	b := r.newBackOff()
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := r.setLockTimeout(tx); err != nil {
				return err
			}
			return fn(tx)
		})
		if err == nil {
			return nil
		}

		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if !IsContention(err) {
			if IsUnavailable(err) {
				r.log.Error("storage unavailable", zap.Error(err))
			}
			return apperr.Wrap(apperr.KindStorageUnavailable, err, "storage error")
		}

		last = err
		if attempt == r.policy.MaxAttempts {
			break
		}
		delay := b.NextBackOff()
		r.log.Debug("transaction conflict, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	r.log.Warn("transaction gave up after contention", zap.Int("attempts", r.policy.MaxAttempts), zap.Error(last))
	return apperr.Wrap(apperr.KindContention, last, "gave up after %d attempts", r.policy.MaxAttempts).
		With("attempts", r.policy.MaxAttempts)
}

func (r *Runner) setLockTimeout(tx *gorm.DB) error {
	if !IsPostgres(tx) || r.policy.LockTimeout <= 0 {
		return nil
	}
	// SET does not take bind parameters.
	return tx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.policy.LockTimeout.Milliseconds())).Error
}

// newBackOff doubles BaseDelay per attempt up to MaxDelay, with jitter so
// colliding writers spread out. Attempts are bounded by the loop in Do.
func (r *Runner) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.BaseDelay
	b.MaxInterval = r.policy.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// IsContention reports lock conflicts worth retrying. Unique violations count
// too: they only arise here from two writers racing on the same natural key.
func IsContention(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case PgErrSerializationFailure, PgErrDeadlockDetected, PgErrLockNotAvailable, PgErrUniqueViolation:
			return true
		}
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

// IsUnavailable reports connection-level failures.
func IsUnavailable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") ||
			pgErr.Code == PgErrAdminShutdown ||
			pgErr.Code == PgErrCannotConnectNow ||
			pgErr.Code == PgErrTooManyConnections
	}
	var netErr net.Error
	return errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr)
}
