package database

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrStoreUnavailable marks a transient infrastructure failure. Operations
// failing with it are safe to retry after backoff.
var ErrStoreUnavailable = errors.New("store unavailable")

const defaultMaxAttempts = 4

// IsTransient reports whether err is worth retrying against the store.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exceptions, class 53: insufficient resources,
		// 57P01: admin shutdown, 40001/40P01: serialization and deadlock.
		switch {
		case len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "53"):
			return true
		case pgErr.Code == "57P01", pgErr.Code == "40001", pgErr.Code == "40P01":
			return true
		}
	}

	return pgconn.SafeToRetry(err)
}

// WithRetry runs op, retrying transient failures with exponential backoff up
// to a bounded number of attempts. Non-transient errors surface immediately;
// exhausted attempts surface the last error wrapped as ErrStoreUnavailable.
func WithRetry(ctx context.Context, op func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	var lastErr error
	err := backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, defaultMaxAttempts-1), ctx))

	if err == nil {
		return nil
	}
	if lastErr != nil && IsTransient(lastErr) {
		return errors.Join(ErrStoreUnavailable, lastErr)
	}
	return err
}
