package persistence

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-sqlite3"
)

const defaultBusyRetries = 5

// busyBackOff is the schedule for retrying a write that SQLite refused with
// BUSY or LOCKED after the driver's own busy_timeout ran out.
func busyBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.RandomizationFactor = 0.25
	bo.MaxElapsedTime = 5 * time.Second
	return bo
}

// retryOnBusy runs op, retrying up to maxRetries more times while it fails
// with a busy error. Any other error, lifecycle.ErrConflict included, is
// returned from the first attempt unchanged.
func retryOnBusy(ctx context.Context, maxRetries int, op func() error) error {
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := op()
		if err != nil && !isSQLiteBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	},
		backoff.WithContext(backoff.WithMaxRetries(busyBackOff(), uint64(maxRetries)), ctx),
		func(err error, wait time.Duration) {
			slog.Default().Debug("sqlite busy; retrying write", "attempt", attempt, "wait", wait, "error", err)
		},
	)
}

// isSQLiteBusy reports whether err is SQLite BUSY or LOCKED, either as a
// driver error or as text surfaced through another layer.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	for _, marker := range []string{"database is locked", "database table is locked", "SQLITE_BUSY", "SQLITE_LOCKED"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
