package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Supported store backends.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Options selects and configures a backend.
type Options struct {
	Backend string
	// DSN is the PostgreSQL connection string.
	DSN string
	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string
	// ConnectTimeout bounds the retries while the database comes up.
	ConnectTimeout time.Duration
}

// Open returns the configured Store. PostgreSQL connections are retried with exponential
// backoff so the server can start before the database is ready.
func Open(ctx context.Context, opts Options, log logrus.FieldLogger) (Store, error) {
	switch opts.Backend {
	case BackendSQLite:
		return NewSQLiteStore(ctx, opts.SQLitePath, log)
	case BackendPostgres, "":
		var store *PostgresStore
		connect := func() error {
			var err error
			store, err = NewPostgresStore(ctx, opts.DSN, log)
			return err
		}

		b := backoff.NewExponentialBackOff()
		if opts.ConnectTimeout > 0 {
			b.MaxElapsedTime = opts.ConnectTimeout
		}
		notify := func(err error, next time.Duration) {
			log.WithError(err).WithField("retry_in", next).Warn("PostgreSQL not ready")
		}
		if err := backoff.RetryNotify(connect, backoff.WithContext(b, ctx), notify); err != nil {
			return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
