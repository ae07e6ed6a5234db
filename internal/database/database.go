// Package database centralises sqlx connection helpers.  The default driver
// is go-sql-driver/mysql, which also works with MariaDB when configured for
// the MySQL wire protocol.
//
// Public entry points:
//
//	Open(ctx, dsn)                 – quick helper with conservative pool sizes.
//	OpenWithOptions(ctx, dsn, o)   – fine-grained control.
//
// Both helpers Ping the database before returning so callers can fail fast
// during bootstrap.  Callers should Close() the returned *sqlx.DB when no
// longer needed.  Error messages never echo the DSN; it carries credentials.
package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// Options tunes one pool.  Zero values fall back to the defaults noted on
// each field.
type Options struct {
	MaxOpenConns    int           // default 15
	MaxIdleConns    int           // default 5
	ConnMaxLifetime time.Duration // default 30m
	Retries         int           // extra ping attempts after the first
	RetryBackoff    time.Duration // pause between ping attempts, default 500ms
}

func (o *Options) fill() {
	if o.MaxOpenConns == 0 {
		o.MaxOpenConns = 15
	}
	if o.MaxIdleConns == 0 {
		o.MaxIdleConns = 5
	}
	if o.ConnMaxLifetime == 0 {
		o.ConnMaxLifetime = 30 * time.Minute
	}
	if o.RetryBackoff == 0 {
		o.RetryBackoff = 500 * time.Millisecond
	}
}

// Redact strips secrets from a driver error message.  Driver errors can
// echo the DSN they dialed with, so every place that folds an open/query
// error into a log line, report, or wrapped error runs it through here
// first.
func Redact(err error, secrets ...string) string {
	msg := err.Error()
	for _, s := range secrets {
		if s == "" {
			continue
		}
		msg = strings.ReplaceAll(msg, s, "<locator>")
	}
	return msg
}

// Open returns a *sqlx.DB with sane defaults.  Suitable for process-wide
// pools or for test setups.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	return OpenWithOptions(ctx, dsn, Options{})
}

// OpenWithOptions lets callers tune pool sizing per pool.  Used by the
// engine loader to keep per-tenant resource usage small, and by the
// migration runner for short-lived one-shot connections.
func OpenWithOptions(ctx context.Context, dsn string, o Options) (*sqlx.DB, error) {
	o.fill()

	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	db.SetMaxOpenConns(o.MaxOpenConns)
	db.SetMaxIdleConns(o.MaxIdleConns)
	db.SetConnMaxLifetime(o.ConnMaxLifetime)

	for attempt := 0; ; attempt++ {
		err = db.PingContext(ctx)
		if err == nil {
			return db, nil
		}
		if attempt >= o.Retries {
			break
		}
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, ctx.Err()
		case <-time.After(o.RetryBackoff):
		}
	}

	_ = db.Close()
	return nil, fmt.Errorf("ping pool: %w", err)
}
