// internal/registry/store.go
//
// Tenant-table query helpers.
//
// Context
// -------
// `Store` is the only code that touches the **tenant** table.  Callers sit
// on two very different paths:
//
//   - `BySlug` / `ByID` — resolver and engine loader, request path.
//   - `List`, `Create`, `UpdateStatus`, `Delete` — admin and batch flows.
//
// Workflow
// --------
//  1. Callers supply a context; the Store owns a *sqlx.DB connected to the
//     control-plane database.
//  2. Each helper executes exactly one parameterised statement (UpdateStatus
//     uses a short transaction to validate the state machine).
//  3. Rows are scanned into `registry.Record`, which mirrors the current
//     schema.
//
// Error contract
// --------------
// A missing row surfaces as ErrNotFound.  Every other failure (store
// unreachable, bad credentials, timeout) wraps ErrUnavailable so callers
// can tell “no such tenant” (fail fast) from “try again later” (retry
// with backoff) with errors.Is.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when no row matches the lookup key.
var ErrNotFound = errors.New("tenant not found")

// ErrUnavailable wraps control-plane store failures.  Transient; callers
// should retry with backoff.
var ErrUnavailable = errors.New("registry unavailable")

// ErrBadTransition is returned by UpdateStatus for a move the state
// machine forbids (e.g., archived → active).
var ErrBadTransition = errors.New("invalid status transition")

const columns = `id, slug, name, dsn, status,
       pool_max_size, pool_max_overflow, pool_idle_timeout_s,
       pool_acquire_timeout_ms, created_at, updated_at`

// Store provides typed access to the tenant table.
type Store struct {
	db *sqlx.DB
}

// New wraps an already-connected control-plane pool.
func New(db *sqlx.DB) *Store { return &Store{db: db} }

// unavailable classifies a driver error, keeping sql.ErrNoRows distinct.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// BySlug fetches a single tenant row by its slug.
func (s *Store) BySlug(ctx context.Context, slug string) (*Record, error) {
	const q = `SELECT ` + columns + ` FROM tenant WHERE slug = ? LIMIT 1`
	var rec Record
	if err := s.db.GetContext(ctx, &rec, q, slug); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, unavailable("by slug", err)
	}
	return &rec, nil
}

// ByID fetches a single tenant row by its immutable id.
func (s *Store) ByID(ctx context.Context, id string) (*Record, error) {
	const q = `SELECT ` + columns + ` FROM tenant WHERE id = ? LIMIT 1`
	var rec Record
	if err := s.db.GetContext(ctx, &rec, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, unavailable("by id", err)
	}
	return &rec, nil
}

// List returns tenants, optionally filtered to the given statuses.  With
// no filter every row is returned.  Intended for admin listings and batch
// operations, not the request path.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]Record, error) {
	q := `SELECT ` + columns + ` FROM tenant`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		q += ` WHERE status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	q += ` ORDER BY slug`

	var rows []Record
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, unavailable("list", err)
	}
	return rows, nil
}

// Create inserts a new tenant row.  Timestamps are owned by the database.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	const q = `
        INSERT INTO tenant (id, slug, name, dsn, status,
                            pool_max_size, pool_max_overflow,
                            pool_idle_timeout_s, pool_acquire_timeout_ms)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		rec.ID, rec.Slug, rec.Name, rec.DSN, string(rec.Status),
		rec.PoolMaxSize, rec.PoolMaxOverflow,
		rec.PoolIdleTimeoutS, rec.PoolAcquireTimeoutMS,
	)
	if err != nil {
		return unavailable("create", err)
	}
	return nil
}

// UpdateStatus moves a tenant through the state machine.  The current row
// is locked inside a short transaction so two concurrent administrative
// actions cannot race past the transition check.
func (s *Store) UpdateStatus(ctx context.Context, id string, to Status) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrBadTransition, to)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return unavailable("update status", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var from Status
	const sel = `SELECT status FROM tenant WHERE id = ? FOR UPDATE`
	if err := tx.GetContext(ctx, &from, sel, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return unavailable("update status", err)
	}

	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s → %s", ErrBadTransition, from, to)
	}

	const upd = `UPDATE tenant SET status = ? WHERE id = ?`
	if _, err := tx.ExecContext(ctx, upd, string(to), id); err != nil {
		return unavailable("update status", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("update status", err)
	}
	return nil
}

// Delete removes a tenant row.  Used only by provisioning compensation;
// established tenants are archived, never deleted.
func (s *Store) Delete(ctx context.Context, id string) error {
	const q = `DELETE FROM tenant WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return unavailable("delete", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
