// internal/migrate/migration.go
//
// Migration abstraction and the goose-backed implementation.
//
// Context
// -------
// A Migration is anything that can be applied to one tenant database.
// The production implementation is Dir, a versioned set of SQL files
// applied through goose.  Goose tracks applied versions in a
// `goose_db_version` table inside each tenant database, which is what
// makes re-running a set a no-op — the idempotence the runner documents
// as a precondition is provided by goose's bookkeeping for SQL sets, and
// is the migration author's burden for anything hand-rolled.
//
// Notes
// -----
//   - The per-instance goose Provider is used instead of the package-level
//     API; the Provider carries no global state, so many tenants can
//     migrate concurrently.
package migrate

import (
	"context"
	"fmt"
	"io/fs"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	goosedb "github.com/pressly/goose/v3/database"
)

// Migration is one schema change applied per tenant database.
// Implementations must be safe to apply concurrently to different
// databases, and idempotent when reapplied to the same one.
type Migration interface {
	// ID names the migration in reports and logs.
	ID() string
	// Apply runs the change against one tenant database.
	Apply(ctx context.Context, db *sqlx.DB) error
}

// Dir applies every pending versioned SQL file in a filesystem through
// goose.  The fs root must contain the *.sql files directly (use fs.Sub
// on an embedded tree).
type Dir struct {
	FS   fs.FS
	Name string // report label, e.g. "baseline"
}

// ID implements Migration.
func (d Dir) ID() string { return d.Name }

// Apply implements Migration.  Each call builds a fresh Provider bound to
// this database, so concurrent tenants never share goose state.
func (d Dir) Apply(ctx context.Context, db *sqlx.DB) error {
	p, err := goose.NewProvider(goosedb.DialectMySQL, db.DB, d.FS)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Func adapts a plain function to Migration, for tests and for one-off
// administrative changes that are not worth a SQL file.
type Func struct {
	Name string
	Fn   func(ctx context.Context, db *sqlx.DB) error
}

func (f Func) ID() string { return f.Name }
func (f Func) Apply(ctx context.Context, db *sqlx.DB) error { return f.Fn(ctx, db) }
