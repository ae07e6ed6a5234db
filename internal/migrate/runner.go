// internal/migrate/runner.go
//
// Fleet migration runner.
//
// Context
// -------
// A schema change must reach every tenant database on the shared server.
// The runner enumerates tenants from the registry, opens a dedicated
// one-shot connection per tenant (DDL-heavy sessions would pollute the
// long-lived engine pools), applies the migration, and folds each outcome
// into a Report.  Per-tenant failures are recorded and isolated; the run
// always continues through the remaining tenants.
//
// Fan-out is capped with errgroup.SetLimit so a large fleet cannot
// overwhelm the one database server hosting every tenant schema.
package migrate

import (
	"context"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yanizio/warden/internal/database"
	"github.com/yanizio/warden/internal/metrics"
	"github.com/yanizio/warden/internal/registry"
)

// Registry is the slice of the control-plane store the runner needs.
type Registry interface {
	List(ctx context.Context, statuses ...registry.Status) ([]registry.Record, error)
}

// LocatorResolver resolves `vault:` database locators; see engine's
// counterpart.  Nil means locators are plain DSNs.
type LocatorResolver interface {
	Resolve(ctx context.Context, locator string) (string, error)
}

// openFunc matches database.OpenWithOptions; swapped out in tests.
type openFunc func(ctx context.Context, dsn string, o database.Options) (*sqlx.DB, error)

// Runner applies migrations across the tenant fleet.
type Runner struct {
	reg         Registry
	secrets     LocatorResolver
	concurrency int
	log         *zap.SugaredLogger

	open openFunc
}

// NewRunner constructs a Runner.  concurrency caps simultaneous per-tenant
// applications; values below 1 are clamped to 1 (strictly sequential).
func NewRunner(reg Registry, secrets LocatorResolver, concurrency int, log *zap.SugaredLogger) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{
		reg:         reg,
		secrets:     secrets,
		concurrency: concurrency,
		log:         log,
		open:        database.OpenWithOptions,
	}
}

// Run applies m to every tenant matching the status filter (active-only
// when no filter is given).  The returned Report carries one Result per
// tenant; the error return is reserved for failures that prevented the
// run from starting at all (registry down).
func (r *Runner) Run(ctx context.Context, m Migration, statuses ...registry.Status) (*Report, error) {
	if len(statuses) == 0 {
		statuses = []registry.Status{registry.StatusActive}
	}
	tenants, err := r.reg.List(ctx, statuses...)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Migration: m.ID(),
		StartedAt: time.Now(),
		Results:   make([]Result, len(tenants)),
	}
	r.log.Infow("migration run starting",
		"migration", m.ID(), "tenants", len(tenants), "concurrency", r.concurrency)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(r.concurrency)

	for i, rec := range tenants {
		g.Go(func() error {
			res := r.applyOne(ctx, m, &rec)
			mu.Lock()
			report.Results[i] = res
			mu.Unlock()
			return nil // per-tenant failures never abort the run
		})
	}
	_ = g.Wait()

	report.FinishedAt = time.Now()
	r.log.Infow("migration run finished",
		"migration", m.ID(), "ok", report.Succeeded(), "failed", report.Failed())
	return report, nil
}

// applyOne migrates a single tenant on a short-lived connection.
func (r *Runner) applyOne(ctx context.Context, m Migration, rec *registry.Record) Result {
	start := time.Now()
	res := Result{TenantID: rec.ID, Slug: rec.Slug}
	dsn := rec.DSN

	// The Report crosses the admin API as JSON, so locators are redacted
	// from error text before it is recorded or logged.
	fail := func(err error) Result {
		res.Err = database.Redact(err, dsn, rec.DSN)
		res.Duration = time.Since(start)
		metrics.MigrationFailureTotal.Inc()
		r.log.Errorw("tenant migration failed",
			"migration", m.ID(), "tenant", rec.ID, "slug", rec.Slug, "err", res.Err)
		return res
	}

	if r.secrets != nil {
		var err error
		if dsn, err = r.secrets.Resolve(ctx, rec.DSN); err != nil {
			return fail(err)
		}
	}

	// One-shot pool: tiny, closed as soon as the migration lands.
	db, err := r.open(ctx, dsn, database.Options{
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		return fail(err)
	}
	defer db.Close()

	if err := m.Apply(ctx, db); err != nil {
		return fail(err)
	}

	res.Duration = time.Since(start)
	metrics.MigrationSuccessTotal.Inc()
	r.log.Infow("tenant migrated",
		"migration", m.ID(), "tenant", rec.ID, "slug", rec.Slug, "took", res.Duration)
	return res
}
