// internal/provision/provision.go
//
// Tenant provisioning workflow.
//
// Context
// -------
// Provisioning creates the physical tenant database, applies the baseline
// schema, and registers the control-plane record, flipping it from
// provisioning to active only after the schema has landed.  On failure at
// any step the workflow compensates: the half-created database and user
// are dropped and the registry row removed.
//
// Compensation is best effort, not a transactional guarantee.  When
// compensation itself fails the workflow logs at error level with the
// `manual intervention required` marker and returns the failure wrapped
// in ErrCompensationFailed so the caller knows cleanup is outstanding.
// This gap is a known limitation; see DESIGN.md.
//
// Notes
// -----
//   - DDL cannot be parameterised, so the schema/user key interpolated into
//     CREATE/DROP statements is locked to ^[a-z][a-z0-9_]*$ by construction.
//   - The expanded DSN is a secret from the moment it exists; it is stored
//     in the registry row and never logged.
package provision

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/yanizio/warden/internal/database"
	"github.com/yanizio/warden/internal/metrics"
	"github.com/yanizio/warden/internal/migrate"
	"github.com/yanizio/warden/internal/registry"
)

// Errors surfaced by the workflow.
var (
	// ErrInvalidSlug: the requested slug fails the naming rules.
	ErrInvalidSlug = errors.New("invalid tenant slug")

	// ErrSlugTaken: an existing record already owns the slug.
	ErrSlugTaken = errors.New("slug already registered")

	// ErrProvisioningFailed wraps the step that broke the workflow.
	ErrProvisioningFailed = errors.New("provisioning failed")

	// ErrCompensationFailed escalates a cleanup that did not complete;
	// the operator must finish it by hand.
	ErrCompensationFailed = errors.New("provisioning compensation failed")
)

// slugRe matches the external addressing rules: lower-kebab ASCII,
// starting with a letter, at most 63 characters.
var slugRe = regexp.MustCompile(`^[a-z][a-z0-9-]{0,62}$`)

// Registry is the slice of the control-plane store the workflow needs.
type Registry interface {
	BySlug(ctx context.Context, slug string) (*registry.Record, error)
	Create(ctx context.Context, rec *registry.Record) error
	UpdateStatus(ctx context.Context, id string, to registry.Status) error
	Delete(ctx context.Context, id string) error
}

// LocatorResolver resolves `vault:` secret references in configuration.
type LocatorResolver interface {
	Resolve(ctx context.Context, locator string) (string, error)
}

type openFunc func(ctx context.Context, dsn string, o database.Options) (*sqlx.DB, error)

// Config carries the provisioning surface of the daemon configuration.
type Config struct {
	// DSNTemplate is a fmt template with three %s verbs (user, password,
	// database); user and database are both filled with the tenant key.
	DSNTemplate string
	// TenantPassword is the credential for new tenant users.  May be a
	// `vault:` reference.
	TenantPassword string
}

// Workflow provisions new tenants.  Safe for concurrent use.
type Workflow struct {
	admin    *sqlx.DB // server-level connection with CREATE DATABASE rights
	reg      Registry
	baseline migrate.Migration
	secrets  LocatorResolver
	cfg      Config
	log      *zap.SugaredLogger

	open openFunc
}

// New constructs a Workflow.  baseline is the current head migration set,
// applied to every fresh database before the tenant goes active.
func New(admin *sqlx.DB, reg Registry, baseline migrate.Migration, secrets LocatorResolver, cfg Config, log *zap.SugaredLogger) *Workflow {
	return &Workflow{
		admin:    admin,
		reg:      reg,
		baseline: baseline,
		secrets:  secrets,
		cfg:      cfg,
		log:      log,
		open:     database.OpenWithOptions,
	}
}

// Key converts a slug into the schema/user identifier: dashes collapse to
// underscores so the result stays DDL-safe without quoting.
func Key(slug string) string {
	return strings.ReplaceAll(slug, "-", "_")
}

// Provision runs the workflow:
//
//  1. Create the tenant database and its scoped user.
//  2. Register the record with status = provisioning.
//  3. Apply the baseline schema.
//  4. Flip provisioning → active.
//
// Any failure triggers compensation before the error is returned.
func (w *Workflow) Provision(ctx context.Context, slug, name string) (*registry.Record, error) {
	slug = strings.TrimSpace(strings.ToLower(slug))
	if !slugRe.MatchString(slug) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSlug, slug)
	}

	// Fail fast on duplicates; the unique key still backstops races.
	switch _, err := w.reg.BySlug(ctx, slug); {
	case err == nil:
		return nil, fmt.Errorf("%w: %q", ErrSlugTaken, slug)
	case !errors.Is(err, registry.ErrNotFound):
		return nil, err // registry unavailable, retryable
	}

	pw := w.cfg.TenantPassword
	if w.secrets != nil {
		var err error
		if pw, err = w.secrets.Resolve(ctx, pw); err != nil {
			return nil, fmt.Errorf("%w: resolve tenant credential: %v", ErrProvisioningFailed, err)
		}
	}

	key := Key(slug)
	rec := &registry.Record{
		ID:     uuid.NewString(),
		Slug:   slug,
		Name:   name,
		DSN:    fmt.Sprintf(w.cfg.DSNTemplate, key, pw, key),
		Status: registry.StatusProvisioning,
	}
	w.log.Infow("provisioning tenant", "tenant", rec.ID, "slug", slug)

	var dbCreated, recCreated bool
	fail := func(step string, cause error) (*registry.Record, error) {
		metrics.ProvisionFailuresTotal.Inc()
		// Driver errors can echo the freshly minted locator or credential.
		err := fmt.Errorf("%w: %s: %s", ErrProvisioningFailed, step,
			database.Redact(cause, rec.DSN, pw))
		if comp := w.compensate(ctx, key, rec.ID, dbCreated, recCreated); comp != nil {
			return nil, errors.Join(err, comp)
		}
		return nil, err
	}

	// 1. Physical database + scoped user.
	if _, err := w.admin.ExecContext(ctx, "CREATE DATABASE `"+key+"`"); err != nil {
		return fail("create database", err)
	}
	dbCreated = true
	if _, err := w.admin.ExecContext(ctx,
		"CREATE USER IF NOT EXISTS '"+key+"'@'%' IDENTIFIED BY ?", pw); err != nil {
		return fail("create user", err)
	}
	if _, err := w.admin.ExecContext(ctx,
		"GRANT ALL PRIVILEGES ON `"+key+"`.* TO '"+key+"'@'%'"); err != nil {
		return fail("grant", err)
	}

	// 2. Control-plane record, still provisioning.
	if err := w.reg.Create(ctx, rec); err != nil {
		return fail("register", err)
	}
	recCreated = true

	// 3. Baseline schema on a short-lived connection.
	db, err := w.open(ctx, rec.DSN, database.Options{
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		return fail("connect new database", err)
	}
	err = w.baseline.Apply(ctx, db)
	_ = db.Close()
	if err != nil {
		return fail("apply baseline", err)
	}

	// 4. Go live.
	if err := w.reg.UpdateStatus(ctx, rec.ID, registry.StatusActive); err != nil {
		return fail("activate", err)
	}
	rec.Status = registry.StatusActive

	metrics.ProvisionTotal.Inc()
	w.log.Infow("tenant provisioned", "tenant", rec.ID, "slug", slug)
	return rec, nil
}

// compensate unwinds a partial provision: drop the user and database,
// delete the registry row.  Runs detached from the caller's cancellation
// so an aborted request still cleans up after itself.
func (w *Workflow) compensate(ctx context.Context, key, recID string, dbCreated, recCreated bool) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	var errs []error
	if dbCreated {
		if _, err := w.admin.ExecContext(cctx, "DROP DATABASE IF EXISTS `"+key+"`"); err != nil {
			errs = append(errs, fmt.Errorf("drop database: %w", err))
		}
		if _, err := w.admin.ExecContext(cctx, "DROP USER IF EXISTS '"+key+"'@'%'"); err != nil {
			errs = append(errs, fmt.Errorf("drop user: %w", err))
		}
	}
	if recCreated {
		if err := w.reg.Delete(cctx, recID); err != nil && !errors.Is(err, registry.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete record: %w", err))
		}
	}

	if len(errs) == 0 {
		w.log.Warnw("provisioning compensated", "tenant", recID, "key", key)
		return nil
	}
	err := errors.Join(errs...)
	w.log.Errorw("manual intervention required: provisioning compensation failed",
		"tenant", recID, "key", key, "err", err)
	return fmt.Errorf("%w: %v", ErrCompensationFailed, err)
}
