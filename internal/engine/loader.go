// internal/engine/loader.go
//
// Cold-start path: tenant id → freshly opened engine.
//
// Steps:
//
//  1. Fetch the registry record; refuse anything that is not active.
//  2. Resolve the pool-config cascade (tenant override → manager default)
//     and validate it.
//  3. Resolve the database locator (vault: references included).
//  4. Open a bounded sqlx pool sized from the resolved settings and ping
//     it so a dead locator fails here, not on first query.
//
// The locator is a secret: it never appears in errors or logs.  Failures
// identify the tenant by id only.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/yanizio/warden/internal/database"
	"github.com/yanizio/warden/internal/registry"
)

// poolSettings is the fully resolved sizing for one engine.
type poolSettings struct {
	maxSize        int
	maxOverflow    int
	idleTimeout    time.Duration
	acquireTimeout time.Duration
}

// resolveSettings applies the cascade most-specific-first: each tenant
// override field wins over the manager default, independently.
func resolveSettings(o registry.PoolOverride, d Defaults) (poolSettings, error) {
	s := poolSettings{
		maxSize:        d.MaxSize,
		maxOverflow:    d.MaxOverflow,
		idleTimeout:    d.IdleTimeout,
		acquireTimeout: d.AcquireTimeout,
	}
	if o.MaxSize != nil {
		s.maxSize = *o.MaxSize
	}
	if o.MaxOverflow != nil {
		s.maxOverflow = *o.MaxOverflow
	}
	if o.IdleTimeout != nil {
		s.idleTimeout = *o.IdleTimeout
	}
	if o.AcquireTimeout != nil {
		s.acquireTimeout = *o.AcquireTimeout
	}

	if s.maxSize <= 0 {
		return s, fmt.Errorf("%w: max_size %d (must be positive)", ErrInvalidPoolConfig, s.maxSize)
	}
	if s.maxOverflow < 0 {
		return s, fmt.Errorf("%w: max_overflow %d (must be ≥ 0)", ErrInvalidPoolConfig, s.maxOverflow)
	}
	if s.acquireTimeout <= 0 {
		return s, fmt.Errorf("%w: acquire_timeout must be positive", ErrInvalidPoolConfig)
	}
	return s, nil
}

// create opens the engine for one tenant.  Called only inside the
// singleflight barrier; never mutates the handle map itself.
func (m *Manager) create(ctx context.Context, tenantID string) (*Handle, error) {
	rec, err := m.reg.ByID(ctx, tenantID)
	if err != nil {
		return nil, err // registry.ErrNotFound or ErrUnavailable, verbatim
	}
	if rec.Status != registry.StatusActive {
		return nil, fmt.Errorf("%w: tenant %s is %s", ErrTenantNotActive, tenantID, rec.Status)
	}

	settings, err := resolveSettings(rec.PoolOverride(), m.defaults)
	if err != nil {
		return nil, err
	}

	dsn := rec.DSN
	if m.secrets != nil {
		dsn, err = m.secrets.Resolve(ctx, rec.DSN)
		if err != nil {
			return nil, fmt.Errorf("%w: tenant %s: locator resolution: %v",
				ErrEngineCreationFailed, tenantID, err)
		}
	}

	// maxSize is the steady-state (idle-retained) size; overflow allows
	// bursts above it, mirroring the registry's pool semantics.
	db, err := m.open(ctx, dsn, database.Options{
		MaxOpenConns:    settings.maxSize + settings.maxOverflow,
		MaxIdleConns:    settings.maxSize,
		ConnMaxLifetime: 30 * time.Minute,
		Retries:         2,
		RetryBackoff:    500 * time.Millisecond,
	})
	if err != nil {
		// Driver errors can echo the DSN; redact it before wrapping.
		return nil, fmt.Errorf("%w: tenant %s: open pool: %s",
			ErrEngineCreationFailed, tenantID, database.Redact(err, dsn, rec.DSN))
	}

	now := time.Now()
	h := &Handle{
		tenantID:       tenantID,
		slug:           rec.Slug,
		db:             db,
		createdAt:      now,
		acquireTimeout: settings.acquireTimeout,
	}
	h.idleTTL = settings.idleTimeout
	h.lastUsed.Store(now.UnixNano())
	return h, nil
}
