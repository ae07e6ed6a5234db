// internal/engine/manager.go
//
// Engine pool manager: tenant id → live pooled connection handle.
//
// Context
// -------
// The Manager owns the only shared mutable structure in the daemon: a
// sync.Map of tenant id → *Handle.  Handles are created lazily on first
// Acquire, guarded by singleflight so concurrent cold-start callers share
// exactly one pool-creation, and torn down by the idle evictor, by
// administrative Remove, or by Shutdown.  Steady-state acquisition on a
// warm handle is a lock-free map read plus two atomics; nothing
// serializes across tenants.
//
// The map is mutated only by the creation and teardown paths, and never
// while either holds a database connection open mid-operation: creation
// stores the handle after the pool is opened and pinged, teardown deletes
// the key before closing the pool.
//
// Notes
// -----
//   - Acquire/Release borrow-count the handle; the evictor never closes a
//     pool with live borrowers.
//   - ErrPoolExhausted and registry.ErrUnavailable are retryable;
//     ErrTenantNotActive and registry.ErrNotFound are terminal for the
//     request.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/yanizio/warden/internal/database"
	"github.com/yanizio/warden/internal/metrics"
	"github.com/yanizio/warden/internal/registry"
)

// Errors surfaced by the manager.  See the propagation notes on each.
var (
	// ErrManagerClosed: Shutdown has begun; no new acquisitions.
	ErrManagerClosed = errors.New("engine manager closed")

	// ErrTenantNotActive: the registry record exists but its status
	// forbids engine creation.  Terminal for the request.
	ErrTenantNotActive = errors.New("tenant not active")

	// ErrInvalidPoolConfig: the tenant's pool override requests a
	// non-positive size or a negative overflow.  Rejected at creation.
	ErrInvalidPoolConfig = errors.New("invalid pool config")

	// ErrEngineCreationFailed: the locator could not be resolved or the
	// pool could not be opened/pinged.  The message never carries the
	// locator itself.
	ErrEngineCreationFailed = errors.New("engine creation failed")

	// ErrPoolExhausted: no connection became free within the acquire
	// timeout.  Retryable with backoff.
	ErrPoolExhausted = errors.New("pool exhausted")

	// ErrEngineDraining: the handle for this tenant is mid-teardown with
	// borrowers still attached.  Transient; retry shortly.
	ErrEngineDraining = errors.New("engine draining")
)

// Defaults are the manager-wide pool settings.  Each field can be
// overridden per tenant through the registry record; see resolveSettings.
type Defaults struct {
	MaxSize        int           // steady-state pool size
	MaxOverflow    int           // burst connections above MaxSize
	IdleTimeout    time.Duration // evict handles unused this long
	AcquireTimeout time.Duration // cap on waiting for a free connection
	EvictInterval  time.Duration // sweep cadence
}

// Registry is the slice of the control-plane store the manager needs.
type Registry interface {
	ByID(ctx context.Context, id string) (*registry.Record, error)
}

// LocatorResolver turns an opaque database locator into a DSN, resolving
// `vault:` references.  internal/vault.Client implements it.  A nil
// resolver means locators are used verbatim.
type LocatorResolver interface {
	Resolve(ctx context.Context, locator string) (string, error)
}

// openFunc matches database.OpenWithOptions; swapped out in tests.
type openFunc func(ctx context.Context, dsn string, o database.Options) (*sqlx.DB, error)

// Manager caches one Handle per tenant and owns their lifecycle.
type Manager struct {
	reg      Registry
	secrets  LocatorResolver
	defaults Defaults
	log      *zap.SugaredLogger

	open openFunc
	sfg  singleflight.Group
	m    sync.Map // tenant id → *Handle

	evictTicker *time.Ticker
	done        chan struct{}

	mu     sync.Mutex // guards closed transition
	closed bool
}

// New constructs a Manager and starts the background evictor.  secrets
// may be nil when locators are stored as plain DSNs.
func New(reg Registry, secrets LocatorResolver, def Defaults, log *zap.SugaredLogger) *Manager {
	if def.MaxSize <= 0 {
		def.MaxSize = 5
	}
	if def.IdleTimeout <= 0 {
		def.IdleTimeout = 30 * time.Minute
	}
	if def.AcquireTimeout <= 0 {
		def.AcquireTimeout = 5 * time.Second
	}
	if def.EvictInterval <= 0 {
		def.EvictInterval = 5 * time.Minute
	}
	m := &Manager{
		reg:      reg,
		secrets:  secrets,
		defaults: def,
		log:      log,
		open:     database.OpenWithOptions,
		done:     make(chan struct{}),
	}
	m.evictTicker = time.NewTicker(def.EvictInterval)
	go m.evictLoop()
	return m
}

// Acquire returns a borrowed Handle for tenantID, creating the engine on
// first use.  Concurrent cold-start callers for the same tenant share one
// creation; all receive the same handle.
func (m *Manager) Acquire(ctx context.Context, tenantID string) (*Handle, error) {
	if m.isClosed() {
		return nil, ErrManagerClosed
	}

	// Fast path: warm handle, no coordination beyond the map read.
	if v, ok := m.m.Load(tenantID); ok {
		if h := v.(*Handle); h.tryBorrow() {
			return h, nil
		}
		// The resident handle is mid-eviction; fall through and race
		// for a fresh one.
	}

	for {
		v, err, _ := m.sfg.Do(tenantID, func() (interface{}, error) {
			// Double-check after the singleflight barrier: another
			// caller may have finished creating while we queued.
			if v, ok := m.m.Load(tenantID); ok {
				h := v.(*Handle)
				if !h.evicting.Load() && !h.doomed.Load() {
					return h, nil
				}
				// Tear the stale entry down before replacing it so the
				// old pool cannot leak.  With borrowers attached we
				// must wait for them to drain.
				if !m.tryEvict(tenantID, h, "replaced") {
					return nil, ErrEngineDraining
				}
			}
			if m.isClosed() {
				return nil, ErrManagerClosed
			}

			h, err := m.create(ctx, tenantID)
			if err != nil {
				metrics.EngineCreateErrorsTotal.Inc()
				return nil, err
			}
			// Shutdown may have begun while create was dialing; it only
			// disposes handles its Range can see, so the store must be
			// atomic with the closed check or the fresh pool leaks.
			m.mu.Lock()
			if m.closed {
				m.mu.Unlock()
				_ = h.close()
				return nil, ErrManagerClosed
			}
			m.m.Store(tenantID, h)
			m.mu.Unlock()
			metrics.EngineCreateTotal.Inc()
			metrics.ActiveEngines.Inc()
			m.log.Infow("engine online", "tenant", tenantID, "slug", h.slug)
			return h, nil
		})
		if err != nil {
			return nil, err
		}

		if h := v.(*Handle); h.tryBorrow() {
			return h, nil
		}
		// Lost a race with the evictor between creation and borrow.
		// Rare; go around again.
	}
}

// Release returns a borrow taken by Acquire.  Safe to call exactly once
// per successful Acquire.
func (m *Manager) Release(h *Handle) {
	if h == nil {
		return
	}
	h.release()
}

// Remove marks the tenant's engine for teardown, used when a tenant is
// suspended or archived.  The pool closes immediately when idle, or on a
// later sweep once borrowers drain.  The next Acquire after re-activation
// creates a fresh engine.
func (m *Manager) Remove(tenantID string) {
	v, ok := m.m.Load(tenantID)
	if !ok {
		return
	}
	h := v.(*Handle)
	h.doomed.Store(true)
	m.tryEvict(tenantID, h, "removed")
}

// Stats snapshots every live engine, in map iteration order.  For the
// admin surface and tests.
func (m *Manager) Stats() []Stats {
	var out []Stats
	m.m.Range(func(_, v any) bool {
		out = append(out, v.(*Handle).Stats())
		return true
	})
	return out
}

// Shutdown drains and disposes every engine.  New acquisitions fail with
// ErrManagerClosed immediately.  Borrowers are given until ctx expires to
// finish; pools still borrowed at the deadline are closed anyway and
// logged.  Per-tenant close failures are joined, never fatal to the rest.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.evictTicker.Stop()
	close(m.done)

	// Drain: poll until every handle is unborrowed or the deadline hits.
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
drain:
	for m.liveBorrowers() > 0 {
		select {
		case <-ctx.Done():
			break drain
		case <-tick.C:
		}
	}

	var errs []error
	m.m.Range(func(k, v any) bool {
		h := v.(*Handle)
		h.evicting.Store(true)
		if n := h.borrowers.Load(); n > 0 {
			m.log.Errorw("engine closed with live borrowers at shutdown",
				"tenant", h.tenantID, "slug", h.slug, "borrowers", n)
		}
		if err := h.close(); err != nil {
			m.log.Errorw("engine close failed", "tenant", h.tenantID, "err", err)
			errs = append(errs, fmt.Errorf("tenant %s: %w", h.tenantID, err))
		}
		m.m.Delete(k)
		metrics.ActiveEngines.Dec()
		metrics.PoolInUse.DeleteLabelValues(h.slug)
		metrics.PoolIdle.DeleteLabelValues(h.slug)
		return true
	})
	m.log.Infow("engine manager shut down", "close_errors", len(errs))
	return errors.Join(errs...)
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) liveBorrowers() int64 {
	var n int64
	m.m.Range(func(_, v any) bool {
		n += v.(*Handle).borrowers.Load()
		return true
	})
	return n
}
