// internal/engine/handle.go
//
// Engine handle: one live, pooled connection set for one tenant.
//
// Context
// -------
// A Handle wraps the per-tenant *sqlx.DB together with the bookkeeping
// the manager needs: creation time, an atomic last-used timestamp for
// idle eviction, an atomic borrower count, and the eviction flags.  The
// underlying pool is owned exclusively by the Manager; callers borrow a
// Handle via Acquire and must return it via Release.
//
// Notes
// -----
//   - `lastUsed` is UnixNano, written with atomics on every borrow and
//     release, read by the evictor.
//   - `close` is invoked only by the manager's eviction and shutdown
//     paths, and only after the borrower count has been observed at zero
//     under the evicting flag.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
)

// Handle is a borrowed reference to one tenant's engine.  Safe for
// concurrent use; all mutating state is atomic.
type Handle struct {
	tenantID string
	slug     string
	db       *sqlx.DB

	createdAt      time.Time
	acquireTimeout time.Duration
	idleTTL        time.Duration // per-tenant idle eviction threshold

	lastUsed  atomic.Int64 // UnixNano
	borrowers atomic.Int64
	evicting  atomic.Bool // set by the teardown paths; never cleared once torn down
	doomed    atomic.Bool // set by Remove; handle must not be borrowed again
}

// Stats is a point-in-time snapshot of one engine's pool.
type Stats struct {
	TenantID  string    `json:"tenant_id"`
	Slug      string    `json:"slug"`
	InUse     int       `json:"in_use"`
	Idle      int       `json:"idle"`
	WaitCount int64     `json:"wait_count"`
	Borrowers int64     `json:"borrowers"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
}

// TenantID returns the owning tenant's immutable id.
func (h *Handle) TenantID() string { return h.tenantID }

// Slug returns the owning tenant's slug, for logs and metric labels.
func (h *Handle) Slug() string { return h.slug }

// DB exposes the pooled connection set for query execution.  The pool
// stays open at least until the borrow is released.
func (h *Handle) DB() *sqlx.DB { return h.db }

// Conn checks a single connection out of the pool, waiting at most the
// engine's acquire timeout.  An exhausted pool surfaces ErrPoolExhausted
// instead of blocking indefinitely.  Callers must Close the connection to
// return it to the pool.
func (h *Handle) Conn(ctx context.Context) (*sqlx.Conn, error) {
	cctx, cancel := context.WithTimeout(ctx, h.acquireTimeout)
	defer cancel()

	conn, err := h.db.Connx(cctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: tenant %s waited %v", ErrPoolExhausted, h.tenantID, h.acquireTimeout)
		}
		return nil, err
	}
	h.touch()
	return conn, nil
}

// Stats snapshots the pool counters.
func (h *Handle) Stats() Stats {
	s := h.db.Stats()
	return Stats{
		TenantID:  h.tenantID,
		Slug:      h.slug,
		InUse:     s.InUse,
		Idle:      s.Idle,
		WaitCount: s.WaitCount,
		Borrowers: h.borrowers.Load(),
		CreatedAt: h.createdAt,
		LastUsed:  time.Unix(0, h.lastUsed.Load()),
	}
}

func (h *Handle) touch() { h.lastUsed.Store(time.Now().UnixNano()) }

// tryBorrow registers a borrower unless the handle is being torn down.
// The increment happens before the flag check so the evictor can never
// observe zero borrowers while a successful borrow is in flight.
func (h *Handle) tryBorrow() bool {
	h.borrowers.Add(1)
	if h.evicting.Load() || h.doomed.Load() {
		h.borrowers.Add(-1)
		return false
	}
	h.touch()
	return true
}

// release returns one borrow.  Never blocks.
func (h *Handle) release() {
	h.touch()
	if h.borrowers.Add(-1) < 0 {
		// Release without a matching Acquire is a caller bug; clamp so
		// the evictor is not wedged forever.
		h.borrowers.Store(0)
	}
}

// idleFor reports how long the handle has been unused as of now (UnixNano).
func (h *Handle) idleFor(now int64) time.Duration {
	return time.Duration(now - h.lastUsed.Load())
}

// close disposes the underlying pool.  Manager-only.
func (h *Handle) close() error { return h.db.Close() }
