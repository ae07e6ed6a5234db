// internal/engine/evictor.go
//
// Background eviction for the engine manager.  Every EvictInterval the
// sweep scans the handle map and tears down:
//
//   - engines idle longer than their idle TTL with zero borrowers
//   - engines doomed by Remove, as soon as borrowers drain
//
// A handle with live borrowers is never closed; the sweep revisits it on
// the next tick.  The sweep also refreshes the per-tenant pool gauges so
// the metrics surface stays current without touching the request path.
package engine

import (
	"time"

	"github.com/yanizio/warden/internal/metrics"
)

func (m *Manager) evictLoop() {
	for {
		select {
		case <-m.done:
			return
		case <-m.evictTicker.C:
			m.sweep(time.Now().UnixNano())
		}
	}
}

// sweep runs one eviction pass.  Factored out of the loop so tests can
// drive it deterministically.  Returns the number of engines evicted.
func (m *Manager) sweep(now int64) int {
	var evicted int
	m.m.Range(func(key, value any) bool {
		h := value.(*Handle)

		// Gauge refresh piggybacks on the sweep.
		s := h.db.Stats()
		metrics.PoolInUse.WithLabelValues(h.slug).Set(float64(s.InUse))
		metrics.PoolIdle.WithLabelValues(h.slug).Set(float64(s.Idle))

		doomed := h.doomed.Load()
		if !doomed && h.idleFor(now) <= h.idleTTL {
			return true
		}
		reason := "idle"
		if doomed {
			reason = "removed"
		}
		if m.tryEvict(key.(string), h, reason) {
			evicted++
		}
		return true
	})
	return evicted
}

// tryEvict tears one handle down if and only if it has no borrowers.  The
// evicting flag is raised first so a concurrent tryBorrow backs off; if a
// borrower is then still attached the flag is lowered again and the sweep
// retries later.  The map entry is deleted before the pool is closed, so
// no new caller can reach a closing pool.
func (m *Manager) tryEvict(key string, h *Handle, reason string) bool {
	if !h.evicting.CompareAndSwap(false, true) {
		return false // another path is already tearing it down
	}
	if h.borrowers.Load() != 0 {
		h.evicting.Store(false)
		return false
	}

	m.m.Delete(key)
	if err := h.close(); err != nil {
		m.log.Warnw("engine close failed during eviction",
			"tenant", h.tenantID, "slug", h.slug, "err", err)
	}
	m.log.Infow("engine evicted",
		"tenant", h.tenantID, "slug", h.slug, "reason", reason,
		"idle", h.idleFor(time.Now().UnixNano()).Truncate(time.Second))
	metrics.EngineEvictTotal.Inc()
	metrics.ActiveEngines.Dec()
	metrics.PoolInUse.DeleteLabelValues(h.slug)
	metrics.PoolIdle.DeleteLabelValues(h.slug)
	return true
}
