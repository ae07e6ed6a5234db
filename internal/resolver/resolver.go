// internal/resolver/resolver.go
//
// Slug → tenant-id resolution with a short-lived cache.
//
// Context
// -------
// Every request carries a raw tenant identifier (host header, path
// segment, or token claim).  The resolver normalizes it to a slug, looks
// the slug up in the control-plane registry, and returns the immutable
// tenant id the engine manager keys on.  A TTL cache plus singleflight
// bounds registry load: a hot slug costs one registry query per TTL
// window no matter how many goroutines ask.
//
// Staleness contract
// ------------------
// Only successful resolutions of *active* tenants are cached.  Status
// changes made through this process call Invalidate, so in-process
// suspensions take effect immediately.  Changes made out of band (another
// node, manual SQL) are visible after at most CacheTTL.  This trade-off
// is deliberate; see DESIGN.md.
//
// Notes
// -----
// • Failures are never cached.  A flapping registry should not pin
//   NotFound answers.
package resolver

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/yanizio/warden/internal/metrics"
	"github.com/yanizio/warden/internal/registry"
)

// ErrTenantNotFound is returned when the slug has no registry record.
// Terminal for the request; do not retry.
var ErrTenantNotFound = errors.New("tenant not found")

// ErrTenantInactive is returned when the record exists but its status is
// anything other than active.  Terminal for the request.
var ErrTenantInactive = errors.New("tenant not active")

// Registry is the slice of the control-plane store the resolver needs.
type Registry interface {
	BySlug(ctx context.Context, slug string) (*registry.Record, error)
}

type entry struct {
	tenantID string
	expires  time.Time
}

// Resolver maps raw identifiers to tenant ids.  Safe for concurrent use.
type Resolver struct {
	reg Registry
	ttl time.Duration
	sfg singleflight.Group

	mu    sync.RWMutex
	cache map[string]entry
}

// New constructs a Resolver.  ttl bounds how stale an out-of-band status
// change may appear; tens of seconds is the intended range.
func New(reg Registry, ttl time.Duration) *Resolver {
	return &Resolver{
		reg:   reg,
		ttl:   ttl,
		cache: make(map[string]entry),
	}
}

// Normalize converts a raw request identifier into a canonical slug:
// lower-cased, port and surrounding whitespace stripped.
func Normalize(raw string) string {
	s := strings.TrimSpace(strings.ToLower(raw))
	if i := strings.IndexByte(s, ':'); i != -1 {
		s = s[:i]
	}
	return s
}

// Resolve returns the tenant id for a raw identifier.  Errors:
// ErrTenantNotFound, ErrTenantInactive, or a registry.ErrUnavailable
// wrapper when the control-plane store is unreachable.
func (r *Resolver) Resolve(ctx context.Context, raw string) (string, error) {
	slug := Normalize(raw)
	if slug == "" {
		return "", ErrTenantNotFound
	}

	r.mu.RLock()
	ent, ok := r.cache[slug]
	r.mu.RUnlock()
	if ok && time.Now().Before(ent.expires) {
		metrics.ResolverCacheHitsTotal.Inc()
		return ent.tenantID, nil
	}

	metrics.ResolverCacheMissesTotal.Inc()
	v, err, _ := r.sfg.Do(slug, func() (interface{}, error) {
		// Double-check after singleflight barrier.
		r.mu.RLock()
		ent, ok := r.cache[slug]
		r.mu.RUnlock()
		if ok && time.Now().Before(ent.expires) {
			return ent.tenantID, nil
		}
		return r.lookup(ctx, slug)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// lookup consults the registry and caches a positive, active answer.
func (r *Resolver) lookup(ctx context.Context, slug string) (string, error) {
	rec, err := r.reg.BySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return "", ErrTenantNotFound
		}
		return "", err // registry.ErrUnavailable wrapper, retryable
	}
	if rec.Status != registry.StatusActive {
		return "", ErrTenantInactive
	}

	r.mu.Lock()
	r.cache[slug] = entry{tenantID: rec.ID, expires: time.Now().Add(r.ttl)}
	r.mu.Unlock()
	return rec.ID, nil
}

// Invalidate drops the cached entry for slug.  Called by administrative
// status changes so in-process suspensions are never served from cache.
func (r *Resolver) Invalidate(slug string) {
	r.mu.Lock()
	delete(r.cache, Normalize(slug))
	r.mu.Unlock()
}

// Len reports the number of live cache entries, expired or not.  Used by
// diagnostics and tests.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
