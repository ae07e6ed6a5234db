// internal/resolver/resolver_test.go
//
// Unit-tests for slug resolution and the TTL cache.
//
// Context
// -------
// fakeRegistry ── minimal Registry implementation backed by a map, with a
// lookup counter so the tests can assert cache behaviour without a
// database.
//
// Run: go test ./internal/resolver -v

package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yanizio/warden/internal/registry"
)

// fakeRegistry satisfies Registry with injectable rows.
type fakeRegistry struct {
	rows    map[string]*registry.Record
	lookups atomic.Int64
	err     error // forced error, when set
}

func (f *fakeRegistry) BySlug(_ context.Context, slug string) (*registry.Record, error) {
	f.lookups.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	rec, ok := f.rows[slug]
	if !ok {
		return nil, registry.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func activeRecord(id, slug string) *registry.Record {
	return &registry.Record{ID: id, Slug: slug, Status: registry.StatusActive}
}

func TestResolve_StableWhileActive(t *testing.T) {
	reg := &fakeRegistry{rows: map[string]*registry.Record{
		"acme": activeRecord("tid-1", "acme"),
	}}
	r := New(reg, time.Minute)

	for i := 0; i < 10; i++ {
		id, err := r.Resolve(context.Background(), "acme")
		if err != nil {
			t.Fatalf("Resolve error: %v", err)
		}
		if id != "tid-1" {
			t.Fatalf("id = %q, want tid-1", id)
		}
	}
	if n := reg.lookups.Load(); n != 1 {
		t.Fatalf("registry lookups = %d, want 1 (cache should serve the rest)", n)
	}
}

func TestResolve_NormalizesIdentifier(t *testing.T) {
	reg := &fakeRegistry{rows: map[string]*registry.Record{
		"acme": activeRecord("tid-1", "acme"),
	}}
	r := New(reg, time.Minute)

	id, err := r.Resolve(context.Background(), "  ACME:8443 ")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if id != "tid-1" {
		t.Fatalf("id = %q, want tid-1", id)
	}
}

func TestResolve_Ghost(t *testing.T) {
	r := New(&fakeRegistry{rows: map[string]*registry.Record{}}, time.Minute)

	_, err := r.Resolve(context.Background(), "ghost")
	if !errors.Is(err, ErrTenantNotFound) {
		t.Fatalf("err = %v, want ErrTenantNotFound", err)
	}
}

func TestResolve_SuspendedAfterCached(t *testing.T) {
	rec := activeRecord("tid-acme", "acme")
	reg := &fakeRegistry{rows: map[string]*registry.Record{"acme": rec}}
	r := New(reg, time.Minute)

	if _, err := r.Resolve(context.Background(), "acme"); err != nil {
		t.Fatalf("warm-up Resolve error: %v", err)
	}

	// Administrative suspension: status flips and the admin path calls
	// Invalidate, exactly as the set-status handler does.
	rec.Status = registry.StatusSuspended
	r.Invalidate("acme")

	_, err := r.Resolve(context.Background(), "acme")
	if !errors.Is(err, ErrTenantInactive) {
		t.Fatalf("err = %v, want ErrTenantInactive", err)
	}
}

func TestResolve_TTLExpiry(t *testing.T) {
	rec := activeRecord("tid-acme", "acme")
	reg := &fakeRegistry{rows: map[string]*registry.Record{"acme": rec}}
	r := New(reg, 10*time.Millisecond)

	if _, err := r.Resolve(context.Background(), "acme"); err != nil {
		t.Fatalf("warm-up Resolve error: %v", err)
	}

	// Out-of-band change, no Invalidate.  Visible once the TTL lapses.
	rec.Status = registry.StatusArchived
	time.Sleep(20 * time.Millisecond)

	_, err := r.Resolve(context.Background(), "acme")
	if !errors.Is(err, ErrTenantInactive) {
		t.Fatalf("err = %v, want ErrTenantInactive after TTL expiry", err)
	}
}

func TestResolve_RegistryUnavailablePassesThrough(t *testing.T) {
	reg := &fakeRegistry{err: fmt.Errorf("%w: dial tcp: refused", registry.ErrUnavailable)}
	r := New(reg, time.Minute)

	_, err := r.Resolve(context.Background(), "acme")
	if !errors.Is(err, registry.ErrUnavailable) {
		t.Fatalf("err = %v, want registry.ErrUnavailable", err)
	}
	if errors.Is(err, ErrTenantNotFound) {
		t.Fatal("transient store trouble must not look like NotFound")
	}
	if r.Len() != 0 {
		t.Fatal("failures must not be cached")
	}
}

func TestResolve_ConcurrentSingleflight(t *testing.T) {
	reg := &fakeRegistry{rows: map[string]*registry.Record{
		"acme": activeRecord("tid-1", "acme"),
	}}
	r := New(reg, time.Minute)

	const n = 32
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := r.Resolve(context.Background(), "acme")
			done <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-done; err != nil {
			t.Fatalf("Resolve error: %v", err)
		}
	}
	// Up to a handful of lookups can slip past the cold cache before the
	// singleflight barrier forms, but nothing near one per caller.
	if n := reg.lookups.Load(); n > 3 {
		t.Fatalf("registry lookups = %d, want singleflight to collapse them", n)
	}
}
