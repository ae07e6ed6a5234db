// internal/engine/manager_test.go
//
// Unit-tests for the engine pool manager.
//
// Context
// -------
// openRecorder stands in for database.OpenWithOptions: it hands out
// sqlmock-backed pools and counts calls, so the tests can assert the
// singleflight guarantee (one creation per cold start, no matter how many
// concurrent callers) and drive eviction deterministically via sweep.
//
// Run: go test ./internal/engine -v

package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/yanizio/warden/internal/database"
	"github.com/yanizio/warden/internal/registry"
)

//
// Fakes
//

type fakeReg struct {
	recs  map[string]*registry.Record
	calls atomic.Int64
}

func (f *fakeReg) ByID(_ context.Context, id string) (*registry.Record, error) {
	f.calls.Add(1)
	rec, ok := f.recs[id]
	if !ok {
		return nil, registry.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// openRecorder counts pool creations and keeps each pool's mock so tests
// can verify Close expectations.
type openRecorder struct {
	mu    sync.Mutex
	mocks []sqlmock.Sqlmock

	calls atomic.Int64
	delay time.Duration
	err   error
}

func (o *openRecorder) open(_ context.Context, _ string, opts database.Options) (*sqlx.DB, error) {
	o.calls.Add(1)
	if o.delay > 0 {
		time.Sleep(o.delay)
	}
	if o.err != nil {
		return nil, o.err
	}
	db, mock, err := sqlmock.New()
	if err != nil {
		return nil, err
	}
	mock.ExpectClose()

	sdb := sqlx.NewDb(db, "sqlmock")
	sdb.SetMaxOpenConns(opts.MaxOpenConns)
	sdb.SetMaxIdleConns(opts.MaxIdleConns)

	o.mu.Lock()
	o.mocks = append(o.mocks, mock)
	o.mu.Unlock()
	return sdb, nil
}

func activeTenant(id, slug string) *registry.Record {
	return &registry.Record{
		ID:     id,
		Slug:   slug,
		DSN:    slug + ":pw@tcp(127.0.0.1:3306)/" + slug,
		Status: registry.StatusActive,
	}
}

// newTestManager wires a Manager with the fake open path and a long evict
// interval so only explicit sweep calls tear anything down.
func newTestManager(t *testing.T, reg Registry, rec *openRecorder, def Defaults) *Manager {
	t.Helper()
	if def.EvictInterval == 0 {
		def.EvictInterval = time.Hour
	}
	m := New(reg, nil, def, zap.NewNop().Sugar())
	m.open = rec.open
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

//
// Acquisition
//

func TestAcquire_SingleflightColdStart(t *testing.T) {
	reg := &fakeReg{recs: map[string]*registry.Record{"t1": activeTenant("t1", "acme")}}
	rec := &openRecorder{delay: 20 * time.Millisecond} // widen the race window
	m := newTestManager(t, reg, rec, Defaults{})

	const n = 16
	handles := make(chan *Handle, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			h, err := m.Acquire(context.Background(), "t1")
			handles <- h
			errs <- err
		}()
	}
	var first *Handle
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Acquire error: %v", err)
		}
		h := <-handles
		if first == nil {
			first = h
		} else if h != first {
			t.Fatal("concurrent cold-start callers got different handles")
		}
		m.Release(h)
	}
	if got := rec.calls.Load(); got != 1 {
		t.Fatalf("pool creations = %d, want 1", got)
	}
	if got := reg.calls.Load(); got != 1 {
		t.Fatalf("registry lookups = %d, want 1", got)
	}
}

func TestAcquire_WarmPathSkipsRegistry(t *testing.T) {
	reg := &fakeReg{recs: map[string]*registry.Record{"t1": activeTenant("t1", "acme")}}
	rec := &openRecorder{}
	m := newTestManager(t, reg, rec, Defaults{})

	for i := 0; i < 5; i++ {
		h, err := m.Acquire(context.Background(), "t1")
		if err != nil {
			t.Fatalf("Acquire error: %v", err)
		}
		m.Release(h)
	}
	if got := reg.calls.Load(); got != 1 {
		t.Fatalf("registry lookups = %d, want 1 (warm path must not hit the store)", got)
	}
}

func TestAcquire_TenantNotFound(t *testing.T) {
	m := newTestManager(t, &fakeReg{recs: map[string]*registry.Record{}}, &openRecorder{}, Defaults{})

	_, err := m.Acquire(context.Background(), "ghost")
	if !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("err = %v, want registry.ErrNotFound", err)
	}
}

func TestAcquire_TenantNotActive(t *testing.T) {
	rec := activeTenant("t1", "acme")
	rec.Status = registry.StatusSuspended
	m := newTestManager(t, &fakeReg{recs: map[string]*registry.Record{"t1": rec}}, &openRecorder{}, Defaults{})

	_, err := m.Acquire(context.Background(), "t1")
	if !errors.Is(err, ErrTenantNotActive) {
		t.Fatalf("err = %v, want ErrTenantNotActive", err)
	}
}

func TestAcquire_CreationFailureRedactsLocator(t *testing.T) {
	tn := activeTenant("t1", "acme")
	open := &openRecorder{err: fmt.Errorf("dial tcp: cannot reach %s", tn.DSN)}
	m := newTestManager(t, &fakeReg{recs: map[string]*registry.Record{"t1": tn}}, open, Defaults{})

	_, err := m.Acquire(context.Background(), "t1")
	if !errors.Is(err, ErrEngineCreationFailed) {
		t.Fatalf("err = %v, want ErrEngineCreationFailed", err)
	}
	if strings.Contains(err.Error(), tn.DSN) {
		t.Fatalf("error leaks the locator: %v", err)
	}
	if !strings.Contains(err.Error(), "<locator>") {
		t.Fatalf("expected redaction marker in %v", err)
	}
}

func TestAcquire_InvalidPoolOverride(t *testing.T) {
	tn := activeTenant("t1", "acme")
	bad := -1
	tn.PoolMaxSize = &bad
	m := newTestManager(t, &fakeReg{recs: map[string]*registry.Record{"t1": tn}}, &openRecorder{}, Defaults{})

	_, err := m.Acquire(context.Background(), "t1")
	if !errors.Is(err, ErrInvalidPoolConfig) {
		t.Fatalf("err = %v, want ErrInvalidPoolConfig", err)
	}
}

//
// Eviction
//

func TestSweep_EvictsIdleEngine(t *testing.T) {
	reg := &fakeReg{recs: map[string]*registry.Record{"t1": activeTenant("t1", "acme")}}
	rec := &openRecorder{}
	m := newTestManager(t, reg, rec, Defaults{IdleTimeout: time.Minute})

	h, err := m.Acquire(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	m.Release(h)

	// Backdate last use past the idle TTL, then sweep.
	h.lastUsed.Store(time.Now().Add(-2 * time.Minute).UnixNano())
	if got := m.sweep(time.Now().UnixNano()); got != 1 {
		t.Fatalf("sweep evicted %d, want 1", got)
	}
	if got := len(m.Stats()); got != 0 {
		t.Fatalf("live engines after sweep = %d, want 0", got)
	}
	if err := rec.mocks[0].ExpectationsWereMet(); err != nil {
		t.Errorf("pool was not closed: %v", err)
	}

	// The next Acquire must build a fresh engine.
	h2, err := m.Acquire(context.Background(), "t1")
	if err != nil {
		t.Fatalf("re-Acquire error: %v", err)
	}
	m.Release(h2)
	if got := rec.calls.Load(); got != 2 {
		t.Fatalf("pool creations = %d, want 2", got)
	}
}

func TestSweep_SkipsBorrowedEngine(t *testing.T) {
	reg := &fakeReg{recs: map[string]*registry.Record{"t1": activeTenant("t1", "acme")}}
	m := newTestManager(t, reg, &openRecorder{}, Defaults{IdleTimeout: time.Minute})

	h, err := m.Acquire(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}

	h.lastUsed.Store(time.Now().Add(-2 * time.Minute).UnixNano())
	if got := m.sweep(time.Now().UnixNano()); got != 0 {
		t.Fatalf("sweep evicted %d with a live borrower, want 0", got)
	}
	if got := len(m.Stats()); got != 1 {
		t.Fatalf("live engines = %d, want 1", got)
	}
	if h.evicting.Load() {
		t.Fatal("evicting flag must be lowered after a skipped eviction")
	}

	m.Release(h)
	h.lastUsed.Store(time.Now().Add(-2 * time.Minute).UnixNano())
	if got := m.sweep(time.Now().UnixNano()); got != 1 {
		t.Fatalf("sweep after release evicted %d, want 1", got)
	}
}

func TestSweep_FreshEngineStays(t *testing.T) {
	reg := &fakeReg{recs: map[string]*registry.Record{"t1": activeTenant("t1", "acme")}}
	m := newTestManager(t, reg, &openRecorder{}, Defaults{IdleTimeout: time.Minute})

	h, err := m.Acquire(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	m.Release(h)

	if got := m.sweep(time.Now().UnixNano()); got != 0 {
		t.Fatalf("sweep evicted %d fresh engines, want 0", got)
	}
}

func TestRemove_TearsDownIdleEngine(t *testing.T) {
	reg := &fakeReg{recs: map[string]*registry.Record{"t1": activeTenant("t1", "acme")}}
	m := newTestManager(t, reg, &openRecorder{}, Defaults{})

	h, err := m.Acquire(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	m.Release(h)

	m.Remove("t1")
	if got := len(m.Stats()); got != 0 {
		t.Fatalf("live engines after Remove = %d, want 0", got)
	}
}

func TestRemove_DrainsBorrowedEngine(t *testing.T) {
	reg := &fakeReg{recs: map[string]*registry.Record{"t1": activeTenant("t1", "acme")}}
	m := newTestManager(t, reg, &openRecorder{}, Defaults{})

	h, err := m.Acquire(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}

	// A borrower is attached: Remove only dooms the handle.
	m.Remove("t1")
	if got := len(m.Stats()); got != 1 {
		t.Fatalf("live engines = %d, want 1 (borrower still attached)", got)
	}

	// New acquisitions must not hand the doomed handle out.
	if _, err := m.Acquire(context.Background(), "t1"); !errors.Is(err, ErrEngineDraining) {
		t.Fatalf("err = %v, want ErrEngineDraining", err)
	}

	m.Release(h)
	if got := m.sweep(time.Now().UnixNano()); got != 1 {
		t.Fatalf("sweep evicted %d, want 1 once borrowers drained", got)
	}
}

//
// Pool exhaustion
//

func TestConn_PoolExhausted(t *testing.T) {
	reg := &fakeReg{recs: map[string]*registry.Record{"t1": activeTenant("t1", "acme")}}
	m := newTestManager(t, reg, &openRecorder{}, Defaults{
		MaxSize:        1,
		MaxOverflow:    0,
		AcquireTimeout: 75 * time.Millisecond,
	})

	h, err := m.Acquire(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	defer m.Release(h)

	conn, err := h.Conn(context.Background())
	if err != nil {
		t.Fatalf("first Conn error: %v", err)
	}
	defer conn.Close()

	_, err = h.Conn(context.Background())
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}
}

//
// Shutdown
//

func TestShutdown_DisposesEverything(t *testing.T) {
	reg := &fakeReg{recs: map[string]*registry.Record{
		"t1": activeTenant("t1", "acme"),
		"t2": activeTenant("t2", "beta"),
	}}
	rec := &openRecorder{}
	m := New(reg, nil, Defaults{EvictInterval: time.Hour}, zap.NewNop().Sugar())
	m.open = rec.open

	for _, id := range []string{"t1", "t2"} {
		h, err := m.Acquire(context.Background(), id)
		if err != nil {
			t.Fatalf("Acquire(%s) error: %v", id, err)
		}
		m.Release(h)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	if got := len(m.Stats()); got != 0 {
		t.Fatalf("live engines after shutdown = %d, want 0", got)
	}
	for i, mk := range rec.mocks {
		if err := mk.ExpectationsWereMet(); err != nil {
			t.Errorf("pool %d was not closed: %v", i, err)
		}
	}

	if _, err := m.Acquire(context.Background(), "t1"); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("err = %v, want ErrManagerClosed", err)
	}
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown must be a no-op, got %v", err)
	}
}

func TestShutdown_RacesInFlightCreation(t *testing.T) {
	reg := &fakeReg{recs: map[string]*registry.Record{"t1": activeTenant("t1", "acme")}}
	rec := &openRecorder{}
	m := New(reg, nil, Defaults{EvictInterval: time.Hour}, zap.NewNop().Sugar())

	entered := make(chan struct{})
	gate := make(chan struct{})
	m.open = func(ctx context.Context, dsn string, o database.Options) (*sqlx.DB, error) {
		close(entered)
		<-gate
		return rec.open(ctx, dsn, o)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := m.Acquire(context.Background(), "t1")
		errc <- err
	}()

	// Shut down while the pool creation is still dialing, then let it
	// finish.  The late creation must not outlive the manager.
	<-entered
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	close(gate)

	if err := <-errc; !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("Acquire err = %v, want ErrManagerClosed", err)
	}
	if got := len(m.Stats()); got != 0 {
		t.Fatalf("live engines after shutdown = %d, want 0", got)
	}
	if err := rec.mocks[0].ExpectationsWereMet(); err != nil {
		t.Errorf("late-created pool was not closed: %v", err)
	}
}

//
// Settings cascade
//

func TestResolveSettings(t *testing.T) {
	def := Defaults{
		MaxSize:        5,
		MaxOverflow:    5,
		IdleTimeout:    30 * time.Minute,
		AcquireTimeout: 5 * time.Second,
	}
	intp := func(v int) *int { return &v }
	durp := func(v time.Duration) *time.Duration { return &v }

	t.Run("defaults pass through", func(t *testing.T) {
		s, err := resolveSettings(registry.PoolOverride{}, def)
		if err != nil {
			t.Fatalf("resolveSettings error: %v", err)
		}
		if s.maxSize != 5 || s.maxOverflow != 5 || s.idleTimeout != 30*time.Minute || s.acquireTimeout != 5*time.Second {
			t.Fatalf("unexpected settings: %+v", s)
		}
	})

	t.Run("fields cascade independently", func(t *testing.T) {
		s, err := resolveSettings(registry.PoolOverride{
			MaxSize:     intp(20),
			IdleTimeout: durp(time.Minute),
		}, def)
		if err != nil {
			t.Fatalf("resolveSettings error: %v", err)
		}
		if s.maxSize != 20 || s.idleTimeout != time.Minute {
			t.Fatalf("override lost: %+v", s)
		}
		if s.maxOverflow != 5 || s.acquireTimeout != 5*time.Second {
			t.Fatalf("unset fields must keep defaults: %+v", s)
		}
	})

	t.Run("rejects non-positive size", func(t *testing.T) {
		_, err := resolveSettings(registry.PoolOverride{MaxSize: intp(0)}, def)
		if !errors.Is(err, ErrInvalidPoolConfig) {
			t.Fatalf("err = %v, want ErrInvalidPoolConfig", err)
		}
	})

	t.Run("rejects negative overflow", func(t *testing.T) {
		_, err := resolveSettings(registry.PoolOverride{MaxOverflow: intp(-1)}, def)
		if !errors.Is(err, ErrInvalidPoolConfig) {
			t.Fatalf("err = %v, want ErrInvalidPoolConfig", err)
		}
	})
}
