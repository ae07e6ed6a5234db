// internal/admin/router.go
//
// Administrative HTTP surface.
//
// Context
// -------
// A thin chi router consumed by an external CLI/admin tool.  It exposes
// exactly the operator contract: provision-tenant, migrate-all,
// list-tenants, set-status, plus live engine stats.  Request bodies and
// responses are JSON; errors map onto the subsystem taxonomy (see
// writeErr).  The registry record's locator never appears in a response —
// the Record type excludes it from JSON.
//
// Workflow
// --------
// Dependencies arrive as narrow interfaces so handler tests can inject
// fakes without a database; the daemon wires the real registry store,
// provisioning workflow, migration runner, engine manager, and resolver
// in cmd/wardend.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/yanizio/warden/internal/engine"
	"github.com/yanizio/warden/internal/migrate"
	"github.com/yanizio/warden/internal/provision"
	"github.com/yanizio/warden/internal/registry"
	"github.com/yanizio/warden/internal/resolver"
)

//
// Dependency surface
//

// Deps aggregates everything the router needs.
type Deps struct {
	Registry    RegistryAPI
	Provisioner Provisioner
	Runner      Runner
	Engines     Engines
	Resolver    CacheInvalidator
	Baseline    migrate.Migration
	Log         *zap.SugaredLogger
}

// RegistryAPI is the admin slice of the control-plane store.
type RegistryAPI interface {
	ByID(ctx context.Context, id string) (*registry.Record, error)
	List(ctx context.Context, statuses ...registry.Status) ([]registry.Record, error)
	UpdateStatus(ctx context.Context, id string, to registry.Status) error
}

// Provisioner runs the provisioning workflow.
type Provisioner interface {
	Provision(ctx context.Context, slug, name string) (*registry.Record, error)
}

// Runner fans a migration out across the fleet.
type Runner interface {
	Run(ctx context.Context, m migrate.Migration, statuses ...registry.Status) (*migrate.Report, error)
}

// Engines is the admin slice of the engine manager.
type Engines interface {
	Acquire(ctx context.Context, tenantID string) (*engine.Handle, error)
	Release(h *engine.Handle)
	Stats() []engine.Stats
	Remove(tenantID string)
}

// CacheInvalidator drops a resolver cache entry after a status change and
// resolves slugs for the probe endpoint.
type CacheInvalidator interface {
	Resolve(ctx context.Context, raw string) (string, error)
	Invalidate(slug string)
}

// Router assembles the admin surface behind bearer-token auth.
func Router(d Deps, token string) http.Handler {
	r := chi.NewRouter()
	r.Use(Auth(token))

	r.Get("/tenants", d.listTenants)
	r.Post("/tenants", d.provisionTenant)
	r.Put("/tenants/{id}/status", d.setStatus)
	r.Get("/tenants/{slug}/ping", d.pingTenant)
	r.Post("/migrations/run", d.runMigration)
	r.Get("/engines", d.engineStats)

	return r
}

//
// Handlers
//

func (d Deps) listTenants(w http.ResponseWriter, r *http.Request) {
	var statuses []registry.Status
	if s := r.URL.Query().Get("status"); s != "" {
		st := registry.Status(s)
		if !st.Valid() {
			writeJSONError(w, http.StatusBadRequest, "unknown status "+s)
			return
		}
		statuses = append(statuses, st)
	}
	rows, err := d.Registry.List(r.Context(), statuses...)
	if err != nil {
		d.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (d Deps) provisionTenant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Slug string `json:"slug"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed body")
		return
	}
	rec, err := d.Provisioner.Provision(r.Context(), req.Slug, req.Name)
	if err != nil {
		d.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (d Deps) setStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Status registry.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := d.Registry.UpdateStatus(r.Context(), id, req.Status); err != nil {
		d.writeErr(w, err)
		return
	}

	// Keep the request path honest: drop the cached resolution and tear
	// the live engine down when the tenant leaves active.
	rec, err := d.Registry.ByID(r.Context(), id)
	if err == nil {
		d.Resolver.Invalidate(rec.Slug)
	}
	if req.Status != registry.StatusActive {
		d.Engines.Remove(id)
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(req.Status)})
}

func (d Deps) runMigration(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Statuses []registry.Status `json:"statuses,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "malformed body")
			return
		}
	}
	for _, st := range req.Statuses {
		if !st.Valid() {
			writeJSONError(w, http.StatusBadRequest, "unknown status "+string(st))
			return
		}
	}
	report, err := d.Runner.Run(r.Context(), d.Baseline, req.Statuses...)
	if err != nil {
		d.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// pingTenant walks the full request path — resolve slug, acquire the
// engine, check a connection out, SELECT 1 — so operators can verify a
// tenant end to end.
func (d Deps) pingTenant(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	id, err := d.Resolver.Resolve(r.Context(), slug)
	if err != nil {
		d.writeErr(w, err)
		return
	}
	h, err := d.Engines.Acquire(r.Context(), id)
	if err != nil {
		d.writeErr(w, err)
		return
	}
	defer d.Engines.Release(h)

	conn, err := h.Conn(r.Context())
	if err != nil {
		d.writeErr(w, err)
		return
	}
	defer conn.Close()

	var one int
	if err := conn.GetContext(r.Context(), &one, "SELECT 1"); err != nil {
		d.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant_id": id, "stats": h.Stats()})
}

func (d Deps) engineStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.Engines.Stats())
}

//
// Response helpers
//

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeErr maps subsystem errors onto HTTP statuses: not-found → 404,
// caller mistakes → 4xx, transient store trouble → 503, the rest → 500.
func (d Deps) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, resolver.ErrTenantNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrBadTransition),
		errors.Is(err, provision.ErrInvalidSlug):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, provision.ErrSlugTaken),
		errors.Is(err, resolver.ErrTenantInactive),
		errors.Is(err, engine.ErrTenantNotActive):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrUnavailable),
		errors.Is(err, engine.ErrPoolExhausted),
		errors.Is(err, engine.ErrManagerClosed):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		d.Log.Errorw("admin request failed", "err", err)
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}
