// internal/migrate/report.go
//
// Structured outcome of one fleet migration run.  Administrative errors
// surface as this report, never as a single pass/fail flag: one bad
// tenant database must not mask the other ninety-nine.
package migrate

import "time"

// Result is the outcome for one tenant.
type Result struct {
	TenantID string        `json:"tenant_id"`
	Slug     string        `json:"slug"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"error,omitempty"`
}

// OK reports whether the tenant migrated cleanly.
func (r Result) OK() bool { return r.Err == "" }

// Report lists every tenant's outcome for one migration run.
type Report struct {
	Migration  string    `json:"migration"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Results    []Result  `json:"results"`
}

// Succeeded counts clean tenants.
func (r *Report) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.OK() {
			n++
		}
	}
	return n
}

// Failed counts tenants whose migration errored.
func (r *Report) Failed() int { return len(r.Results) - r.Succeeded() }
