// internal/registry/model.go
//
// `tenant` table row model and status state machine.
//
// Context
// -------
// The `Record` struct mirrors one row in the persistent **tenant** table,
// the control-plane store.  It is used by the engine loader to open
// per-tenant pools, and by the admin surface that lists or edits tenants.
//
// Schema reference (2026-08-23)
//
//	CREATE TABLE tenant (
//	    id                      CHAR(36)      PRIMARY KEY,
//	    slug                    VARCHAR(100)  NOT NULL UNIQUE,
//	    name                    VARCHAR(256)  NOT NULL,
//	    dsn                     VARCHAR(512)  NOT NULL UNIQUE,
//	    status                  VARCHAR(16)   NOT NULL DEFAULT 'provisioning',
//	    pool_max_size           INT           NULL,
//	    pool_max_overflow       INT           NULL,
//	    pool_idle_timeout_s     INT           NULL,
//	    pool_acquire_timeout_ms INT           NULL,
//	    created_at              TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
//	    updated_at              TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
//	                                      ON UPDATE CURRENT_TIMESTAMP
//	);
//
// Notes
// -----
// • `slug` and `id` are immutable after creation; renames need a new row.
// • The UNIQUE keys on `slug` and `dsn` enforce the one-active-record-per-
//   slug and one-locator-per-tenant invariants at the store level.
// • `DSN` is a secret.  It is excluded from JSON and must never be logged;
//   diagnostics identify tenants by id or slug only.
// • Nullable pool_* columns are pointers; nil means “use manager default”.
// • This struct contains no behaviour beyond accessors—data model for
//   sqlx scans.
package registry

import (
	"fmt"
	"time"
)

//
// Status state machine
//

// Status is the lifecycle state of a tenant record.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusActive       Status = "active"
	StatusSuspended    Status = "suspended"
	StatusArchived     Status = "archived"
)

// Valid reports whether s is one of the four known states.
func (s Status) Valid() bool {
	switch s {
	case StatusProvisioning, StatusActive, StatusSuspended, StatusArchived:
		return true
	}
	return false
}

// transitions maps each state to the states it may move to.  Archived is
// terminal: the row is retained for audit and no engine is ever created
// for it again.
var transitions = map[Status][]Status{
	StatusProvisioning: {StatusActive},
	StatusActive:       {StatusSuspended, StatusArchived},
	StatusSuspended:    {StatusActive, StatusArchived},
	StatusArchived:     {},
}

// CanTransition reports whether from → to is an allowed administrative
// move.  The initial provisioning → active flip is driven by the
// provisioning workflow; everything else is an operator action.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

//
// Record
//

// Record mirrors one row in the `tenant` table.
type Record struct {
	ID     string `db:"id"     json:"id"`
	Slug   string `db:"slug"   json:"slug"`
	Name   string `db:"name"   json:"name"`
	DSN    string `db:"dsn"    json:"-"` // database locator, secret
	Status Status `db:"status" json:"status"`

	PoolMaxSize          *int `db:"pool_max_size"           json:"pool_max_size,omitempty"`
	PoolMaxOverflow      *int `db:"pool_max_overflow"       json:"pool_max_overflow,omitempty"`
	PoolIdleTimeoutS     *int `db:"pool_idle_timeout_s"     json:"pool_idle_timeout_s,omitempty"`
	PoolAcquireTimeoutMS *int `db:"pool_acquire_timeout_ms" json:"pool_acquire_timeout_ms,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// PoolOverride is the per-tenant slice of the pool-config cascade.  Nil
// fields fall through to the manager defaults.
type PoolOverride struct {
	MaxSize        *int
	MaxOverflow    *int
	IdleTimeout    *time.Duration
	AcquireTimeout *time.Duration
}

// PoolOverride converts the nullable pool_* columns into durations.
func (r *Record) PoolOverride() PoolOverride {
	o := PoolOverride{
		MaxSize:     r.PoolMaxSize,
		MaxOverflow: r.PoolMaxOverflow,
	}
	if r.PoolIdleTimeoutS != nil {
		d := time.Duration(*r.PoolIdleTimeoutS) * time.Second
		o.IdleTimeout = &d
	}
	if r.PoolAcquireTimeoutMS != nil {
		d := time.Duration(*r.PoolAcquireTimeoutMS) * time.Millisecond
		o.AcquireTimeout = &d
	}
	return o
}

// String identifies the record without leaking the locator.
func (r *Record) String() string {
	return fmt.Sprintf("tenant %s (%s, %s)", r.Slug, r.ID, r.Status)
}
