// internal/config/model.go
//
// Typed configuration model for Warden.
//
// Context
// -------
// These structs define the shape of the configuration tree that
// `internal/config/loader.go` builds from three overlay layers:
//
//   • optional `.env`                          – dotenv values,
//   • `conf/global.yaml`                       – primary static file,
//   • `WARDEN_`-prefixed environment overrides – highest precedence.
//
// Any value whose string begins with the prefix `vault:` is resolved
// through the Vault client at the point of use, so the model never holds
// plaintext secrets that were stored in Vault.
//
// Validation happens immediately after unmarshal; the daemon fails fast if
// required fields are missing.
//
// Notes
// -----
//   • Struct tags use `koanf:"…"`, not `yaml:"…"`—Koanf ignores `yaml` tags
//     unless configured otherwise.
//   • The `Paths` block is filled at runtime; YAML must not try to set it.
package config

import "time"

//
// HTTP section
//

// HTTP holds admin-server tunables.  AdminToken gates every mutating
// endpoint; an empty token disables the admin surface entirely.
type HTTP struct {
	ListenAddr string `koanf:"listen_addr" validate:"required,hostname_port"`
	AdminToken string `koanf:"admin_token"`
}

//
// Database section
//

// Database holds the control-plane DSN and the per-tenant DSN template.
//
// ControlDSN points at the control-plane schema that owns the `tenant`
// table.  TenantDSNTemplate is a fmt template with three %s verbs (user,
// password, database; user and database both take the tenant key) used by
// provisioning to mint new locators; the locator stored in the registry is
// the already-expanded string.
type Database struct {
	ControlDSN        string `koanf:"control_dsn"         validate:"required"`
	TenantDSNTemplate string `koanf:"tenant_dsn_template" validate:"required,dsn_template"`
	TenantPassword    string `koanf:"tenant_password"`
}

//
// Pool section
//

// Pool carries manager-wide engine defaults.  Every field can be
// overridden per tenant through the registry's pool_* columns; the
// cascade is tenant override first, then these values.
type Pool struct {
	MaxSize        int           `koanf:"max_size"        validate:"min=1"`
	MaxOverflow    int           `koanf:"max_overflow"    validate:"min=0"`
	IdleTimeout    time.Duration `koanf:"idle_timeout"`
	AcquireTimeout time.Duration `koanf:"acquire_timeout"`
	EvictInterval  time.Duration `koanf:"evict_interval"`
	DrainTimeout   time.Duration `koanf:"drain_timeout"`
}

//
// Resolver section
//

// Resolver bounds registry load from the request path.
type Resolver struct {
	CacheTTL time.Duration `koanf:"cache_ttl"`
}

//
// Migrate section
//

// Migrate caps fan-out so a fleet-wide run cannot overwhelm the shared
// database server that hosts every tenant schema.
type Migrate struct {
	Concurrency int `koanf:"concurrency" validate:"min=1"`
}

//
// Paths section (runtime only)
//

// Paths is resolved at runtime—never set in YAML or env.  The loader
// discovers `Root` (repo root or WARDEN_ROOT override) so later code can
// build absolute file paths.
type Paths struct {
	Root string // WARDEN_ROOT or discovered parent
}

//
// Root aggregate
//

// Config is the immutable aggregate returned by Load() and cached in an
// atomic.Pointer for lock-free reads throughout the daemon lifetime.
type Config struct {
	HTTP     HTTP     `koanf:"http"`
	Database Database `koanf:"database"`
	Pool     Pool     `koanf:"pool"`
	Resolver Resolver `koanf:"resolver"`
	Migrate  Migrate  `koanf:"migrate"`
	Paths    Paths    `koanf:"-"` // not loaded from config files
}
