// internal/config/loader.go
//
// Configuration loader.
//
/*
Context
--------
`Load()` builds one immutable `Config` struct from three layers (highest
precedence last):

  1. Optional `.env` file at `<root>/conf/.env`.
  2. `conf/global.yaml`.
  3. Environment variables prefixed `WARDEN_`, where `__` maps to “.”
     (e.g., `WARDEN_HTTP__LISTEN_ADDR → http.listen_addr`).

After merging, the tree is unmarshalled into strongly-typed structs,
validated, defaulted, enriched with the runtime root path, and cached in
an `atomic.Pointer` for lock-free reads.  `Reload()` simply calls `Load()`
again and swaps the pointer.

Notes
-----
  • `rootDir()` climbs the cwd tree until it finds `conf/global.yaml`;
    this lets `go run ./cmd/wardend` work from any sub-directory.
  • Duration fields accept Go duration strings ("30s", "5m") courtesy of
    Koanf's mapstructure decode hooks.
*/
package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	koanf "github.com/knadh/koanf/v2"
	"go.uber.org/zap"
)

var current atomic.Pointer[Config]

/*──────────────────────────── root discovery ───────────────────────────────*/

// rootDir resolves WARDEN_ROOT or climbs directories until conf/global.yaml
// is found.  Falls back to executable heuristic for production layout.
func rootDir() string {
	if r := os.Getenv("WARDEN_ROOT"); r != "" {
		return r
	}

	wd, _ := os.Getwd()
	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, "conf", "global.yaml")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir { // reached filesystem root
			break
		}
		dir = parent
	}

	exe, _ := os.Executable()
	if filepath.Base(filepath.Dir(exe)) == "bin" {
		return filepath.Dir(filepath.Dir(exe))
	}
	return wd
}

/*─────────────────────────────── loader ───────────────────────────────────*/

// Load reads .env, YAML, env overrides, validates, and caches Config.
func Load() (*Config, error) {
	root := rootDir()
	zap.S().Debugw("config root resolved", "root", root)

	// .env (optional, no error if missing)
	_ = godotenv.Load(filepath.Join(root, "conf", ".env"))

	k := koanf.New(".")

	yamlPath := filepath.Join(root, "conf", "global.yaml")
	if err := k.Load(file.Provider(yamlPath), yaml.Parser()); err != nil {
		zap.S().Errorw("config yaml load failed", "file", yamlPath, "err", err)
		return nil, err
	}
	zap.S().Debugw("config yaml loaded", "file", yamlPath)

	// Env overrides: WARDEN_HTTP__LISTEN_ADDR → http.listen_addr
	if err := k.Load(env.Provider("WARDEN_", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "__", "."))
	}), nil); err != nil {
		zap.S().Errorw("config env overlay failed", "err", err)
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		zap.S().Errorw("config unmarshal failed", "err", err)
		return nil, err
	}

	cfg.Paths.Root = root
	applyDefaults(&cfg)
	if err := validateStruct(&cfg); err != nil {
		zap.S().Errorw("config validation failed", "err", err)
		return nil, err
	}

	current.Store(&cfg)
	zap.S().Infow("config loaded",
		"listen_addr", cfg.HTTP.ListenAddr,
		"pool_max_size", cfg.Pool.MaxSize,
		"root", cfg.Paths.Root,
	)
	return &cfg, nil
}

// applyDefaults fills tunables that are optional in YAML.  Required fields
// stay zero so validation can reject them.
func applyDefaults(c *Config) {
	if c.HTTP.ListenAddr == "" {
		c.HTTP.ListenAddr = ":8089"
	}
	if c.Pool.MaxSize == 0 {
		c.Pool.MaxSize = 5
	}
	if c.Pool.IdleTimeout == 0 {
		c.Pool.IdleTimeout = 30 * time.Minute
	}
	if c.Pool.AcquireTimeout == 0 {
		c.Pool.AcquireTimeout = 5 * time.Second
	}
	if c.Pool.EvictInterval == 0 {
		c.Pool.EvictInterval = 5 * time.Minute
	}
	if c.Pool.DrainTimeout == 0 {
		c.Pool.DrainTimeout = 30 * time.Second
	}
	if c.Resolver.CacheTTL == 0 {
		c.Resolver.CacheTTL = 30 * time.Second
	}
	if c.Migrate.Concurrency == 0 {
		c.Migrate.Concurrency = 4
	}
}

/*──────────────────────────── helpers ─────────────────────────────────────*/

func Get() *Config  { return current.Load() }
func Reload() error { _, err := Load(); return err }
