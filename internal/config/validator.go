// internal/config/validator.go
//
// Thin wrapper around go-playground/validator.
//
// Context
// -------
// `internal/config/loader.go` calls `validateStruct` immediately after it
// unmarshals the merged Koanf tree into a `Config` instance.  Any tag
// mismatch or validation error aborts startup, ensuring the binary never
// runs with partial, malformed, or missing configuration.
//
// Rules in play today: `required` on the control-plane DSN and the tenant
// DSN template, `hostname_port` on the listen address, `min` bounds on
// pool sizing and migration concurrency, and the custom `dsn_template`
// rule below.

package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

//
// validator instance (package-level singleton)
//

var v = newValidator()

// newValidator registers the custom rules.
//
// dsn_template: the per-tenant DSN template is interpolated with fmt using
// exactly three %s verbs (user, password, database).  A wrong verb count
// would otherwise surface much later, as an open failure on the first
// provision followed by compensation; this rejects it at startup.
func newValidator() *validator.Validate {
	val := validator.New()
	_ = val.RegisterValidation("dsn_template", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return strings.Count(s, "%s") == 3 && strings.Count(s, "%") == 3
	})
	return val
}

//
// public API
//

// validateStruct returns the first validation error, or nil on success.
func validateStruct(c *Config) error {
	return v.Struct(c)
}
