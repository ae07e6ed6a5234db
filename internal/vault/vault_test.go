// internal/vault/vault_test.go
//
// Tests for the locator-URI parsing.  Everything that talks to a live
// Vault server is exercised in staging, not here.

package vault

import (
	"context"
	"testing"
)

func TestIsURI(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"vault:secret/warden#tenant_password", true},
		{"vault:", true},
		{"user:pw@tcp(127.0.0.1:3306)/db", false},
		{"", false},
	}
	for _, c := range cases {
		if got := IsURI(c.in); got != c.want {
			t.Errorf("IsURI(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestResolve_NonURIPassesThrough(t *testing.T) {
	c := &Client{}
	dsn := "user:pw@tcp(127.0.0.1:3306)/db"
	got, err := c.Resolve(context.Background(), dsn)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if got != dsn {
		t.Fatalf("Resolve = %q, want the input unchanged", got)
	}
}

func TestResolve_MalformedURI(t *testing.T) {
	c := &Client{}
	for _, in := range []string{"vault:", "vault:secret/warden", "vault:#key", "vault:secret/warden#"} {
		if _, err := c.Resolve(context.Background(), in); err == nil {
			t.Errorf("Resolve(%q) succeeded, want parse error", in)
		}
	}
}

func TestSplitMount(t *testing.T) {
	cases := []struct {
		in, mount, rel string
	}{
		{"secret/warden/tenants", "secret", "warden/tenants"},
		{"secret", "secret", ""},
		{"", "", ""},
	}
	for _, c := range cases {
		mount, rel := splitMount(c.in)
		if mount != c.mount || rel != c.rel {
			t.Errorf("splitMount(%q) = (%q, %q), want (%q, %q)", c.in, mount, rel, c.mount, c.rel)
		}
	}
}
