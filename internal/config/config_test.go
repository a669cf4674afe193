package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.UnmatchedRoutes != "allow" || cfg.AuditBuffer != 1024 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.DenyUnmatched() {
		t.Fatal("default must allow unmatched routes")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("AUTHZ_HTTP_ADDR", ":9999")
	t.Setenv("AUTHZ_UNMATCHED_ROUTES", "deny")
	t.Setenv("AUTHZ_RATE_LIMIT_RPS", "2.5")
	t.Setenv("AUTHZ_READ_TIMEOUT", "3s")
	t.Setenv("AUTHZ_TIME_ZONE", "UTC")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9999" || !cfg.DenyUnmatched() || cfg.RateLimitRPS != 2.5 || cfg.ReadTimeout != 3*time.Second {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	loc, err := cfg.Location()
	if err != nil || loc != time.UTC {
		t.Fatalf("Location: %v %v", loc, err)
	}
}

func TestTrustedProxies(t *testing.T) {
	t.Setenv("AUTHZ_TRUSTED_PROXIES", "10.1.2.3/8, 192.168.0.7,::1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	prefixes, err := cfg.ProxyPrefixes()
	if err != nil {
		t.Fatalf("ProxyPrefixes: %v", err)
	}
	want := []string{"10.0.0.0/8", "192.168.0.7/32", "::1/128"}
	if len(prefixes) != len(want) {
		t.Fatalf("expected %v, got %v", want, prefixes)
	}
	for i := range want {
		if prefixes[i].String() != want[i] {
			t.Fatalf("expected %v, got %v", want, prefixes)
		}
	}

	empty := &Config{}
	if got, err := empty.ProxyPrefixes(); err != nil || len(got) != 0 {
		t.Fatalf("expected no proxies by default, got %v %v", got, err)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"AUTHZ_UNMATCHED_ROUTES": "maybe",
		"AUTHZ_AUDIT_BUFFER":     "0",
		"AUTHZ_TIME_ZONE":        "Nowhere/Atlantis",
		"AUTHZ_TRUSTED_PROXIES":  "10.0.0.0/8,not-an-ip",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", key, value)
			}
		})
	}

	t.Run("production without secret", func(t *testing.T) {
		t.Setenv("AUTHZ_ENV", "production")
		t.Setenv("AUTHZ_TOKEN_SECRET", "")
		if _, err := Load(); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestDefaultRoutePolicies(t *testing.T) {
	policies, err := LoadRoutePolicies("")
	if err != nil {
		t.Fatalf("LoadRoutePolicies: %v", err)
	}
	found := false
	for _, p := range policies {
		if p.Pattern == "/admin/members/*" {
			found = p.DataLevel && p.Permission == "members.view"
		}
	}
	if !found {
		t.Fatalf("expected members policy in %+v", policies)
	}
}

func TestLoadRoutePoliciesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.yaml")
	content := "routes:\n  - pattern: /giving/*\n    permission: finance.view\n    conditional: true\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	policies, err := LoadRoutePolicies(path)
	if err != nil {
		t.Fatalf("LoadRoutePolicies: %v", err)
	}
	if len(policies) != 1 || !policies[0].Conditional || policies[0].Pattern != "/giving/*" {
		t.Fatalf("unexpected policies: %+v", policies)
	}
}

func TestParseRoutePoliciesRejectsBadTables(t *testing.T) {
	bad := []string{
		"routes:\n  - pattern: /x\n    permision: typo\n",
		"routes:\n  - pattern: no-slash\n    permission: a.b\n",
		"routes:\n  - pattern: /x\n",
		"routes: [",
	}
	for _, raw := range bad {
		if _, err := ParseRoutePolicies([]byte(raw)); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
	if _, err := LoadRoutePolicies("/does/not/exist.yaml"); err == nil {
		t.Fatal("expected read error")
	}
}
