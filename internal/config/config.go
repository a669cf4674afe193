package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"gracechurch.org/authz/internal/guard"
)

// Config holds runtime configuration read from AUTHZ_* environment variables.
type Config struct {
	Env          string        `envconfig:"ENV" default:"development"`
	HTTPAddr     string        `envconfig:"HTTP_ADDR" default:":8080"`
	GRPCAddr     string        `envconfig:"GRPC_ADDR" default:":9090"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"15s"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// PGDSN selects the PostgreSQL store; empty runs on the in-memory store.
	PGDSN    string `envconfig:"PG_DSN"`
	SeedDemo bool   `envconfig:"SEED_DEMO" default:"false"`

	// TokenSecret verifies HS256 session tokens issued by the login layer.
	TokenSecret string `envconfig:"TOKEN_SECRET"`
	TokenIssuer string `envconfig:"TOKEN_ISSUER"`

	RoutePolicyFile string `envconfig:"ROUTE_POLICY_FILE"`
	UnmatchedRoutes string `envconfig:"UNMATCHED_ROUTES" default:"allow"`
	TimeZone        string `envconfig:"TIME_ZONE" default:"Local"`

	RedisAddr  string `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	ReviewCron string `envconfig:"REVIEW_CRON" default:"0 6 * * *"`

	RateLimitRPS   float64 `envconfig:"RATE_LIMIT_RPS" default:"20"`
	RateLimitBurst int     `envconfig:"RATE_LIMIT_BURST" default:"40"`

	// TrustedProxies lists addresses or CIDR prefixes of reverse proxies whose
	// X-Forwarded-For header names the client.
	TrustedProxies []string `envconfig:"TRUSTED_PROXIES"`

	AuditBuffer int `envconfig:"AUDIT_BUFFER" default:"1024"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("authz", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.UnmatchedRoutes {
	case "allow", "deny":
	default:
		return fmt.Errorf("unmatched routes must be allow or deny, got %q", c.UnmatchedRoutes)
	}
	if c.IsProduction() && c.TokenSecret == "" {
		return errors.New("token secret must be provided in production")
	}
	if c.AuditBuffer <= 0 {
		return errors.New("audit buffer must be positive")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.ProxyPrefixes(); err != nil {
		return err
	}
	return nil
}

// ProxyPrefixes parses TrustedProxies. A bare address becomes a single-host prefix.
func (c *Config) ProxyPrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// IsProduction returns true when the service runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.Env == "production"
}

// DenyUnmatched reports whether routes without a policy are denied.
func (c *Config) DenyUnmatched() bool { return c.UnmatchedRoutes == "deny" }

// Location resolves TimeZone for time window constraints.
func (c *Config) Location() (*time.Location, error) {
	if c.TimeZone == "" || c.TimeZone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("load time zone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

//go:embed routes.yaml
var defaultRoutes []byte

type routeFile struct {
	Routes []guard.Policy `yaml:"routes"`
}

// LoadRoutePolicies reads the route table from path, or the built-in table when path
// is empty. The table is validated before it is returned.
func LoadRoutePolicies(path string) ([]guard.Policy, error) {
	raw := defaultRoutes
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read route policies: %w", err)
		}
		raw = b
	}
	return ParseRoutePolicies(raw)
}

// ParseRoutePolicies decodes a YAML route table.
func ParseRoutePolicies(raw []byte) ([]guard.Policy, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var f routeFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode route policies: %w", err)
	}
	if _, err := guard.NewMatcher(f.Routes); err != nil {
		return nil, err
	}
	return f.Routes, nil
}
