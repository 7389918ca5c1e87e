package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Cache      CacheConfig      `yaml:"cache"`
	Reputation ReputationConfig `yaml:"reputation"`
	DNS        DNSConfig        `yaml:"dns"`
	Redirects  RedirectConfig   `yaml:"redirects"`
	Whois      WhoisConfig      `yaml:"whois"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// VetWait bounds how long POST /vet waits for signals to settle.
	VetWait time.Duration `yaml:"vet_wait"`
	// AllowedOrigins lists extra websocket origins (e.g. "chrome-extension://<id>").
	// Same-origin requests and requests without an Origin header are always allowed.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type CacheConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

type ReputationConfig struct {
	Endpoint string `yaml:"endpoint"`
	// CredentialName is the credential (environment variable) holding the API key.
	CredentialName string        `yaml:"credential_name"`
	Timeout        time.Duration `yaml:"timeout"`
	RatePerMinute  int           `yaml:"rate_per_minute"`
}

type DNSConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Format   string        `yaml:"format"` // "json" | "wire"
	Timeout  time.Duration `yaml:"timeout"`
}

type RedirectConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	MaxHops int           `yaml:"max_hops"`
}

type WhoisConfig struct {
	Enabled       bool          `yaml:"enabled"`
	NewDomainDays int           `yaml:"new_domain_days"`
	Timeout       time.Duration `yaml:"timeout"`
}

type ReconcileConfig struct {
	Policy               string `yaml:"policy"` // "overwrite" | "severity"
	TrustCleanReputation *bool  `yaml:"trust_clean_reputation"`
}

// TrustClean reports whether a clean reputation result may lower a verdict
// under the severity policy. Defaults to true.
func (r ReconcileConfig) TrustClean() bool {
	return r.TrustCleanReputation == nil || *r.TrustCleanReputation
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// Load reads the YAML file at path (an empty path means defaults only) and
// applies defaults and environment overrides.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyDefaults(&cfg)
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromBytes parses configuration without environment overrides, for tests.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.VetWait == 0 {
		cfg.Server.VetWait = 15 * time.Second
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 10000
	}
	if cfg.Reputation.Endpoint == "" {
		cfg.Reputation.Endpoint = "https://www.virustotal.com/api/v3/urls"
	}
	if cfg.Reputation.CredentialName == "" {
		cfg.Reputation.CredentialName = "VT_API_KEY"
	}
	if cfg.Reputation.Timeout == 0 {
		cfg.Reputation.Timeout = 10 * time.Second
	}
	if cfg.Reputation.RatePerMinute == 0 {
		cfg.Reputation.RatePerMinute = 4
	}
	if cfg.DNS.Endpoint == "" {
		cfg.DNS.Endpoint = "https://dns.google/resolve"
	}
	if cfg.DNS.Format == "" {
		cfg.DNS.Format = "json"
	}
	if cfg.DNS.Timeout == 0 {
		cfg.DNS.Timeout = 5 * time.Second
	}
	if cfg.Redirects.Timeout == 0 {
		cfg.Redirects.Timeout = 10 * time.Second
	}
	if cfg.Redirects.MaxHops == 0 {
		cfg.Redirects.MaxHops = 10
	}
	if cfg.Whois.NewDomainDays == 0 {
		cfg.Whois.NewDomainDays = 30
	}
	if cfg.Whois.Timeout == 0 {
		cfg.Whois.Timeout = 10 * time.Second
	}
	if cfg.Reconcile.Policy == "" {
		cfg.Reconcile.Policy = "overwrite"
	}
}

func applyEnvOverrides(cfg *Config) error {
	// PORT is what cloud platforms set; LINKGUARD_ADDR wins when both are present.
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Addr = ":" + v
	}
	if v := os.Getenv("LINKGUARD_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("LINKGUARD_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.Server.AllowedOrigins = append(cfg.Server.AllowedOrigins, o)
			}
		}
	}
	if v := os.Getenv("LINKGUARD_DOH_ENDPOINT"); v != "" {
		cfg.DNS.Endpoint = v
	}
	if v := os.Getenv("LINKGUARD_DOH_FORMAT"); v != "" {
		cfg.DNS.Format = v
	}
	if v := os.Getenv("LINKGUARD_RECONCILE_POLICY"); v != "" {
		cfg.Reconcile.Policy = v
	}
	if v := os.Getenv("LINKGUARD_WHOIS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse LINKGUARD_WHOIS_ENABLED: %w", err)
		}
		cfg.Whois.Enabled = b
	}
	return nil
}

func validateConfig(cfg *Config) error {
	switch cfg.DNS.Format {
	case "json", "wire":
	default:
		return fmt.Errorf("invalid dns.format %q", cfg.DNS.Format)
	}
	switch cfg.Reconcile.Policy {
	case "overwrite", "severity":
	default:
		return fmt.Errorf("invalid reconcile.policy %q", cfg.Reconcile.Policy)
	}
	if cfg.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must be positive, got %d", cfg.Cache.MaxEntries)
	}
	if cfg.Reputation.Timeout < 0 || cfg.DNS.Timeout < 0 || cfg.Redirects.Timeout < 0 || cfg.Whois.Timeout < 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if cfg.Reputation.RatePerMinute < 0 {
		return fmt.Errorf("reputation.rate_per_minute must be positive, got %d", cfg.Reputation.RatePerMinute)
	}
	if cfg.Redirects.MaxHops < 0 {
		return fmt.Errorf("redirects.max_hops must be positive, got %d", cfg.Redirects.MaxHops)
	}
	return nil
}
