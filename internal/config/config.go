// Package config provides configuration management for the relay.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// SecretEnv overrides payments.hmac_secret when set.
const SecretEnv = "SDN_RELAY_HMAC_SECRET"

// Config represents the relay configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Relay     RelayConfig     `yaml:"relay"`
	Payments  PaymentsConfig  `yaml:"payments"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	API       APIConfig       `yaml:"api"`
	Auth      AuthConfig      `yaml:"auth"`
	Websocket WebsocketConfig `yaml:"websocket"`
}

// StorageConfig selects the durable backend.
type StorageConfig struct {
	Backend string `yaml:"backend"` // "sqlite" or "bolt"
	Path    string `yaml:"path"`
}

// RelayConfig contains admission policy.
type RelayConfig struct {
	MaxPayloadSize int    `yaml:"max_payload_size"`
	Retention      string `yaml:"retention"`
	BaseFee        uint64 `yaml:"base_fee"`
	RatePerByte    uint64 `yaml:"rate_per_byte"`
	MaxProfileSize int    `yaml:"max_profile_size"`
}

// PaymentsConfig contains proof token settings.
type PaymentsConfig struct {
	HMACSecret string `yaml:"hmac_secret"`
	ProofCodec string `yaml:"proof_codec"`
	Leeway     string `yaml:"leeway"`
}

// SweeperConfig contains eviction settings.
type SweeperConfig struct {
	Interval  string `yaml:"interval"`
	BatchSize int    `yaml:"batch_size"`
}

// APIConfig contains HTTP transport settings.
type APIConfig struct {
	Listen               string    `yaml:"listen"`
	MaxRequestsPerSecond float64   `yaml:"max_requests_per_second"`
	Burst                int       `yaml:"burst"`
	PageSize             int       `yaml:"page_size"`
	TLS                  TLSConfig `yaml:"tls"`
}

// TLSConfig enables HTTPS with either a static key pair or ACME.
type TLSConfig struct {
	CertFile        string   `yaml:"cert_file"`
	KeyFile         string   `yaml:"key_file"`
	AutocertDomains []string `yaml:"autocert_domains"`
	CacheDir        string   `yaml:"cache_dir"` // defaults to <storage.path>/cert
	ChallengeListen string   `yaml:"challenge_listen"`
}

// AuthConfig contains owner authentication settings.
type AuthConfig struct {
	ClockSkew string `yaml:"clock_skew"`
}

// WebsocketConfig contains push connection settings.
type WebsocketConfig struct {
	Enabled          bool   `yaml:"enabled"`
	PingInterval     string `yaml:"ping_interval"`
	TruncationLength int    `yaml:"truncation_length"`
}

// Default returns a default configuration. The HMAC secret is left empty;
// `sdn-relay init` generates one.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataPath := filepath.Join(homeDir, ".sdn-relay", "data")

	return &Config{
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    dataPath,
		},
		Relay: RelayConfig{
			MaxPayloadSize: 20 * 1024 * 1024,
			Retention:      "168h",
			BaseFee:        1000,
			RatePerByte:    1,
			MaxProfileSize: 512 * 1024,
		},
		Payments: PaymentsConfig{
			ProofCodec: "proto",
			Leeway:     "30s",
		},
		Sweeper: SweeperConfig{
			Interval:  "1m",
			BatchSize: 500,
		},
		API: APIConfig{
			Listen:               "127.0.0.1:8080",
			MaxRequestsPerSecond: 5,
			Burst:                20,
			PageSize:             100,
			TLS: TLSConfig{
				ChallengeListen: ":80",
			},
		},
		Auth: AuthConfig{
			ClockSkew: "2m",
		},
		Websocket: WebsocketConfig{
			Enabled:          true,
			PingInterval:     "10s",
			TruncationLength: 500,
		},
	}
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".sdn-relay", "config.yaml")
}

// Load loads configuration from a file. Fields missing from the file keep
// their defaults, and a missing file yields Default().
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if secret := os.Getenv(SecretEnv); secret != "" {
		cfg.Payments.HMACSecret = secret
	}
	return cfg, nil
}

// Save saves the configuration to a file.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// The file holds the payment secret.
	return os.WriteFile(path, data, 0600)
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Storage.Backend == "sqlite" || c.Storage.Backend == "bolt",
		"storage.backend must be sqlite or bolt, got %q", c.Storage.Backend)
	check(c.Storage.Path != "", "storage.path is required")

	check(c.Relay.MaxPayloadSize > 0, "relay.max_payload_size must be positive")
	check(c.Relay.MaxProfileSize > 0, "relay.max_profile_size must be positive")
	if d, err := time.ParseDuration(c.Relay.Retention); err != nil {
		errs = append(errs, fmt.Errorf("relay.retention: %w", err))
	} else {
		check(d > 0, "relay.retention must be positive")
	}

	check(c.Payments.HMACSecret != "", "payments.hmac_secret is required (or set %s)", SecretEnv)
	check(c.Payments.ProofCodec != "", "payments.proof_codec is required")
	if d, err := time.ParseDuration(c.Payments.Leeway); err != nil {
		errs = append(errs, fmt.Errorf("payments.leeway: %w", err))
	} else {
		check(d >= 0, "payments.leeway must not be negative")
	}

	if d, err := time.ParseDuration(c.Sweeper.Interval); err != nil {
		errs = append(errs, fmt.Errorf("sweeper.interval: %w", err))
	} else {
		check(d > 0, "sweeper.interval must be positive")
	}
	check(c.Sweeper.BatchSize > 0, "sweeper.batch_size must be positive")

	check(c.API.Listen != "", "api.listen is required")
	check(c.API.MaxRequestsPerSecond > 0, "api.max_requests_per_second must be positive")
	check(c.API.Burst > 0, "api.burst must be positive")
	check(c.API.PageSize > 0, "api.page_size must be positive")
	tlsCfg := c.API.TLS
	check((tlsCfg.CertFile == "") == (tlsCfg.KeyFile == ""),
		"api.tls.cert_file and api.tls.key_file must be set together")
	check(tlsCfg.CertFile == "" || len(tlsCfg.AutocertDomains) == 0,
		"api.tls.cert_file and api.tls.autocert_domains are mutually exclusive")
	check(len(tlsCfg.AutocertDomains) == 0 || tlsCfg.ChallengeListen != "",
		"api.tls.challenge_listen is required with autocert_domains")

	if d, err := time.ParseDuration(c.Auth.ClockSkew); err != nil {
		errs = append(errs, fmt.Errorf("auth.clock_skew: %w", err))
	} else {
		check(d > 0, "auth.clock_skew must be positive")
	}

	if d, err := time.ParseDuration(c.Websocket.PingInterval); err != nil {
		errs = append(errs, fmt.Errorf("websocket.ping_interval: %w", err))
	} else {
		check(d > 0, "websocket.ping_interval must be positive")
	}
	check(c.Websocket.TruncationLength > 0, "websocket.truncation_length must be positive")

	return errors.Join(errs...)
}

// CertCacheDir returns the ACME certificate cache directory.
func (c *Config) CertCacheDir() string {
	if c.API.TLS.CacheDir != "" {
		return c.API.TLS.CacheDir
	}
	return filepath.Join(c.Storage.Path, "cert")
}

// RetentionDuration returns relay.retention. Call Validate first.
func (c *Config) RetentionDuration() time.Duration {
	return mustDuration(c.Relay.Retention)
}

// LeewayDuration returns payments.leeway. Call Validate first.
func (c *Config) LeewayDuration() time.Duration {
	return mustDuration(c.Payments.Leeway)
}

// SweepInterval returns sweeper.interval. Call Validate first.
func (c *Config) SweepInterval() time.Duration {
	return mustDuration(c.Sweeper.Interval)
}

// ClockSkew returns auth.clock_skew. Call Validate first.
func (c *Config) ClockSkew() time.Duration {
	return mustDuration(c.Auth.ClockSkew)
}

// PingInterval returns websocket.ping_interval. Call Validate first.
func (c *Config) PingInterval() time.Duration {
	return mustDuration(c.Websocket.PingInterval)
}

func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
