// Package config loads and validates the keygate configuration from a YAML
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Credential format rules for the Basic-Auth pair protecting the exchange
// endpoint. A deployment with an absent or malformed pair must not serve
// the endpoint at all, so these are checked at startup.
var (
	usernameRe = regexp.MustCompile(`^\w{3,16}$`)
	passwordRe = regexp.MustCompile(`^\w{8,32}$`)
)

// Config is the top-level keygate configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Storage   StorageConfig   `yaml:"storage"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig controls the HTTP listeners.
type ServerConfig struct {
	Host            string    `yaml:"host"`
	Port            int       `yaml:"port"`
	TLSPort         int       `yaml:"tls_port"`
	ShutdownTimeout string    `yaml:"shutdown_timeout"`
	CORSOrigins     []string  `yaml:"cors_origins"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig locates the certificate material for the TLS listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig controls the exchange gate and the token codec.
type AuthConfig struct {
	User               string `yaml:"user"`
	Pass               string `yaml:"pass"`
	JWTSecret          string `yaml:"jwt_secret"`
	TokenTTL           string `yaml:"token_ttl"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
}

// StorageConfig selects the token store backend.
type StorageConfig struct {
	Driver  string `yaml:"driver"`
	DataDir string `yaml:"data_dir"`
	DSN     string `yaml:"dsn"`
	Table   string `yaml:"table"`
}

// UpstreamConfig locates the upstream API.
type UpstreamConfig struct {
	BaseURL      string `yaml:"base_url"`
	Organization string `yaml:"organization"`
	Timeout      string `yaml:"timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetryConfig controls the anonymous heartbeat.
type TelemetryConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// Default returns a Config pre-filled with production defaults. Credentials
// and the signing secret have no defaults; they come from the file (usually
// via ${KEYGATE_...} expansion) or directly from the environment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3003,
			TLSPort:         3033,
			ShutdownTimeout: "30s",
			CORSOrigins:     []string{"*"},
		},
		Auth: AuthConfig{
			User:               "${KEYGATE_AUTH_USER}",
			Pass:               "${KEYGATE_AUTH_PASS}",
			JWTSecret:          "${KEYGATE_JWT_SECRET}",
			TokenTTL:           "24h",
			RateLimitPerMinute: 10,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Table:  "tokens",
		},
		Upstream: UpstreamConfig{
			BaseURL: "https://api.openai.com/v1",
			Timeout: "30s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and parses a YAML configuration file. Environment variables
// referenced as ${VAR_NAME} in the file are expanded before parsing, so
// secrets can stay out of the file itself.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	content := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// FromEnv builds a Config from defaults plus the KEYGATE_* environment,
// for deployments that run without a config file.
func FromEnv() *Config {
	cfg := Default()
	cfg.Auth.User = os.Getenv("KEYGATE_AUTH_USER")
	cfg.Auth.Pass = os.Getenv("KEYGATE_AUTH_PASS")
	cfg.Auth.JWTSecret = os.Getenv("KEYGATE_JWT_SECRET")
	if dir := os.Getenv("KEYGATE_DATA_DIR"); dir != "" {
		cfg.Storage.DataDir = dir
	}
	if base := os.Getenv("KEYGATE_UPSTREAM_URL"); base != "" {
		cfg.Upstream.BaseURL = base
	}
	if certDir := os.Getenv("KEYGATE_SSL_CERT"); certDir != "" {
		cfg.Server.TLS.Enabled = true
		cfg.Server.TLS.CertFile = certDir
		cfg.Server.TLS.KeyFile = os.Getenv("KEYGATE_SSL_KEY")
	}
	return cfg
}

// Validate fails fast on anything that must abort startup: missing or
// malformed Basic-Auth credentials, a missing signing secret, unreadable
// TLS material, bad durations.
func (c *Config) Validate() error {
	var errs []error

	if !usernameRe.MatchString(c.Auth.User) {
		errs = append(errs, errors.New("auth.user must be 3-16 word characters (set KEYGATE_AUTH_USER)"))
	}
	if !passwordRe.MatchString(c.Auth.Pass) {
		errs = append(errs, errors.New("auth.pass must be 8-32 word characters (set KEYGATE_AUTH_PASS)"))
	}
	if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "${KEYGATE_JWT_SECRET}" {
		errs = append(errs, errors.New("auth.jwt_secret is required (set KEYGATE_JWT_SECRET)"))
	}
	if _, err := time.ParseDuration(c.Auth.TokenTTL); err != nil {
		errs = append(errs, fmt.Errorf("auth.token_ttl: %w", err))
	}
	if c.Upstream.Timeout != "" {
		if _, err := time.ParseDuration(c.Upstream.Timeout); err != nil {
			errs = append(errs, fmt.Errorf("upstream.timeout: %w", err))
		}
	}
	if c.Server.TLS.Enabled {
		if _, err := os.Stat(c.Server.TLS.CertFile); err != nil {
			errs = append(errs, fmt.Errorf("tls.cert_file: %w", err))
		}
		if _, err := os.Stat(c.Server.TLS.KeyFile); err != nil {
			errs = append(errs, fmt.Errorf("tls.key_file: %w", err))
		}
	}
	switch c.Storage.Driver {
	case "", "sqlite":
	case "postgres", "mysql":
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver))
	}

	return errors.Join(errs...)
}

// TokenTTL returns the parsed token lifetime. Call Validate first.
func (c *Config) TokenTTL() time.Duration {
	d, err := time.ParseDuration(c.Auth.TokenTTL)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// UpstreamTimeout returns the parsed upstream call timeout.
func (c *Config) UpstreamTimeout() time.Duration {
	d, err := time.ParseDuration(c.Upstream.Timeout)
	if err != nil || d == 0 {
		return 30 * time.Second
	}
	return d
}

// ShutdownTimeout returns the parsed graceful-shutdown window.
func (c *Config) ShutdownTimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.ShutdownTimeout)
	if err != nil || d == 0 {
		return 30 * time.Second
	}
	return d
}

// WriteDefault writes the default configuration to a YAML file, with the
// secret-bearing fields left as ${KEYGATE_...} references.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
