package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	lendingserver "termlend/services/lending/server"
)

const (
	defaultListen         = ":8453"
	defaultRequestTimeout = 10 * time.Second
	defaultShutdown       = 5 * time.Second

	// SecretEnv overrides auth.hmac_secret so the key can stay out of the file.
	SecretEnv = "LENDINGD_HMAC_SECRET"
)

// Storage backends.
const (
	BackendLevelDB = "leveldb"
	BackendMemory  = "memory"
)

// Feed modes.
const (
	FeedManual = "manual"
	FeedHTTP   = "http"
)

// Config captures the runtime settings for the lending daemon.
type Config struct {
	ListenAddress   string          `yaml:"listen"`
	Custody         string          `yaml:"custody"`
	ProtocolPath    string          `yaml:"protocol_config"`
	RequestTimeout  time.Duration   `yaml:"request_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	Storage         StorageConfig   `yaml:"storage"`
	Feed            FeedConfig      `yaml:"feed"`
	TLS             TLSConfig       `yaml:"tls"`
	Auth            AuthConfig      `yaml:"auth"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	Logging         LoggingConfig   `yaml:"logging"`
}

// StorageConfig selects where protocol state lives.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	DataDir string `yaml:"data_dir"`
}

// FeedConfig selects the historical price source behind the oracle.
type FeedConfig struct {
	Mode     string `yaml:"mode"`
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

// TLSConfig describes the TLS material for the HTTP listener.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	ClientCAPath  string `yaml:"client_ca"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// AuthConfig holds the bearer token verification settings.
type AuthConfig struct {
	HMACSecret          string        `yaml:"hmac_secret"`
	Issuer              string        `yaml:"issuer"`
	Audience            string        `yaml:"audience"`
	ScopeClaim          string        `yaml:"scope_claim"`
	ClockSkew           time.Duration `yaml:"clock_skew"`
	AllowAnonymousReads bool          `yaml:"allow_anonymous_reads"`
}

// RateLimitConfig bounds per-client request rates.
type RateLimitConfig struct {
	RequestsPerMinute int      `yaml:"requests_per_minute"`
	Burst             int      `yaml:"burst"`
	TrustedProxies    []string `yaml:"trusted_proxies"`
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: defaultListen,
	}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if secret := strings.TrimSpace(os.Getenv(SecretEnv)); secret != "" {
		cfg.Auth.HMACSecret = secret
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// CustodyAddress returns the engine custody identity.
func (cfg Config) CustodyAddress() common.Address {
	return common.HexToAddress(cfg.Custody)
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.Custody = strings.TrimSpace(cfg.Custody)
	cfg.ProtocolPath = strings.TrimSpace(cfg.ProtocolPath)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdown
	}

	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendLevelDB
	}
	cfg.Storage.DataDir = strings.TrimSpace(cfg.Storage.DataDir)

	cfg.Feed.Mode = strings.ToLower(strings.TrimSpace(cfg.Feed.Mode))
	if cfg.Feed.Mode == "" {
		cfg.Feed.Mode = FeedManual
	}
	cfg.Feed.Endpoint = strings.TrimSpace(cfg.Feed.Endpoint)
	cfg.Feed.APIKey = strings.TrimSpace(cfg.Feed.APIKey)

	cfg.TLS.CertPath = strings.TrimSpace(cfg.TLS.CertPath)
	cfg.TLS.KeyPath = strings.TrimSpace(cfg.TLS.KeyPath)
	cfg.TLS.ClientCAPath = strings.TrimSpace(cfg.TLS.ClientCAPath)

	cfg.Auth.HMACSecret = strings.TrimSpace(cfg.Auth.HMACSecret)
	cfg.Auth.Issuer = strings.TrimSpace(cfg.Auth.Issuer)
	cfg.Auth.Audience = strings.TrimSpace(cfg.Auth.Audience)
	cfg.Auth.ScopeClaim = strings.TrimSpace(cfg.Auth.ScopeClaim)

	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.File = strings.TrimSpace(cfg.Logging.File)
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if !common.IsHexAddress(cfg.Custody) {
		return fmt.Errorf("custody must be a hex address")
	}
	if cfg.CustodyAddress() == (common.Address{}) {
		return fmt.Errorf("custody must not be the zero address")
	}
	if cfg.ProtocolPath == "" {
		return fmt.Errorf("protocol_config path required")
	}
	if err := cfg.Storage.validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := cfg.Feed.validate(); err != nil {
		return fmt.Errorf("feed: %w", err)
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if err := cfg.Auth.validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	if _, err := lendingserver.ParseTrustedProxies(cfg.RateLimit.TrustedProxies); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}
	return nil
}

func (cfg StorageConfig) validate() error {
	switch cfg.Backend {
	case BackendLevelDB:
		if cfg.DataDir == "" {
			return fmt.Errorf("data_dir required for the leveldb backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	return nil
}

func (cfg FeedConfig) validate() error {
	switch cfg.Mode {
	case FeedManual:
	case FeedHTTP:
		if cfg.Endpoint == "" {
			return fmt.Errorf("endpoint required for the http feed")
		}
	default:
		return fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	return nil
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	if cfg.ClientCAPath != "" && !hasCert {
		return fmt.Errorf("client_ca requires a server certificate and key")
	}
	return nil
}

// Enabled reports whether the listener terminates TLS.
func (cfg TLSConfig) Enabled() bool {
	return cfg.CertPath != "" && cfg.KeyPath != ""
}

// MTLSEnabled reports whether mutual TLS verification is configured.
func (cfg TLSConfig) MTLSEnabled() bool {
	return strings.TrimSpace(cfg.ClientCAPath) != ""
}

func (cfg AuthConfig) validate() error {
	if len(cfg.HMACSecret) < 32 {
		return fmt.Errorf("hmac_secret must be at least 32 bytes (or set %s)", SecretEnv)
	}
	if cfg.ClockSkew < 0 {
		return fmt.Errorf("clock_skew must not be negative")
	}
	return nil
}
