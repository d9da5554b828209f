package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: " :6000 "
custody: "0x00000000000000000000000000000000000000c0"
protocol_config: " protocol.toml "
storage:
  data_dir: " /var/lib/lendingd "
tls:
  allow_insecure: true
auth:
  hmac_secret: "`+testSecret+`"
  allow_anonymous_reads: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":6000" {
		t.Fatalf("unexpected listen address: %q", cfg.ListenAddress)
	}
	if cfg.ProtocolPath != "protocol.toml" {
		t.Fatalf("unexpected protocol path: %q", cfg.ProtocolPath)
	}
	if cfg.Storage.Backend != BackendLevelDB || cfg.Storage.DataDir != "/var/lib/lendingd" {
		t.Fatalf("unexpected storage settings: %+v", cfg.Storage)
	}
	if cfg.Feed.Mode != FeedManual {
		t.Fatalf("expected manual feed by default, got %q", cfg.Feed.Mode)
	}
	if cfg.RequestTimeout != defaultRequestTimeout || cfg.ShutdownTimeout != defaultShutdown {
		t.Fatalf("unexpected timeouts: %s %s", cfg.RequestTimeout, cfg.ShutdownTimeout)
	}
	if cfg.TLS.Enabled() {
		t.Fatalf("expected plaintext listener")
	}
	if !cfg.Auth.AllowAnonymousReads {
		t.Fatalf("expected allow_anonymous_reads to propagate")
	}
	if got := cfg.CustodyAddress().Hex(); !strings.EqualFold(got, "0x00000000000000000000000000000000000000c0") {
		t.Fatalf("unexpected custody address %s", got)
	}
}

func TestLoadConfigParsesDurationsAndFeed(t *testing.T) {
	path := writeConfig(t, `
custody: "0x00000000000000000000000000000000000000c0"
protocol_config: protocol.toml
request_timeout: 3s
storage:
  backend: MEMORY
feed:
  mode: http
  endpoint: https://prices.example.com/history
  api_key: " key "
tls:
  cert: server.crt
  key: server.key
auth:
  hmac_secret: "`+testSecret+`"
  clock_skew: 30s
rate_limit:
  requests_per_minute: 120
  burst: 20
  trusted_proxies: ["10.0.0.0/8", "127.0.0.1"]
logging:
  level: DEBUG
  file: /tmp/lendingd.log
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RequestTimeout != 3*time.Second {
		t.Fatalf("unexpected request timeout %s", cfg.RequestTimeout)
	}
	if cfg.Storage.Backend != BackendMemory {
		t.Fatalf("expected memory backend, got %q", cfg.Storage.Backend)
	}
	if cfg.Feed.Mode != FeedHTTP || cfg.Feed.APIKey != "key" {
		t.Fatalf("unexpected feed settings: %+v", cfg.Feed)
	}
	if !cfg.TLS.Enabled() || cfg.TLS.MTLSEnabled() {
		t.Fatalf("unexpected tls state: %+v", cfg.TLS)
	}
	if cfg.Auth.ClockSkew != 30*time.Second {
		t.Fatalf("unexpected clock skew %s", cfg.Auth.ClockSkew)
	}
	if cfg.RateLimit.RequestsPerMinute != 120 || cfg.RateLimit.Burst != 20 || len(cfg.RateLimit.TrustedProxies) != 2 {
		t.Fatalf("unexpected rate limit: %+v", cfg.RateLimit)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected normalised log level, got %q", cfg.Logging.Level)
	}
}

func TestLoadConfigSecretFromEnv(t *testing.T) {
	t.Setenv(SecretEnv, testSecret)
	path := writeConfig(t, `
custody: "0x00000000000000000000000000000000000000c0"
protocol_config: protocol.toml
storage:
  backend: memory
tls:
  allow_insecure: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Auth.HMACSecret != testSecret {
		t.Fatalf("expected secret from environment")
	}
}

func TestLoadConfigRejectsInvalidSettings(t *testing.T) {
	base := `
custody: "0x00000000000000000000000000000000000000c0"
protocol_config: protocol.toml
storage:
  backend: memory
tls:
  allow_insecure: true
auth:
  hmac_secret: "` + testSecret + `"
`
	cases := map[string]string{
		"short secret": `
custody: "0x00000000000000000000000000000000000000c0"
protocol_config: protocol.toml
storage:
  backend: memory
tls:
  allow_insecure: true
auth:
  hmac_secret: short
`,
		"zero custody":       strings.Replace(base, "00000000000000000000000000000000000000c0", "0000000000000000000000000000000000000000", 1),
		"bad custody":        strings.Replace(base, `"0x00000000000000000000000000000000000000c0"`, "nope", 1),
		"missing protocol":   strings.Replace(base, "protocol_config: protocol.toml", "", 1),
		"leveldb no dir":     strings.Replace(base, "backend: memory", "backend: leveldb", 1),
		"unknown backend":    strings.Replace(base, "backend: memory", "backend: redis", 1),
		"http feed endpoint": base + "feed:\n  mode: http\n",
		"unknown feed":       base + "feed:\n  mode: carrier-pigeon\n",
		"tls key missing":    strings.Replace(base, "allow_insecure: true", "cert: server.crt", 1),
		"tls required":       strings.Replace(base, "allow_insecure: true", "allow_insecure: false", 1),
		"client ca no cert":  strings.Replace(base, "allow_insecure: true", "allow_insecure: true\n  client_ca: ca.pem", 1),
		"negative rate":      base + "rate_limit:\n  burst: -1\n",
		"bad trusted proxy":  base + "rate_limit:\n  trusted_proxies: [proxy.local]\n",
		"unknown field":      base + "surprise: true\n",
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(SecretEnv, "")
			if _, err := Load(writeConfig(t, contents)); err == nil {
				t.Fatalf("expected %s to be rejected", name)
			}
		})
	}
}

func TestLoadConfigRequiresPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
