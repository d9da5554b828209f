package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	lendingserver "termlend/services/lending/server"
	"termlend/services/lendingd/config"
	"termlend/storage"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	protocol, err := os.ReadFile("protocol.toml")
	if err != nil {
		t.Fatalf("read sample protocol: %v", err)
	}
	path := filepath.Join(t.TempDir(), "protocol.toml")
	if err := os.WriteFile(path, protocol, 0o600); err != nil {
		t.Fatalf("write protocol: %v", err)
	}
	return config.Config{
		Custody:      "0x00000000000000000000000000000000000000c0",
		ProtocolPath: path,
		Storage:      config.StorageConfig{Backend: config.BackendMemory},
		Feed:         config.FeedConfig{Mode: config.FeedManual},
		Auth: config.AuthConfig{
			HMACSecret:          "0123456789abcdef0123456789abcdef",
			AllowAnonymousReads: true,
		},
	}
}

func TestBuildHandlerAppliesProtocol(t *testing.T) {
	cfg := testConfig(t)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	db := storage.NewMemDB()

	handler, err := buildHandler(cfg, db, logger)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/markets", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var markets lendingserver.MarketsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &markets); err != nil {
		t.Fatalf("decode markets: %v", err)
	}
	if len(markets.Markets) != 2 {
		t.Fatalf("expected 2 markets, got %d", len(markets.Markets))
	}
	if markets.GracePeriodSeconds != 172800 {
		t.Fatalf("unexpected grace period %d", markets.GracePeriodSeconds)
	}

	// A restart over the same store applies cleanly.
	if _, err := buildHandler(cfg, db, logger); err != nil {
		t.Fatalf("rebuild handler: %v", err)
	}
}

func TestBuildHandlerThrottlesClients(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit = config.RateLimitConfig{RequestsPerMinute: 1, Burst: 1}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	handler, err := buildHandler(cfg, storage.NewMemDB(), logger)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/v1/markets", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", first.Code, first.Body.String())
	}
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/v1/markets", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once the burst is spent, got %d", second.Code)
	}
}

func TestLoadServerTLS(t *testing.T) {
	tlsCfg, err := loadServerTLS(config.TLSConfig{AllowInsecure: true})
	if err != nil || tlsCfg != nil {
		t.Fatalf("expected plaintext config, got %v %v", tlsCfg, err)
	}
	if _, err := loadServerTLS(config.TLSConfig{}); err == nil {
		t.Fatal("expected error without credentials")
	}
	if _, err := loadServerTLS(config.TLSConfig{CertPath: "missing.crt", KeyPath: "missing.key"}); err == nil {
		t.Fatal("expected error for missing keypair")
	}
}

func TestOpenDatabase(t *testing.T) {
	mem, err := openDatabase(config.StorageConfig{Backend: config.BackendMemory})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	mem.Close()

	dir := filepath.Join(t.TempDir(), "nested", "db")
	db, err := openDatabase(config.StorageConfig{Backend: config.BackendLevelDB, DataDir: dir})
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	defer db.Close()
	if err := db.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
}
