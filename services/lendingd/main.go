package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	protocolconfig "termlend/config"
	"termlend/core/pricing"
	"termlend/core/state"
	"termlend/native/bank"
	"termlend/native/collateral"
	nativecommon "termlend/native/common"
	"termlend/native/lending"
	"termlend/observability/logging"
	telemetry "termlend/observability/otel"
	lendingserver "termlend/services/lending/server"
	"termlend/services/lendingd/config"
	"termlend/storage"
)

const serviceName = "lendingd"

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.yaml", "path to lendingd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("LENDINGD_ENV"))
	logger := logging.SetupWithOptions(serviceName, env, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv(serviceName, env))
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := openDatabase(cfg.Storage)
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}
	defer db.Close()

	handler, err := buildHandler(cfg, db, logger)
	if err != nil {
		log.Fatalf("build lending service: %v", err)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.ListenAddress, err)
	}
	if !cfg.TLS.Enabled() {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(env, "dev") && !loopback {
			log.Fatalf("plaintext lendingd mode is restricted to loopback listeners or dev environment")
		}
	}
	tlsCfg, err := loadServerTLS(cfg.TLS)
	if err != nil {
		log.Fatalf("configure tls: %v", err)
	}

	srv := &http.Server{
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("lendingd listening", "addr", cfg.ListenAddress, "tls", cfg.TLS.Enabled())
		if tlsCfg != nil {
			serverErr <- srv.ServeTLS(listener, "", "")
			return
		}
		serverErr <- srv.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", "error", err)
			_ = srv.Close()
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve http: %v", err)
		}
	}
}

func openDatabase(cfg config.StorageConfig) (storage.Database, error) {
	if cfg.Backend == config.BackendMemory {
		return storage.NewMemDB(), nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return storage.NewLevelDB(cfg.DataDir)
}

// buildHandler wires the protocol components over db and applies the
// protocol file before returning the HTTP handler.
func buildHandler(cfg config.Config, db storage.Database, logger *slog.Logger) (http.Handler, error) {
	protocol, err := protocolconfig.LoadProtocol(cfg.ProtocolPath)
	if err != nil {
		return nil, fmt.Errorf("load protocol: %w", err)
	}

	custody := cfg.CustodyAddress()
	mgr := state.NewManager(db)
	ledger := bank.NewLedger(mgr, custody)

	var (
		feed    pricing.DataFeed
		samples lendingserver.SampleSink
	)
	switch cfg.Feed.Mode {
	case config.FeedHTTP:
		httpFeed, err := pricing.NewHTTPFeed(nil, cfg.Feed.Endpoint, cfg.Feed.APIKey)
		if err != nil {
			return nil, err
		}
		feed = httpFeed
	default:
		manual := pricing.NewManualFeed()
		feed, samples = manual, manual
	}
	logger.Info("price feed configured",
		slog.String("mode", cfg.Feed.Mode),
		slog.String("endpoint", cfg.Feed.Endpoint),
		logging.MaskField("api_key", cfg.Feed.APIKey))

	oracle, err := pricing.NewOracle(protocol.OracleConfig(), feed, ledger, mgr)
	if err != nil {
		return nil, fmt.Errorf("price oracle: %w", err)
	}
	oracle.SetLogger(logger)
	cm, err := collateral.NewManager(mgr, custody)
	if err != nil {
		return nil, fmt.Errorf("collateral manager: %w", err)
	}
	engine, err := lending.NewEngine(lending.Config{
		Address:    custody,
		Store:      mgr,
		Snapshots:  mgr,
		Tokens:     ledger,
		Collateral: cm,
		Oracle:     oracle,
		RateModel:  lending.NewInterestRateModel(mgr),
		Pauses:     nativecommon.NewPauses(mgr),
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("lending engine: %w", err)
	}

	admin := nativecommon.WithCapabilities(context.Background(), nativecommon.AllRoles()...)
	if err := protocol.Apply(admin, engine, ledger); err != nil {
		return nil, fmt.Errorf("apply protocol: %w", err)
	}
	if err := mgr.Commit(); err != nil {
		return nil, fmt.Errorf("commit protocol: %w", err)
	}
	logger.Info("protocol applied", "tokens", len(protocol.Tokens), "path", cfg.ProtocolPath)

	return lendingserver.New(lendingserver.Config{
		Engine:  engine,
		Samples: samples,
		Auth: lendingserver.AuthConfig{
			HMACSecret:          cfg.Auth.HMACSecret,
			Issuer:              cfg.Auth.Issuer,
			Audience:            cfg.Auth.Audience,
			ScopeClaim:          cfg.Auth.ScopeClaim,
			ClockSkew:           cfg.Auth.ClockSkew,
			AllowAnonymousReads: cfg.Auth.AllowAnonymousReads,
		},
		RateLimit: lendingserver.RateLimit{
			RequestsPerMinute: float64(cfg.RateLimit.RequestsPerMinute),
			Burst:             cfg.RateLimit.Burst,
			TrustedProxies:    cfg.RateLimit.TrustedProxies,
		},
		RequestTimeout: cfg.RequestTimeout,
		ServiceName:    serviceName,
		Logger:         logger,
	})
}

func loadServerTLS(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled() {
		if cfg.AllowInsecure {
			return nil, nil
		}
		return nil, fmt.Errorf("tls credentials are required")
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if cfg.MTLSEnabled() {
		pem, err := os.ReadFile(cfg.ClientCAPath)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse client ca: invalid pem data")
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsCfg, nil
}
