// Command ussld is the server entrypoint: it wires flags/environment into
// a manager.Manager and a transport.Server and runs until a shutdown
// signal, following the teacher's cmd/main.go env-var-driven data
// directory convention (XDG_DATA_HOME / ~/.local/share) generalized from
// a one-shot demo script into a long-running daemon with graceful
// shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ussldb/ussl/internal/auth"
	"github.com/ussldb/ussl/internal/logging"
	"github.com/ussldb/ussl/internal/manager"
	"github.com/ussldb/ussl/internal/monitoring"
	"github.com/ussldb/ussl/internal/snapshot"
	"github.com/ussldb/ussl/internal/tracing"
	"github.com/ussldb/ussl/internal/transport"
)

func main() {
	cfg := parseFlags()

	logger, err := logging.NewLogger(cfg.logLevel, cfg.logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ussld: invalid log configuration: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	store, err := openStore(cfg)
	if err != nil {
		logger.Fatal("failed to open snapshot store", zap.Error(err))
	}

	var gate *auth.PasswordGate
	if cfg.password != "" {
		gate, err = auth.NewPasswordGate(cfg.password)
		if err != nil {
			logger.Fatal("failed to initialize password gate", zap.Error(err))
		}
	}

	if cfg.jaegerEndpoint != "" {
		tp, err := tracing.InitTracer("ussld", cfg.jaegerEndpoint)
		if err != nil {
			logger.Warn("tracing disabled: failed to initialize Jaeger exporter", zap.Error(err))
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				tp.Shutdown(ctx)
			}()
		}
	}

	mgr, err := manager.New(manager.Config{
		Store:        store,
		PasswordGate: gate,
		Metrics:      monitoring.NewMetrics(),
		Logger:       logger.Logger,
	})
	if err != nil {
		logger.Fatal("failed to start manager", zap.Error(err))
	}
	defer mgr.Close()

	srv := transport.New(transport.Config{
		TCPAddr: cfg.tcpAddr,
		WSAddr:  cfg.wsAddr,
		TLS: transport.TLSConfig{
			CertFile: cfg.tlsCert,
			KeyFile:  cfg.tlsKey,
		},
		RateLimit: transport.RateLimit{
			RequestsPerSecond: cfg.rateLimitRPS,
			Burst:             cfg.rateLimitBurst,
		},
		Logger: logger.Logger,
	}, mgr)

	if err := srv.ListenAndServe(); err != nil {
		logger.Fatal("failed to start listeners", zap.Error(err))
	}
	logger.Info("ussld started", zap.String("tcp", cfg.tcpAddr), zap.String("ws", cfg.wsAddr))

	waitForShutdown(logger.Logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("transport shutdown reported an error", zap.Error(err))
	}
	logger.Info("ussld stopped")
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))
}

type config struct {
	tcpAddr        string
	wsAddr         string
	tlsCert        string
	tlsKey         string
	password       string
	dataDir        string
	logLevel       string
	logFormat      string
	jaegerEndpoint string
	rateLimitRPS   float64
	rateLimitBurst int
}

func parseFlags() config {
	var cfg config
	flag.StringVar(&cfg.tcpAddr, "tcp-addr", envOr("USSLD_TCP_ADDR", transport.DefaultTCPAddr), "TCP listen address")
	flag.StringVar(&cfg.wsAddr, "ws-addr", envOr("USSLD_WS_ADDR", transport.DefaultWSAddr), "WebSocket listen address")
	flag.StringVar(&cfg.tlsCert, "tls-cert", envOr("USSLD_TLS_CERT", ""), "TLS certificate path (enables TLS on both listeners)")
	flag.StringVar(&cfg.tlsKey, "tls-key", envOr("USSLD_TLS_KEY", ""), "TLS private key path")
	flag.StringVar(&cfg.password, "password", envOr("USSLD_PASSWORD", ""), "require AUTH with this password (empty disables auth)")
	flag.StringVar(&cfg.dataDir, "data-dir", envOr("USSLD_DATA_DIR", defaultDataDir()), "directory for persisted document snapshots")
	flag.StringVar(&cfg.logLevel, "log-level", envOr("USSLD_LOG_LEVEL", "info"), "zap log level")
	flag.StringVar(&cfg.logFormat, "log-format", envOr("USSLD_LOG_FORMAT", "json"), "zap encoding (json or console)")
	flag.StringVar(&cfg.jaegerEndpoint, "jaeger-endpoint", envOr("USSLD_JAEGER_ENDPOINT", ""), "Jaeger collector endpoint (empty disables tracing)")
	flag.Float64Var(&cfg.rateLimitRPS, "rate-limit-rps", 0, "per-connection requests/sec (0 disables rate limiting)")
	flag.IntVar(&cfg.rateLimitBurst, "rate-limit-burst", 0, "per-connection token bucket burst size")
	flag.Parse()
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "ussld")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "ussld-data"
	}
	return filepath.Join(home, ".local", "share", "ussld")
}

func openStore(cfg config) (snapshot.Store, error) {
	if err := os.MkdirAll(cfg.dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", cfg.dataDir, err)
	}
	return snapshot.NewFileStore(cfg.dataDir)
}
