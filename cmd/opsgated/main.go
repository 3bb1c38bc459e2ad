// opsgated is the privileged-operation broker daemon. The default
// command runs the HTTP server; the side commands mint bootstrap
// tokens, probe a running server, and verify the audit chain offline.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opsgate/opsgate/pkg/api"
	"github.com/opsgate/opsgate/pkg/approval"
	"github.com/opsgate/opsgate/pkg/audit"
	"github.com/opsgate/opsgate/pkg/auth"
	"github.com/opsgate/opsgate/pkg/authz"
	"github.com/opsgate/opsgate/pkg/config"
	"github.com/opsgate/opsgate/pkg/observability"
	"github.com/opsgate/opsgate/pkg/policy"
	"github.com/opsgate/opsgate/pkg/ratelimit"
	"github.com/opsgate/opsgate/pkg/wrapper"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}
	switch args[1] {
	case "server", "serve":
		return runServer(stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "verify-audit":
		return runVerifyAuditCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: opsgated <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  server        Run the broker (default)")
	fmt.Fprintln(w, "  token         Mint a bootstrap JWT (-id, -user, -role, -ttl)")
	fmt.Fprintln(w, "  health        Probe a running broker over HTTP")
	fmt.Fprintln(w, "  verify-audit  Verify the audit log hash chain (-file)")
}

func runServer(stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "opsgated",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		Enabled:        cfg.TelemetryEnabled,
		Insecure:       cfg.Environment == "development",
	})
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	table, err := loadPolicies(cfg)
	if err != nil {
		logger.Error("policy load failed", "error", err)
		return 1
	}
	registry, err := loadRegistry(cfg)
	if err != nil {
		logger.Error("wrapper registry load failed", "error", err)
		return 1
	}

	auditFile, err := os.OpenFile(cfg.AuditLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		logger.Error("open audit log failed", "path", cfg.AuditLogPath, "error", err)
		return 1
	}
	defer func() { _ = auditFile.Close() }()
	recorder := audit.NewChainRecorder(auditFile)

	signer, err := audit.NewSigner(cfg.HistoryKey)
	if err != nil {
		logger.Error("history signer init failed", "error", err)
		return 1
	}
	validator, err := auth.NewValidator(cfg.JWTSecret)
	if err != nil {
		logger.Error("jwt validator init failed", "error", err)
		return 1
	}

	store, err := openStore(cfg)
	if err != nil {
		logger.Error("store open failed", "driver", cfg.DBDriver, "error", err)
		return 1
	}
	defer func() { _ = store.Close() }()
	if err := store.SeedPolicies(ctx, table.All()); err != nil {
		logger.Error("policy seed failed", "error", err)
		return 1
	}

	gateway := wrapper.NewGateway(registry, wrapper.ExecRunner{}, recorder,
		wrapper.WithDefaultTimeout(cfg.WrapperTimeout),
		wrapper.WithMaxConcurrent(cfg.MaxConcurrent),
		wrapper.WithQueueWait(cfg.QueueWait),
		wrapper.WithObservability(obs))

	az := authz.NewEngine(table)
	engine := approval.NewEngine(store, table, approval.DefaultOps(), az,
		signer, gateway, recorder, logger)
	engine.SetObservability(obs)

	sweeper := approval.NewSweeper(engine, logger, cfg.SweepInterval)
	go sweeper.Run(ctx)

	var limiter ratelimit.Store
	if cfg.RedisAddr != "" {
		limiter = ratelimit.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		logger.Info("rate limiter using redis", "addr", cfg.RedisAddr)
	} else {
		limiter = ratelimit.NewMemoryStore()
	}

	ready := func(ctx context.Context) error {
		_, err := store.Stats(ctx, time.Now().Add(-time.Minute))
		return err
	}
	server := api.NewServer(engine, validator, limiter, obs, logger, ready)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Write timeout exceeds the wrapper cap so a slow wrapper cannot
		// sever the response mid-flight.
		WriteTimeout: wrapper.MaxTimeout + 30*time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("opsgated listening", "port", cfg.Port, "db_driver", cfg.DBDriver)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
			return 1
		}
	}
	return 0
}

var version = "dev"

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func loadPolicies(cfg *config.Config) (*policy.Table, error) {
	if cfg.PolicyFile != "" {
		return policy.LoadFile(cfg.PolicyFile)
	}
	return policy.Defaults(), nil
}

func loadRegistry(cfg *config.Config) (*wrapper.Registry, error) {
	if cfg.RegistryFile != "" {
		return wrapper.LoadRegistry(cfg.RegistryFile)
	}
	return wrapper.Default(), nil
}

func openStore(cfg *config.Config) (approval.Store, error) {
	if cfg.DBDriver == "postgres" {
		return approval.OpenPostgres(cfg.PostgresDSN)
	}
	return approval.OpenSQLite(cfg.SQLitePath)
}
