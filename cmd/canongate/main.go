package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Ordinal-Systems/canongate/pkg/api"
	"github.com/Ordinal-Systems/canongate/pkg/audit"
	"github.com/Ordinal-Systems/canongate/pkg/authority"
	"github.com/Ordinal-Systems/canongate/pkg/config"
	"github.com/Ordinal-Systems/canongate/pkg/contracts"
	"github.com/Ordinal-Systems/canongate/pkg/denial"
	"github.com/Ordinal-Systems/canongate/pkg/export"
	"github.com/Ordinal-Systems/canongate/pkg/ledger"
	"github.com/Ordinal-Systems/canongate/pkg/observability"
	"github.com/Ordinal-Systems/canongate/pkg/promotion"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver (lite mode)
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		// Default to server
		return startServer(stdout, stderr)
	}

	switch args[1] {
	case "server", "serve":
		return startServer(stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "whynot":
		return runWhynotCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "canongate - decision ledger and canon promotion gate")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  canongate <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server   Run the HTTP server (default)")
	fmt.Fprintln(w, "  verify   Verify a ledger chain offline (--dir, --chain, --json)")
	fmt.Fprintln(w, "  export   Export a chain as a sealed bundle (--dir, --chain, --out)")
	fmt.Fprintln(w, "  whynot   Query denial traces (--dsn, --action, --tenant)")
	fmt.Fprintln(w, "")
}

// openLedger selects the ledger backend from configuration. A postgres DSN
// gets the shared SQL store, any other non-empty DSN is treated as a SQLite
// path (lite mode), and an empty DSN falls back to append-only JSONL files.
func openLedger(ctx context.Context, cfg *config.Config, stdout io.Writer) (ledger.Store, denial.Store, error) {
	if cfg.LedgerDSN == "" {
		fmt.Fprintf(stdout, "LEDGER_DSN not set, using file ledger at %s\n", cfg.LedgerDir)
		fs, err := ledger.NewFileStore(cfg.LedgerDir)
		if err != nil {
			return nil, nil, err
		}
		return fs, denial.NewMemoryStore(), nil
	}

	driver := "sqlite"
	if strings.HasPrefix(cfg.LedgerDSN, "postgres://") || strings.HasPrefix(cfg.LedgerDSN, "postgresql://") {
		driver = "postgres"
	}
	db, err := sql.Open(driver, cfg.LedgerDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	fmt.Fprintf(stdout, "%s: connected\n", driver)

	ls, err := ledger.NewSQLStore(ctx, db)
	if err != nil {
		return nil, nil, err
	}
	ds, err := denial.NewSQLStore(ctx, db)
	if err != nil {
		return nil, nil, err
	}
	return ls, ds, nil
}

// loadPolicy reads the default tenant profile's CEL rules. A missing profile
// yields an empty rule set, which denies everything: policy must be
// configured deliberately, never assumed.
func loadPolicy(cfg *config.Config, logger *slog.Logger) []authority.PolicyRule {
	profile, err := config.LoadProfile(cfg.ProfilesDir, "default")
	if err != nil {
		logger.Warn("no default policy profile, all requests will be denied by policy",
			"profiles_dir", cfg.ProfilesDir, "error", err)
		return nil
	}
	rules := make([]authority.PolicyRule, 0, len(profile.Policy))
	for _, def := range profile.Policy {
		rules = append(rules, authority.PolicyRule{
			ID:     def.ID,
			Expr:   def.Expr,
			Effect: contracts.Outcome(def.Effect),
			Reason: def.Reason,
		})
	}
	return rules
}

func runServer(stdout, stderr io.Writer) int {
	ctx := context.Background()
	cfg := config.Load()

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ledgerStore, denialStore, err := openLedger(ctx, cfg, stdout)
	if err != nil {
		logger.Error("ledger init failed", "error", err)
		return 1
	}

	obsConfig := observability.DefaultConfig()
	obsConfig.Enabled = cfg.OTLP != ""
	obsConfig.OTLPEndpoint = cfg.OTLP
	obs, err := observability.New(ctx, obsConfig)
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown", "error", err)
		}
	}()

	recorder := denial.NewRecorder(denialStore, logger)
	registry := promotion.NewRegistry()
	gate := promotion.NewGate()

	authorizer, err := authority.NewCELAuthorizer(loadPolicy(cfg, logger))
	if err != nil {
		logger.Error("policy compile failed", "error", err)
		return 1
	}

	engine, err := authority.NewEngine(ledgerStore, recorder, registry, authorizer, logger,
		authority.WithAuditLogger(audit.NewLogger()))
	if err != nil {
		logger.Error("engine init failed", "error", err)
		return 1
	}

	var exporter *export.Exporter
	if rootKey := os.Getenv("EXPORT_ROOT_KEY"); rootKey != "" {
		key, err := hex.DecodeString(rootKey)
		if err != nil {
			key = []byte(rootKey)
		}
		keyring, err := export.NewKeyring(key)
		if err != nil {
			logger.Error("export keyring init failed", "error", err)
			return 1
		}
		exporter = export.NewExporter(ledgerStore, keyring)
	}

	var tenants api.TenantLimiter
	if cfg.RedisAddr != "" {
		limiter := api.NewRedisTenantLimiter(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0,
			api.TenantQuota{RPM: 600, Burst: 60})
		defer limiter.Close()
		tenants = limiter
		fmt.Fprintf(stdout, "redis limiter: %s\n", cfg.RedisAddr)
	}

	server := api.NewServer(engine, recorder, ledgerStore, gate, registry, exporter, obs, tenants, logger)
	rl := api.NewGlobalRateLimiter(100, 200)
	handler := server.Routes(rl, []byte(cfg.JWTSecret))

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Port)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		return 1
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
		return 1
	}
	return 0
}
