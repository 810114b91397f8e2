package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/neuralforge/forged/internal/bus"
	"github.com/neuralforge/forged/internal/config"
	"github.com/neuralforge/forged/internal/domain"
	"github.com/neuralforge/forged/internal/governance"
	"github.com/neuralforge/forged/internal/governance/tokens"
	"github.com/neuralforge/forged/internal/infrastructure/postgres"
	"github.com/neuralforge/forged/internal/log"
	"github.com/neuralforge/forged/internal/mcp"
	"github.com/neuralforge/forged/internal/orchestrator"
	"github.com/neuralforge/forged/internal/semantic"
	"github.com/neuralforge/forged/internal/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server",
	Long: `Run the Neural Forge MCP server: the tool endpoints, the JSON-RPC
dispatch, the admin surface, and (when enabled) the orchestrator with its
stale-task watchdog.

Serving is also the default when no subcommand is given:

  forged                       # serve on LISTEN_ADDR (default :8000)
  forged serve --listen :9000  # override the listen address`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadWithFlags(cfgFile, rootCmd.PersistentFlags())
	if err != nil {
		return err
	}
	log.Init(cfg.LogLevel)
	ctx := cmd.Context()

	insecure, err := cfg.ValidateAuth()
	if err != nil {
		if errors.Is(err, config.ErrTokenMissing) {
			log.Error(ctx, "startup.mcp_token_missing",
				zap.Bool("allow_insecure_dev", cfg.Auth.AllowInsecureDev))
		} else {
			log.Error(ctx, "startup.placeholder_token_blocked",
				zap.Bool("placeholder_token", true))
		}
		return err
	}
	if insecure {
		log.Warn(ctx, "startup.using_placeholder_token",
			zap.Bool("allow_insecure_dev", true),
			zap.Bool("placeholder_token", true))
	}

	var embed semantic.EmbedFunc
	if semantic.Enabled(cfg.Semantic.Enabled, cfg.Semantic.Model) {
		embed, err = semantic.New(cfg.Semantic.Model)
		if err != nil {
			return fmt.Errorf("configuring semantic search: %w", err)
		}
	}

	provider, err := tracing.NewProvider(tracing.Config{
		Enabled:        cfg.TracingEnabled(),
		Exporter:       cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		Headers:        cfg.Tracing.Headers,
		Attributes:     cfg.Tracing.Attributes,
		FilePath:       cfg.Tracing.FilePath,
		ServiceVersion: mcp.ServerVersion,
		Environment:    cfg.Env,
	})
	if err != nil {
		// A broken exporter config degrades to no tracing, not a failed start.
		log.Warn(ctx, "otel.init_failed", zap.Error(err))
		provider, _ = tracing.NewProvider(tracing.Config{})
	}

	// Tool handlers treat a nil Store as degraded mode; the interface stays
	// nil when no database is configured.
	var store domain.Store
	var pg *postgres.Store
	if cfg.DatabaseURL != "" {
		pg, err = postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		if pingErr := pg.Ping(ctx); pingErr != nil {
			log.Warn(ctx, "startup.db_unreachable", zap.Error(pingErr))
		}
		store = pg
	} else {
		log.Warn(ctx, "startup.db_not_configured")
	}

	eventBus := bus.New()
	loader := tokens.NewLoader(cfg.MemoryRoot)
	engine := governance.NewEngine(store, loader)
	watcher := startTokenWatcher(ctx, engine, cfg.MemoryRoot)

	orch := orchestrator.New(eventBus, store, engine)
	if cfg.OrchestratorEnabled {
		orch.Start(ctx)
	} else {
		log.Info(ctx, "orchestrator.disabled",
			zap.String("reason", "ORCHESTRATOR_ENABLED=false"))
	}

	srv := mcp.NewServer(mcp.Options{
		Config:  cfg,
		Store:   store,
		Bus:     eventBus,
		Engine:  engine,
		Loader:  loader,
		Runner:  orch,
		Embed:   embed,
		Tracing: provider.Status(),
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: /sse streams for the connection lifetime.
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info(ctx, "startup.listening",
		zap.String("addr", cfg.ListenAddr),
		zap.String("version", mcp.ServerVersion),
		zap.String("env", cfg.Env),
		zap.Bool("db", store != nil),
		zap.Bool("tracing", provider.Enabled()),
		zap.Bool("orchestrator", cfg.OrchestratorEnabled))

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info(ctx, "shutdown.signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "shutdown.http_error", zap.Error(err))
	}
	if orch.Running() {
		orch.Stop(shutdownCtx)
	}
	if watcher != nil {
		_ = watcher.Stop()
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "shutdown.tracing_error", zap.Error(err))
	}
	if pg != nil {
		pg.Close()
	}
	log.Info(shutdownCtx, "shutdown.complete")
	return runErr
}

// startTokenWatcher begins fsnotify invalidation over the memory tree so
// token and policy edits flush the cached governance rules. Watch failures
// cost hot reload only, so they log and return nil.
func startTokenWatcher(ctx context.Context, engine *governance.Engine, root string) *tokens.Watcher {
	watcher, err := tokens.NewWatcher(root)
	if err != nil {
		log.Warn(ctx, "tokens.watch_unavailable", zap.Error(err))
		return nil
	}

	changes, err := watcher.Start()
	if err != nil {
		log.Warn(ctx, "tokens.watch_unavailable", zap.Error(err))
		_ = watcher.Stop()
		return nil
	}

	go func() {
		for range changes {
			engine.InvalidateRules()
			log.Info(context.Background(), "governance.rules_invalidated",
				zap.String("root", root))
		}
	}()
	return watcher
}
