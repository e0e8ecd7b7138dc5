/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the replacement-leave engine. The default
  command serves the HTTP API; the others run one-off maintenance
  against the same database.

COMMANDS:
  serve        Start the HTTP server and escalation scheduler (default)
  migrate      Create or upgrade the SQLite schema and exit
  escalations  Print PENDING requests older than the threshold
  seed         Load a demo scenario into the database

GLOBAL FLAGS:
  --config     TOML config file (also TOIL_CONFIG)
  --db         SQLite database path, overrides config
               Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the escalation scheduler
  2. Stop accepting new connections
  3. Wait for active requests (server.shutdown_timeout)
  4. Close the database

EXAMPLES:
  ./server serve --db ./data/toil.db
  TOIL_LOG_FORMAT=console ./server serve
  ./server escalations --threshold-days 5
  ./server seed training-credit

SEE ALSO:
  - config/config.go: Settings and environment variables
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

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

	"github.com/warp/toil-engine/api"
	"github.com/warp/toil-engine/config"
	"github.com/warp/toil-engine/engine"
	"github.com/warp/toil-engine/logging"
	"github.com/warp/toil-engine/store/sqlite"
)

var (
	configPath string
	dbPath     string
)

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "Replacement leave (TOIL) engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "TOML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app holds what every command opens.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	store  *sqlite.Store
	engine *engine.Engine
}

func open() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	eng := engine.New(store, engine.Options{
		Logger:          logger,
		RLLeaveTypeCode: cfg.Leave.RLLeaveType,
	})
	return &app{cfg: cfg, logger: logger, store: store, engine: eng}, nil
}

func (rt *app) close() {
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("closing database", zap.Error(err))
	}
	_ = rt.logger.Sync()
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := open()
	if err != nil {
		return err
	}
	defer rt.close()
	cfg, logger := rt.cfg, rt.logger

	handler := api.NewHandler(rt.engine, logger.Named("api"))
	handler.Health = rt.store

	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestLogging: cfg.Server.RequestLogging,
	})

	scheduler := api.NewEscalationScheduler(rt.engine, logger.Named("escalation"))
	scheduler.Enabled = cfg.Escalation.Enabled
	scheduler.CheckInterval = cfg.Escalation.Interval.Duration
	scheduler.ThresholdDays = cfg.Escalation.ThresholdDays
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", cfg.Server.Addr),
			zap.String("db", cfg.Database.Path))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	logger.Info("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
