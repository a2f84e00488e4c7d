package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/MimeLyc/agent-orchestrator/internal/config"
	"github.com/MimeLyc/agent-orchestrator/internal/httpapi"
	"github.com/MimeLyc/agent-orchestrator/internal/jobs"
	"github.com/MimeLyc/agent-orchestrator/internal/mcp"
	"github.com/MimeLyc/agent-orchestrator/internal/observability"
	"github.com/MimeLyc/agent-orchestrator/internal/persistence"
	"github.com/MimeLyc/agent-orchestrator/internal/service"
	"github.com/MimeLyc/agent-orchestrator/pkg/log"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootFlags struct {
	catalog  string
	logLevel string
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "agent-orchestrator",
		Short:         "Run tool-using LLM agents",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.catalog, "catalog", "", "agent catalog file (default: CATALOG_FILE)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error (default: LOG_LEVEL)")

	root.AddCommand(
		newServeCommand(flags),
		newRunCommand(flags),
		newToolsCommand(flags),
		newPruneCommand(flags),
	)
	return root
}

func newServeCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the run queue and the scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, flags)
		},
	}
}

// loadConfig reads the environment, then overlays the runtime settings file
// when one exists.
func loadConfig(flags *rootFlags) (*config.Config, *config.Catalog, error) {
	var opts []config.Option
	settingsPath := config.RuntimeSettingsFilePath()
	settings, err := config.LoadRuntimeSettingsFile(settingsPath)
	switch {
	case err == nil:
		opts = append(opts, config.WithRuntimeSettings(settings))
	case errors.Is(err, fs.ErrNotExist):
	default:
		log.Warn("Ignoring runtime settings file %s: %v", settingsPath, err)
	}

	cfg, err := config.NewFromEnv(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}

	level := cfg.System.LogLevel
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	log.InitLogger(log.ParseLevel(level))

	if loc, err := time.LoadLocation(cfg.System.TZ); err == nil {
		time.Local = loc
	} else {
		log.Warn("Unknown timezone %q, keeping %s", cfg.System.TZ, time.Local)
	}

	path := cfg.System.CatalogFile
	if flags.catalog != "" {
		path = flags.catalog
	}
	catalog, err := config.LoadCatalog(path)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		log.Warn("Catalog %s not found, using the default assistant", path)
		catalog = config.DefaultCatalog()
	default:
		return nil, nil, fmt.Errorf("load catalog: %w", err)
	}
	return cfg, catalog, nil
}

// components are the long-lived parts shared by every command.
type components struct {
	cfg     *config.Config
	catalog *config.Catalog
	pool    *mcp.Pool
	store   *persistence.SQLiteStore
	svc     *service.Service

	// queue and cron are only set for serve.
	queue *jobs.Queue
	cron  *cron.Cron
}

func (c *components) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.pool.Close(ctx); err != nil {
		log.Warn("Failed to close MCP sessions: %v", err)
	}
	if err := c.store.Close(); err != nil {
		log.Warn("Failed to close database: %v", err)
	}
}

func buildComponents(ctx context.Context, flags *rootFlags, background bool) (*components, error) {
	cfg, catalog, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}

	store, err := persistence.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pool := mcp.NewPool(catalog.Servers)
	if err := pool.Connect(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	c := &components{cfg: cfg, catalog: catalog, pool: pool, store: store}
	opts := []service.Option{
		service.WithRemoteCatalog(pool),
		service.WithTranscriptStore(store),
		service.WithMetrics(observability.Default()),
	}
	if background {
		c.queue = jobs.NewQueue(cfg.Agent.Workers, store)
		c.cron = cron.New()
		opts = append(opts, service.WithQueue(c.queue), service.WithCron(c.cron))
	}

	c.svc, err = service.New(*cfg, catalog, opts...)
	if err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func serve(ctx context.Context, flags *rootFlags) error {
	c, err := buildComponents(ctx, flags, true)
	if err != nil {
		return err
	}
	defer c.Close()

	c.queue.Start(c.svc.Execute)
	defer c.queue.Stop()

	settingsStore, err := config.NewRuntimeSettingsStore(config.RuntimeSettingsFilePath(), c.cfg.RuntimeSettings())
	if err != nil {
		return fmt.Errorf("runtime settings: %w", err)
	}
	srv := httpapi.NewServer(c.svc,
		httpapi.WithRuntimeSettingsStore(settingsStore),
		httpapi.WithRuntimeSettingsApplier(c.svc.ApplyRuntimeSettings),
	)

	return runWithComponents(ctx, c.cfg, c.svc, c.cron, srv)
}

type scheduler interface {
	Schedule(ctx context.Context) error
}

type cronRunner interface {
	Start()
	Stop() context.Context
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

// runWithComponents registers the schedules, starts cron and serves HTTP
// until ctx ends or the server fails.
func runWithComponents(ctx context.Context, cfg *config.Config, sched scheduler, cronEngine cronRunner, srv httpServer) error {
	if err := sched.Schedule(ctx); err != nil {
		return err
	}
	cronEngine.Start()
	defer cronEngine.Stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP API listening on %s", cfg.HTTP.Addr)
		errCh <- srv.ListenAndServe(cfg.HTTP.Addr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		log.Info("Shutdown complete")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
