// cmd/cbfw/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/google/nftables"

	"cbfw/internal/api"
	"cbfw/internal/config"
	"cbfw/internal/firewall"
	"cbfw/internal/geoip"
	"cbfw/internal/logger"
	"cbfw/internal/source"
	"cbfw/internal/syncer"
)

const (
	Version           = "1.0.0"
	DefaultConfigPath = "/etc/cbfw/cbfw.conf"
	ShutdownTimeout   = 30 * time.Second
)

// App encapsulates the entire application state
type App struct {
	cfg    *config.Config
	ctx    context.Context
	cancel context.CancelFunc

	// Core components
	geo        *geoip.Resolver
	store      *firewall.SetStore
	reconciler *firewall.Reconciler
	syncer     *syncer.Syncer
	apiServer  *api.APIServer

	// Synchronization
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

func main() {
	flags := parseFlags()

	if flags.version {
		fmt.Printf("cbfw - Country Block Firewall Manager v%s\n", Version)
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := &App{
		ctx:    ctx,
		cancel: cancel,
	}

	if err := app.initialize(flags); err != nil {
		logger.Error("main", "Failed to initialize application", "error", err.Error())
		os.Exit(1)
	}

	if flags.once {
		summary, err := app.syncer.RunPass(ctx)
		if err != nil {
			logger.Error("main", "Sync pass failed", "error", err.Error())
			os.Exit(1)
		}
		if summary.Failed > 0 {
			os.Exit(1)
		}
		return
	}

	app.start()

	logger.Info("main", "cbfw started", "version", Version, "pid", os.Getpid())

	app.waitForShutdown()

	app.shutdown()
	logger.Info("main", "cbfw shutdown completed")
}

type flags struct {
	configPath string
	version    bool
	once       bool
	dryRun     bool
}

func parseFlags() *flags {
	var f flags
	flag.StringVar(&f.configPath, "config", DefaultConfigPath, "Configuration file path")
	flag.BoolVar(&f.version, "version", false, "Show version information")
	flag.BoolVar(&f.once, "once", false, "Run a single sync pass and exit")
	flag.BoolVar(&f.dryRun, "dry-run", false, "Use an in-memory firewall instead of the kernel")
	flag.Parse()
	return &f
}

func (app *App) initialize(flags *flags) error {
	if err := preFlightChecks(flags.dryRun); err != nil {
		return fmt.Errorf("pre-flight checks failed: %w", err)
	}

	cfg, err := config.LoadConfig(flags.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config from %s: %w", flags.configPath, err)
	}

	if err := config.ValidateConfig(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	app.cfg = cfg
	logger.SetLevel(cfg.Log.Level)
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", cfg.Log.File, err)
		}
		logger.SetOutput(f)
	}
	logger.Info("main", "Configuration loaded and validated",
		"config_path", flags.configPath, "countries", len(cfg.Countries.Codes))

	return app.initializeComponents(flags)
}

func preFlightChecks(dryRun bool) error {
	if dryRun {
		return nil
	}

	if runtime.GOOS != "linux" {
		return fmt.Errorf("cbfw requires Linux")
	}

	if os.Geteuid() != 0 {
		return fmt.Errorf("cbfw requires root privileges")
	}

	if err := firewall.CheckAvailable(); err != nil {
		return fmt.Errorf("nftables check failed: %w", err)
	}

	return nil
}

func (app *App) initializeComponents(flags *flags) error {
	app.geo = geoip.NewResolver(&app.cfg.GeoIP)
	if err := app.geo.Initialize(); err != nil {
		// Lookups are a convenience, the blocker works without them.
		logger.Warn("main", "GeoIP initialization failed", "error", err.Error())
	}

	var conn firewall.NFTablesConn
	if flags.dryRun {
		logger.Warn("main", "Dry-run mode, kernel will not be touched")
		conn = firewall.NewMemConn()
	} else {
		conn = firewall.NewRealNFTablesConn(&nftables.Conn{})
	}

	app.store = firewall.NewSetStore(conn, app.cfg.Firewall.TableName, app.cfg.Sets.Prefix, firewall.CapacityHints{
		HashSize:   app.cfg.Sets.HashSize,
		MaxElement: app.cfg.Sets.MaxElement,
	})
	if err := app.store.EnsureTable(); err != nil {
		return fmt.Errorf("firewall table setup failed: %w", err)
	}

	app.reconciler = firewall.NewReconciler(conn, app.store.Table(), app.cfg.Firewall.Chain, app.cfg.Firewall.Action)
	if app.cfg.Firewall.Enabled {
		if err := app.reconciler.EnsureChain(); err != nil {
			return fmt.Errorf("firewall chain setup failed: %w", err)
		}
	}

	client := source.NewClient(&app.cfg.Source)
	cache := source.NewZoneCache(app.cfg.Source.OutputDir)
	app.syncer = syncer.New(app.cfg, client, cache, app.store, app.reconciler)

	app.apiServer = api.NewAPIServer(app.cfg, app.store, app.syncer, app.geo, Version)

	logger.Info("main", "All components initialized")
	return nil
}

func (app *App) start() {
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.syncLoop()
	}()

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		if err := app.apiServer.Start(app.cfg.API.Listen); err != nil {
			logger.Error("main", "API server failed", "error", err.Error())
			app.cancel()
		}
	}()
}

// syncLoop runs one pass at startup, then on every interval tick until
// shutdown.
func (app *App) syncLoop() {
	if _, err := app.syncer.RunPass(app.ctx); err != nil {
		logger.Error("main", "Initial sync pass failed", "error", err.Error())
	}

	ticker := time.NewTicker(app.cfg.Sync.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := app.syncer.RunPass(app.ctx); err != nil {
				logger.Error("main", "Scheduled sync pass failed", "error", err.Error())
			}
		case <-app.ctx.Done():
			return
		}
	}
}

func (app *App) waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	select {
	case sig := <-sigCh:
		logger.Info("main", "Received shutdown signal", "signal", sig.String())
	case <-app.ctx.Done():
		logger.Info("main", "Context cancelled, initiating shutdown")
	}
}

func (app *App) shutdown() {
	app.shutdownOnce.Do(func() {
		logger.Info("main", "Starting graceful shutdown")

		app.cancel()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()

		if err := app.apiServer.Stop(shutdownCtx); err != nil {
			logger.Warn("main", "API server shutdown error", "error", err.Error())
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			app.wg.Wait()
		}()

		select {
		case <-done:
			logger.Info("main", "Graceful shutdown completed")
		case <-shutdownCtx.Done():
			logger.Warn("main", "Shutdown timeout exceeded, forcing exit")
		}

		app.geo.Close()
	})
}
