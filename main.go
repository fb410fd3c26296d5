// LinenTrack field station.
// Offline-first cache and sync agent for RFID linen scanning stations.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/kardianos/service"

	"linentrack/station/logger"
	"linentrack/station/remote"
	"linentrack/station/status"
	"linentrack/station/storage"
	"linentrack/station/syncer"
)

// Version information (set at build time via -ldflags)
var (
	Version   = "dev"     // Semantic version (e.g., "1.0.0")
	BuildTime = "unknown" // Build timestamp
	GitCommit = "unknown" // Git commit hash
)

// Global structured logger
var appLogger *logger.Logger

func main() {
	configPath := flag.String("config", "", "Configuration file path")
	generateConfig := flag.Bool("generate-config", false, "Generate default config file and exit")
	serviceCmd := flag.String("service", "", "Service control: install, uninstall, start, stop, restart, status, run")
	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("LinenTrack Station %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)
		fmt.Printf("Go Version: %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		return
	}

	if *generateConfig {
		path := *configPath
		if path == "" {
			path = "station.toml"
		}
		if err := WriteDefaultStationConfig(path); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default configuration at %s\n", path)
		return
	}

	if *serviceCmd != "" {
		handleServiceCommand(*serviceCmd)
		return
	}

	if !service.Interactive() {
		runAsService()
		return
	}

	// Interactive mode: stop on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	runStation(ctx, *configPath)
}

// handleServiceCommand processes service install/uninstall/start/stop commands
func handleServiceCommand(cmd string) {
	svcConfig := getServiceConfig()
	prg := &program{}
	s, err := service.New(prg, svcConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create service: %v\n", err)
		os.Exit(1)
	}

	switch cmd {
	case "install":
		if err := setupServiceDirectories(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to setup service directories: %v\n", err)
			os.Exit(1)
		}
		if err := s.Install(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to install service: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("LinenTrack Station service installed")
		fmt.Println("Use '--service start' to start the service")

	case "uninstall":
		if err := s.Uninstall(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to uninstall service: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("LinenTrack Station service uninstalled")

	case "start":
		if err := s.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start service: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("LinenTrack Station service started")

	case "stop":
		if err := s.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to stop service: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("LinenTrack Station service stopped")

	case "restart":
		if err := s.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to stop service: %v\n", err)
			os.Exit(1)
		}
		time.Sleep(1 * time.Second)
		if err := s.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start service: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("LinenTrack Station service restarted")

	case "status":
		st, err := s.Status()
		if err != nil {
			fmt.Printf("Service status unknown: %v\n", err)
			return
		}
		switch st {
		case service.StatusRunning:
			fmt.Println("LinenTrack Station service is running")
		case service.StatusStopped:
			fmt.Println("LinenTrack Station service is stopped")
		default:
			fmt.Println("LinenTrack Station service is not installed")
		}

	case "run":
		if err := s.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Service run failed: %v\n", err)
			os.Exit(1)
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown service command: %s\n", cmd)
		fmt.Println("Valid commands: install, uninstall, start, stop, restart, status, run")
		os.Exit(1)
	}
}

// runAsService starts the station under service manager control
func runAsService() {
	svcConfig := getServiceConfig()
	prg := &program{}
	s, err := service.New(prg, svcConfig)
	if err != nil {
		os.Exit(1)
	}
	if err := s.Run(); err != nil {
		os.Exit(1)
	}
}

// runStation wires the components together and blocks until ctx is
// cancelled. It is shared by interactive and service mode.
func runStation(ctx context.Context, configFlag string) {
	dataDir, err := storage.GetDataDir("LinenTrack")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve data directory: %v\n", err)
		os.Exit(1)
	}

	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		logDir = "logs"
		_ = os.MkdirAll(logDir, 0755)
	}
	appLogger = logger.New(logger.INFO, logDir, 1000)
	defer appLogger.Close()

	appLogger.Info("LinenTrack Station starting",
		"version", Version,
		"build_time", BuildTime,
		"git_commit", GitCommit)

	// Load TOML configuration; a missing file means defaults plus env.
	configPath := configFlag
	if configPath == "" {
		configPath = FindConfigPath(dataDir)
	}
	cfg, err := LoadStationConfig(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			appLogger.Warn("No station.toml found, using defaults", "path", configPath)
			cfg = DefaultStationConfig()
			cfg.applyEnvOverrides()
			cfg.normalize()
			if writeErr := WriteDefaultStationConfig(configPath); writeErr == nil {
				appLogger.Info("Wrote default configuration", "path", configPath)
			}
		} else {
			appLogger.Error("Failed to load configuration", "path", configPath, "error", err)
			os.Exit(1)
		}
	} else {
		appLogger.Info("Loaded configuration", "path", configPath)
	}

	appLogger.SetLevel(logger.LevelFromString(cfg.Logging.Level))

	stationID, err := LoadOrGenerateStationID(dataDir)
	if err != nil {
		appLogger.Error("Failed to load station ID", "error", err)
		os.Exit(1)
	}
	appLogger.Info("Station identity", "station_id", stationID)

	snapshotPath := cfg.Database.Path
	if snapshotPath == "" {
		snapshotPath = filepath.Join(dataDir, "station.db")
	}
	appLogger.Info("Using cache snapshot", "path", snapshotPath)

	store := storage.NewStore(snapshotPath, appLogger)
	client := remote.NewClient(cfg.API.URL, cfg.API.Token, appLogger)

	hub := status.NewHub()
	defer hub.Stop()

	coordinator := syncer.New(store, client, hub, appLogger, syncer.Config{
		PageSize:         cfg.Sync.PageSize,
		WatermarkOverlap: time.Duration(cfg.Sync.WatermarkOverlapSeconds) * time.Second,
	})

	stats, err := coordinator.Initialize(ctx, cfg.API.Token)
	if err != nil {
		appLogger.Error("Failed to initialize local store", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	appLogger.Info("Local cache ready",
		"items", stats.ItemsCount,
		"tenants", stats.TenantsCount,
		"pending_operations", stats.PendingOperationsCount)

	store.StartAutoFlush(time.Duration(cfg.Sync.FlushIntervalSeconds) * time.Second)

	worker := NewSyncWorker(coordinator, appLogger, time.Duration(cfg.Sync.DeltaIntervalSeconds)*time.Second)
	if cfg.API.URL != "" {
		worker.Start()
		defer worker.Stop()
	} else {
		appLogger.Warn("No API URL configured, background sync disabled")
	}

	api := newStationAPI(store, coordinator, worker, hub, appLogger, stationID)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Web.HTTPPort),
		Handler: api.routes(),
	}

	serverErr := make(chan error, 1)
	go func() {
		appLogger.Info("HTTP server listening", "port", cfg.Web.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		appLogger.Info("Shutdown requested")
	case err := <-serverErr:
		appLogger.Error("HTTP server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("HTTP server shutdown incomplete", "error", err)
	}

	appLogger.Info("LinenTrack Station stopped")
}
