package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/portkeep/portkeep/internal/api"
	"github.com/portkeep/portkeep/internal/config"
	"github.com/portkeep/portkeep/internal/daemon"
	"github.com/portkeep/portkeep/internal/events"
	"github.com/portkeep/portkeep/internal/gateway"
	"github.com/portkeep/portkeep/internal/gitops"
	"github.com/portkeep/portkeep/internal/logger"
	"github.com/portkeep/portkeep/internal/metrics"
	"github.com/portkeep/portkeep/internal/reconcile"
	"github.com/portkeep/portkeep/internal/renew"
	"github.com/portkeep/portkeep/internal/rules"
)

const versionString = "portkeep v1.0.0"

var (
	configFile = flag.String("config", "", "Path to configuration file (default: search path)")
	version    = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Println(versionString)
		os.Exit(0)
	}

	// Resolve and load configuration
	path, err := resolveConfigPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to locate configuration: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Setup logging
	if err := logger.Setup(logger.Config{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to setup logger: %v\n", err)
		os.Exit(1)
	}

	logger.Info().
		Str("config", path).
		Str("backend", cfg.Gateway.Backend).
		Msg("Starting portkeep daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize metrics
	m := metrics.New()

	// Initialize event broadcaster for the activity stream
	broadcaster := events.NewBroadcaster()
	broadcaster.Start(ctx)

	// Desired rule store, loaded from config
	store := rules.NewStore()
	desired, err := cfg.DesiredRules()
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid rules in configuration")
	}
	if err := store.Load(desired); err != nil {
		logger.Fatal().Err(err).Msg("Failed to load rules")
	}
	logger.Info().Int("rules", store.Len()).Msg("Loaded desired rules")

	// Gateway backend
	client := newGatewayClient(cfg)
	defer client.Close()

	// Reconciler and renewal scheduler
	clk := clock.New()
	rec := reconcile.New(client, clk, m, reconcile.Config{
		Marker:        ownershipMarker(),
		LeaseDuration: cfg.Gateway.LeaseDuration,
	})
	sched := renew.NewScheduler(clk, cfg.Renewal.SafetyMargin)

	d := daemon.New(daemon.Config{
		SweepInterval:  cfg.Renewal.SweepInterval,
		CleanupTimeout: cfg.Renewal.CleanupTimeout,
		SkipCleanup:    cfg.Renewal.SkipCleanup,
	}, client, store, rec, sched, clk, m, broadcaster)

	// Reload path shared by signals, the API, and GitOps
	reload := func() error {
		p, err := resolveConfigPath()
		if err != nil {
			m.RecordConfigReload(false)
			return err
		}
		newCfg, err := config.Load(p)
		if err != nil {
			m.RecordConfigReload(false)
			return fmt.Errorf("reload rejected, keeping previous rules: %w", err)
		}
		rs, err := newCfg.DesiredRules()
		if err != nil {
			m.RecordConfigReload(false)
			return fmt.Errorf("reload rejected, keeping previous rules: %w", err)
		}
		if err := store.Load(rs); err != nil {
			m.RecordConfigReload(false)
			return fmt.Errorf("reload rejected, keeping previous rules: %w", err)
		}
		m.RecordConfigReload(true)
		broadcaster.BroadcastConfigReload(len(rs))
		logger.Info().Int("rules", len(rs)).Msg("Reloaded configuration")
		d.Reload()
		return nil
	}

	// Initialize GitOps (if enabled)
	var gitPoller *gitops.Poller
	var syncService *gitops.SyncService
	if cfg.Git.Enabled {
		logger.Info().
			Str("repository", cfg.Git.Repository).
			Str("branch", cfg.Git.Branch).
			Msg("Initializing GitOps")

		repoConfig := &gitops.RepositoryConfig{
			URL:            cfg.Git.Repository,
			Branch:         cfg.Git.Branch,
			LocalPath:      cfg.Git.LocalPath,
			ConfigFilePath: cfg.Git.ConfigPath,
		}
		if cfg.Git.Auth.Type == "token" && cfg.Git.Auth.Token != "" {
			repoConfig.Username = "git"
			repoConfig.Password = cfg.Git.Auth.Token
		}

		repo := gitops.NewRepository(repoConfig)
		if err := repo.Initialize(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to initialize Git repository")
		}

		syncService = gitops.NewSyncService(repo, func(rs []rules.Rule) error {
			if err := store.Load(rs); err != nil {
				return err
			}
			broadcaster.BroadcastGitSyncEvent(true, "", "rules applied")
			d.Reload()
			return nil
		}, m)
		gitPoller = gitops.NewPoller(syncService, cfg.Git.PollInterval)
	}

	// API server (if enabled)
	var apiServer *api.Server
	if cfg.Observability.WebEnabled {
		apiServer = api.New(api.Config{Port: cfg.Observability.WebPort},
			d, store, gitPoller, syncService, broadcaster, reload)
		if err := apiServer.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start API server")
		}
	}

	if gitPoller != nil {
		if err := gitPoller.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start GitOps poller")
		}
	}

	// Run the control loop
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := d.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("Daemon loop ended with error")
		}
	}()

	// Signal handling: HUP/USR1 reload, INT/TERM terminate
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)

	logger.Info().Msg("portkeep is running")

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP || sig == syscall.SIGUSR1 {
			logger.Info().Str("signal", sig.String()).Msg("Reload signal received")
			if err := reload(); err != nil {
				logger.Error().Err(err).Msg("Configuration reload failed")
			}
			continue
		}

		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, stopping")
		break
	}

	cancel()

	// Wait for the control loop to finish its cleanup pass
	select {
	case <-done:
	case <-time.After(cfg.Renewal.CleanupTimeout + 5*time.Second):
		logger.Warn().Msg("Daemon loop did not stop in time")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if gitPoller != nil {
		if err := gitPoller.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error stopping GitOps poller")
		}
	}
	if apiServer != nil {
		if err := apiServer.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error stopping API server")
		}
	}

	logger.Info().Msg("portkeep stopped")
}

func resolveConfigPath() (string, error) {
	if *configFile != "" {
		return *configFile, nil
	}
	return config.Find(config.DefaultSearchPath())
}

func newGatewayClient(cfg *config.Config) gateway.Client {
	if cfg.Gateway.Backend == "natpmp" {
		return gateway.NewNATPMPClient(cfg.Gateway.CallTimeout)
	}
	return gateway.NewUPnPClient(cfg.Gateway.DiscoveryTimeout, cfg.Gateway.CallTimeout)
}

// ownershipMarker builds the description tag stamped onto every mapping this
// daemon creates. The fixed prefix keeps ownership stable across versions;
// the hostname keeps two daemons on one LAN out of each other's mappings.
func ownershipMarker() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return "portkeep:" + host
}
