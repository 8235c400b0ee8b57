package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetlab/fleetd/cmd/fleetd/httpapi"
	"github.com/fleetlab/fleetd/pkg/config"
	"github.com/fleetlab/fleetd/pkg/events"
	"github.com/fleetlab/fleetd/pkg/ingress"
	"github.com/fleetlab/fleetd/pkg/log"
	"github.com/fleetlab/fleetd/pkg/metrics"
	"github.com/fleetlab/fleetd/pkg/nodesvc"
	"github.com/fleetlab/fleetd/pkg/portalloc"
	"github.com/fleetlab/fleetd/pkg/reconciler"
	"github.com/fleetlab/fleetd/pkg/relay"
	"github.com/fleetlab/fleetd/pkg/scheduler"
	"github.com/fleetlab/fleetd/pkg/security"
	"github.com/fleetlab/fleetd/pkg/store/boltstore"
	"github.com/fleetlab/fleetd/pkg/types"
	"github.com/fleetlab/fleetd/pkg/vmsvc"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetd",
	Short: "fleetd - bare-metal fleet orchestration control plane",
	Long: `fleetd is the control plane for a bare-metal compute fleet: node
registration and heartbeat, scheduling, VM lifecycle management, and
direct-access networking for nodes behind CGNAT.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"fleetd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fleetd control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logger := log.WithComponent("fleetd")

		st, err := boltstore.New(cfg.DataDir, time.Duration(cfg.MongoDB.SyncIntervalSeconds)*time.Second)
		if err != nil {
			return fmt.Errorf("open data store: %w", err)
		}
		defer st.Close()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		verifier := security.NewWalletVerifier()
		tokens, err := security.NewTokenManager([]byte(cfg.Jwt.Key), cfg.Jwt.Issuer, cfg.Jwt.Audience, 0)
		if err != nil {
			return fmt.Errorf("build token manager: %w", err)
		}

		registrar := ingress.NewLogRegistrar()
		lifecycle := vmsvc.NewLifecycleManager(st, registrar, broker)

		mgmt := relay.NewHTTPManagementClient()
		relayCoord := relay.New(st, mgmt)

		nodeSvc := nodesvc.New(st, verifier, tokens, relayCoord, lifecycle, broker, nodesvc.Config{
			PerfEval:         cfg.Scheduling.ToPerfEvalConfig(),
			OfflineThreshold: cfg.HeartbeatTimeout,
		})

		templatesPath, _ := cmd.Flags().GetString("templates")
		var templates []*types.Template
		if templatesPath != "" {
			templates, err = vmsvc.LoadTemplatesFromYAML(templatesPath)
			if err != nil {
				return fmt.Errorf("load template catalog: %w", err)
			}
		}

		sched := scheduler.New(st, cfg.Scheduling.ToSchedulerConfig())
		vmSvc := vmsvc.NewService(st, sched, lifecycle, vmsvc.NewStaticTemplateLookup(templates...), vmsvc.Config{
			Scheduling: cfg.Scheduling.ToSchedulerConfig(),
		})
		portSvc := portalloc.New(st, broker)

		recon := reconciler.New(st, vmSvc, nil)
		recon.Start()
		defer recon.Stop()

		watchdogCtx, cancelWatchdogs := context.WithCancel(context.Background())
		defer cancelWatchdogs()
		go nodeSvc.RunWatchdog(watchdogCtx, cfg.HeartbeatTimeout/2)
		go nodeSvc.RunCommandSweep(watchdogCtx, time.Minute, 10*time.Minute)

		metrics.SetVersion(Version)
		metrics.RegisterComponent("store", true, "ready")
		metrics.RegisterComponent("scheduler", true, "ready")
		metrics.RegisterComponent("reconciler", true, "ready")
		metrics.RegisterComponent("api", true, "ready")

		server := httpapi.New(nodeSvc, vmSvc, portSvc, st, httpapi.HeartbeatInfo{
			Interval:            cfg.HeartbeatInterval,
			SchedulingConfigVer: cfg.Scheduling.Version,
			DHTBootstrapPeers:   cfg.DHTBootstrapPeers,
		})

		httpSrv := &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      server.Handler(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http server error: %w", err)
			}
		}()
		logger.Info().Str("addr", cfg.ListenAddr).Msg("fleetd control plane listening")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			logger.Info().Msg("shutting down")
		case err := <-errCh:
			logger.Error().Err(err).Msg("http server failed")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to TOML config file")
	serveCmd.Flags().String("templates", "", "Path to a YAML VM template catalog")
}
