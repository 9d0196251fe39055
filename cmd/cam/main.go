package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/camctl/cam/pkg/api"
	"github.com/camctl/cam/pkg/events"
	"github.com/camctl/cam/pkg/log"
	"github.com/camctl/cam/pkg/recovery"
	"github.com/camctl/cam/pkg/runtime"
	"github.com/camctl/cam/pkg/scheduler"
	"github.com/camctl/cam/pkg/secrets"
	"github.com/camctl/cam/pkg/security"
	"github.com/camctl/cam/pkg/storage"
	"github.com/camctl/cam/pkg/volume"
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
	Use:   "cam",
	Short: "CAM - control plane for coding-agent tasks",
	Long: `CAM schedules coding-agent tasks onto workers: it launches one
container per task, watches worker heartbeats, retries or fails tasks
under fixed rules and releases pipeline steps as their dependencies
complete.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"CAM version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("data-dir", "/var/lib/cam", "Data directory")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log JSON instead of console output")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(secretCmd)
}

// initLogging configures the global logger from persistent flags
func initLogging(cmd *cobra.Command) {
	level, _ := cmd.Flags().GetString("log-level")
	jsonOut, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

// openStore opens the SQLite store under the data dir
func openStore(cmd *cobra.Command) (*storage.SQLiteStore, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	store, err := storage.NewSQLiteStore(filepath.Join(dataDir, "cam.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return store, nil
}

// newResolver builds the env-var resolver. Without CAM_MASTER_KEY every
// lookup misses, which keeps tasks needing secrets queued instead of
// launching them without credentials.
func newResolver(store storage.Store) secrets.Resolver {
	masterKey := os.Getenv("CAM_MASTER_KEY")
	if masterKey == "" {
		log.Warn("CAM_MASTER_KEY not set, secret resolution disabled")
		return secrets.Static{}
	}
	manager, err := security.NewSecretsManagerFromMasterKey(masterKey)
	if err != nil {
		log.Errorf("invalid CAM_MASTER_KEY", err)
		return secrets.Static{}
	}
	return secrets.NewStoreResolver(store, manager)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the CAM control plane",
}

var serverRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)

		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		cfg := scheduler.ConfigFromEnv()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()
		pub := events.Multi{broker, events.NewRecorder(store, "scheduler")}

		var rt runtime.Runtime
		if runtime.Probe(cfg.RuntimeSocket) {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			volumes, err := volume.NewLocalDriver(filepath.Join(dataDir, "volumes"))
			if err != nil {
				return err
			}
			cr, err := runtime.NewContainerdRuntime(cfg.RuntimeSocket, volumes)
			if err != nil {
				return fmt.Errorf("failed to connect to container runtime: %w", err)
			}
			defer cr.Close()
			rt = cr
		} else {
			log.Warn("no container runtime socket, running in daemon-only mode")
		}

		sched := scheduler.NewScheduler(store, rt, newResolver(store), pub, cfg)

		// Reconcile orphaned running tasks before the first tick
		rec := recovery.New(store, sched.StatusWriter(), pub, cfg.StaleTimeout)
		if _, err := rec.Run(); err != nil {
			return fmt.Errorf("startup recovery failed: %w", err)
		}

		sched.Start()
		defer sched.Stop()
		log.Info("scheduler started")

		httpAddr, _ := cmd.Flags().GetString("http-addr")
		if httpAddr != "" {
			health := api.NewHealthServer(store, rt != nil, Version)
			go func() {
				if err := health.Start(httpAddr); err != nil {
					log.Errorf("health server error", err)
				}
			}()
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down")
		return nil
	},
}

func init() {
	serverRunCmd.Flags().String("http-addr", ":9090", "Health and metrics listen address (empty disables)")
	serverCmd.AddCommand(serverRunCmd)
}
