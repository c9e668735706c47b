package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mediaforge/foreman/pkg/api"
	"github.com/mediaforge/foreman/pkg/client"
	"github.com/mediaforge/foreman/pkg/config"
	"github.com/mediaforge/foreman/pkg/coordinator"
	"github.com/mediaforge/foreman/pkg/events"
	"github.com/mediaforge/foreman/pkg/folders"
	"github.com/mediaforge/foreman/pkg/locks"
	"github.com/mediaforge/foreman/pkg/log"
	"github.com/mediaforge/foreman/pkg/metrics"
	"github.com/mediaforge/foreman/pkg/registry"
	"github.com/mediaforge/foreman/pkg/storage"
	"github.com/mediaforge/foreman/pkg/sweeper"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	serverAddr string
	authToken  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Foreman - dispatch and coordination server for render farm nodes",
	Long: `Foreman coordinates a fleet of worker nodes processing media batches:
task dispatch, per-folder fan-out progress, advisory file locks, and
node liveness tracking, backed by a single embedded database file.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Foreman version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.AddCommand(serveCmd)

	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://127.0.0.1:8420", "Foreman server address")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "Bearer token for authenticated servers")
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(lockCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.Production,
			Directory:  cfg.LogDirectory,
		}); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		metrics.Register()

		store, err := storage.NewBoltStore(cfg.DBPath, storage.Options{Strict: cfg.Production})
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer store.Close()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		coord := coordinator.NewCoordinator(store, broker)
		lockMgr := locks.NewManager(store, cfg.LockTTL)
		tracker := folders.NewTracker(store, coord, broker)
		reg := registry.NewRegistry(store, lockMgr, coord, broker, cfg.HeartbeatTimeout)

		sweep := sweeper.New(store, lockMgr, reg, cfg.LockSweepInterval, cfg.NodeSweepInterval)
		sweep.Start()
		defer sweep.Stop()

		server := api.NewServer(cfg, reg, coord, tracker, lockMgr, broker)
		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-errCh:
			if err != nil {
				return err
			}
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Stop(ctx); err != nil {
			return fmt.Errorf("failed to shut down cleanly: %w", err)
		}
		return nil
	},
}

func newClient() *client.Client {
	var opts []client.Option
	if authToken != "" {
		opts = append(opts, client.WithToken(authToken))
	}
	return client.New(serverAddr, opts...)
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Inspect the worker fleet",
}

var nodeLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		ctx, cancel := cmdContext()
		defer cancel()

		nodes, err := newClient().ListNodes(ctx, all)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tIP\tAVAILABLE\tLAST HEARTBEAT")
		for _, n := range nodes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n",
				n.ID, n.Name, n.IPAddress, n.IsAvailable,
				n.LastHeartbeat.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect tasks",
}

var taskLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		tasks, err := newClient().ListTasks(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tASSIGNED\tVERSION")
		for _, t := range tasks {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\n",
				t.ID, t.Name, t.Type, t.Status, t.AssignedNodeID, t.Version)
		}
		return w.Flush()
	},
}

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect advisory file locks",
}

var lockLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List live locks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		lockRows, err := newClient().ListLocks(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PATH\tHOLDER\tACQUIRED\tREFRESHED")
		for _, l := range lockRows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				l.NormalizedPath, l.HolderNodeID,
				l.CreatedAt.Format(time.RFC3339),
				l.LastUpdatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func init() {
	nodeLsCmd.Flags().BoolP("all", "a", false, "Include offline nodes")
	nodeCmd.AddCommand(nodeLsCmd)
	taskCmd.AddCommand(taskLsCmd)
	lockCmd.AddCommand(lockLsCmd)
}
