package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/truongvando/ezstream-sub005/pkg/config"
	"github.com/truongvando/ezstream-sub005/pkg/crashreport"
	"github.com/truongvando/ezstream-sub005/pkg/log"
	"github.com/truongvando/ezstream-sub005/pkg/manager"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// cfg is loaded once in PersistentPreRunE for every subcommand
var cfg *config.Config

func main() {
	err := rootCmd.Execute()
	crashreport.Flush(2 * time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ezstream",
	Short: "EZStream - stream orchestration control plane",
	Long: `EZStream schedules RTMP restreams onto a fleet of VPS nodes, each
running a streaming agent, and keeps the stream table in line with what
the agents actually run.

The same binary runs the control plane (serve), the node agent (agent)
and the operator commands.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		})
		if err := crashreport.Init(cfg.Sentry.DSN, cfg.Sentry.Environment, Version); err != nil {
			log.Logger.Warn().Err(err).Msg("Crash reporting disabled")
		}
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"EZStream version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (YAML); env EZSTREAM_* overrides")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(countersCmd)
	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(migrateCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	Long: `Run the control plane: report listener and worker pool, scheduler,
reconciler, health monitor and the HTTP API.

Without redis.addr the bus and agent state cache stay in process, which is
only useful together with an in-process agent in development.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if addr, _ := cmd.Flags().GetString("api-addr"); addr != "" {
			cfg.API.Addr = addr
		}

		m, err := manager.NewManager(cfg)
		if err != nil {
			return fmt.Errorf("failed to create manager: %w", err)
		}
		defer m.Close()

		ctx, cancel := signalContext()
		defer cancel()

		fmt.Printf("Control plane listening on %s. Press Ctrl+C to stop.\n", cfg.API.Addr)
		if err := m.Run(ctx); err != nil {
			crashreport.CaptureException(err)
			return err
		}
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("api-addr", "", "Override api.addr")
}
