package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/truongvando/ezstream-sub005/pkg/agent"
	"github.com/truongvando/ezstream-sub005/pkg/bus"
	"github.com/truongvando/ezstream-sub005/pkg/crashreport"
	"github.com/truongvando/ezstream-sub005/pkg/log"
)

// exitRestart asks the service manager to start the agent again
const exitRestart = 75

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the streaming agent on a node",
	Long: `Run the node agent. It subscribes to the node's command channel, runs one
ffmpeg process per stream, publishes heartbeats and status updates on the
report channel and posts resource telemetry to the control plane.

A RESTART_AGENT command stops every stream and exits with status 75 so the
service manager starts a fresh agent.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if id, _ := cmd.Flags().GetInt64("node-id"); id > 0 {
			cfg.Agent.NodeID = id
		}
		if cfg.Agent.NodeID <= 0 {
			return fmt.Errorf("agent.node_id is required")
		}
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required to run an agent")
		}
		if cfg.Agent.Version == "" {
			cfg.Agent.Version = Version
		}

		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		b := bus.NewRedisBus(client)
		defer b.Close()

		channels := bus.Channels{
			CommandPrefix: cfg.Bus.CommandChannelPrefix,
			Reports:       cfg.Bus.ReportChannel,
		}
		runner := agent.NewFFmpegRunner(cfg.Agent.FFmpegPath, cfg.Agent.StateDir)
		a := agent.New(cfg.Agent, b, channels, runner, agent.NewHostSampler(cfg.Agent.StateDir))

		ctx, cancel := signalContext()
		defer cancel()

		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
		}

		err := a.Run(ctx)
		if errors.Is(err, agent.ErrRestartRequested) {
			log.Logger.Info().Int64("node_id", cfg.Agent.NodeID).Msg("Agent exiting for restart")
			crashreport.Flush(2 * time.Second)
			os.Exit(exitRestart)
		}
		if err != nil {
			crashreport.CaptureException(err)
		}
		return err
	},
}

func init() {
	agentCmd.Flags().Int64("node-id", 0, "Override agent.node_id")
}
