package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/truongvando/ezstream-sub005/pkg/client"
)

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Roll an agent update across ACTIVE nodes",
	Long: `Reinstall the agent on ACTIVE nodes in batches. Each node is UPDATING while
its setup runs, so nothing new is scheduled on it, and returns to ACTIVE
once the verify command passes.

Nodes still running streams are skipped unless --force is given; the agent
stops its processes when it restarts. The rollout stops at the first batch
with a failure unless --continue-on-error is set.`,
	Example: `  # Two nodes at a time, one minute apart
  ezstream upgrade --parallelism 2 --delay 1m

  # Only nodes reporting an agent older than 1.4.0
  ezstream upgrade --target-version 1.4.0`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}

		parallelism, _ := cmd.Flags().GetInt("parallelism")
		delay, _ := cmd.Flags().GetDuration("delay")
		nodes, _ := cmd.Flags().GetInt64Slice("node")
		target, _ := cmd.Flags().GetString("target-version")
		force, _ := cmd.Flags().GetBool("force")
		keepGoing, _ := cmd.Flags().GetBool("continue-on-error")

		req := client.RolloutRequest{
			Parallelism:     parallelism,
			Nodes:           nodes,
			TargetVersion:   target,
			Force:           force,
			ContinueOnError: keepGoing,
		}
		if delay > 0 {
			req.Delay = delay.String()
		}

		ctx, cancel := signalContext()
		defer cancel()

		fmt.Printf("Rolling agent update (parallelism %d, delay %v)\n", max(parallelism, 1), delay)
		res, err := c.Rollout(ctx, req)
		if err != nil {
			return err
		}

		for _, id := range res.Updated {
			fmt.Printf("✓ Node %d updated\n", id)
		}
		for _, id := range sortedKeys(res.Skipped) {
			fmt.Printf("- Node %d skipped: %s\n", id, res.Skipped[id])
		}
		if len(res.Updated) == 0 && len(res.Failed) == 0 {
			fmt.Println("Nothing to update")
		}
		fmt.Printf("\n%d updated in %d batch(es)\n", len(res.Updated), res.Batches)
		return nil
	},
}

var upgradeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node counts by status and agent version",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		status, err := c.RolloutStatus(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Nodes: %d (%d active)\n\n", status.TotalNodes, status.ReadyNodes)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tNODES")
		versions := make([]string, 0, len(status.Versions))
		for v := range status.Versions {
			versions = append(versions, v)
		}
		sort.Strings(versions)
		for _, v := range versions {
			fmt.Fprintf(w, "%s\t%d\n", v, status.Versions[v])
		}
		return w.Flush()
	},
}

func sortedKeys(m map[int64]string) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func init() {
	upgradeCmd.Flags().Int("parallelism", 1, "Nodes updated per batch")
	upgradeCmd.Flags().Duration("delay", 0, "Pause between batches")
	upgradeCmd.Flags().Int64Slice("node", nil, "Only update these nodes")
	upgradeCmd.Flags().String("target-version", "", "Skip nodes already at or above this agent version")
	upgradeCmd.Flags().Bool("force", false, "Update nodes that are still running streams")
	upgradeCmd.Flags().Bool("continue-on-error", false, "Keep going after a failed batch")

	upgradeCmd.AddCommand(upgradeStatusCmd)
	addServerFlag(upgradeCmd, upgradeStatusCmd)
	rootCmd.AddCommand(upgradeCmd)
}
