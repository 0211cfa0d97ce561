package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/truongvando/ezstream-sub005/pkg/client"
	"github.com/truongvando/ezstream-sub005/pkg/reconciler"
)

// apiClient connects to --server, or to api.addr from the config
func apiClient(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("server")
	if addr == "" {
		addr = cfg.API.Addr
	}
	return client.NewClient(addr)
}

func addServerFlag(cmds ...*cobra.Command) {
	for _, c := range cmds {
		c.Flags().String("server", "", "Control plane address (default api.addr)")
	}
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile the stream table with what agents report",
	Long: `Compare the streams each node should run with the streams its agent last
reported, and correct both sides.

Without --node every ACTIVE node is reconciled. --fresh asks the agent for
a new heartbeat first and fails when it does not answer.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		nodeID, _ := cmd.Flags().GetInt64("node")
		fresh, _ := cmd.Flags().GetBool("fresh")
		if fresh && nodeID == 0 {
			return fmt.Errorf("--fresh requires --node")
		}

		ctx, cancel := signalContext()
		defer cancel()

		var results []*reconciler.Result
		if nodeID > 0 {
			res, err := c.Reconcile(ctx, nodeID, fresh)
			if err != nil {
				return err
			}
			results = append(results, res)
		} else if results, err = c.ReconcileAll(ctx); err != nil {
			return err
		}

		printResults(results)
		return nil
	},
}

func printResults(results []*reconciler.Result) {
	if len(results) == 0 {
		fmt.Println("No active nodes")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tCACHE\tEXPECTED\tACTUAL\tACTIONS")
	for _, r := range results {
		cache := "miss"
		if r.CacheHit {
			cache = "hit"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\n", r.NodeID, cache, ids(r.Expected), ids(r.Actual), len(r.Actions))
	}
	w.Flush()

	for _, r := range results {
		for _, a := range r.Actions {
			fmt.Printf("  node %d stream %d: %s %s\n", r.NodeID, a.StreamID, a.Kind, a.Detail)
		}
	}
}

func ids(v []int64) string {
	if len(v) == 0 {
		return "-"
	}
	parts := make([]string, len(v))
	for i, id := range v {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ",")
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a health sweep",
	Long: `Check every node and stream for divergences: stale agents, streams stuck
in STARTING or STOPPING, orphans, double runs, unacknowledged commands and
drifted counters. --fix applies the corrective action for each issue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		fix, _ := cmd.Flags().GetBool("fix")

		ctx, cancel := signalContext()
		defer cancel()

		report, err := c.Sweep(ctx, fix)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NODE\tHEALTH\tVERSION")
		for _, n := range report.Nodes {
			fmt.Fprintf(w, "%d\t%s\t%s\n", n.NodeID, n.Level, n.AgentVersion)
		}
		w.Flush()

		if len(report.Issues) == 0 {
			fmt.Println("\n✓ No issues found")
			return nil
		}
		fmt.Printf("\n%d issues:\n", len(report.Issues))
		for _, is := range report.Issues {
			state := ""
			switch {
			case is.Fixed:
				state = " [fixed]"
			case is.FixError != "":
				state = " [fix failed: " + is.FixError + "]"
			}
			fmt.Printf("  %s node=%d stream=%d observed=%q expected=%q%s\n",
				is.Kind, is.NodeID, is.StreamID, is.Observed, is.Expected, state)
		}
		if report.AutoFix {
			fmt.Printf("\nFixed %d, failed %d\n", report.Fixed, report.Failed)
		}
		return nil
	},
}

var countersCmd = &cobra.Command{
	Use:   "counters",
	Short: "Inspect node stream counters",
}

var countersFixCmd = &cobra.Command{
	Use:   "fix",
	Short: "Recompute every node's stream counter from the stream table",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		corrections, err := c.RecomputeCounters(ctx)
		if err != nil {
			return err
		}
		if len(corrections) == 0 {
			fmt.Println("✓ All counters are correct")
			return nil
		}
		for _, cor := range corrections {
			fmt.Printf("✓ Node %d: %d -> %d\n", cor.NodeID, cor.Was, cor.Now)
		}
		return nil
	},
}

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Install the agent on a node over SSH",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		nodeID, _ := cmd.Flags().GetInt64("node")
		retry, _ := cmd.Flags().GetBool("retry-failed")
		if (nodeID > 0) == retry {
			return fmt.Errorf("exactly one of --node or --retry-failed is required")
		}

		ctx, cancel := signalContext()
		defer cancel()
		return runProvision(ctx, c, nodeID, retry)
	},
}

func runProvision(ctx context.Context, c *client.Client, nodeID int64, retry bool) error {
	if retry {
		fmt.Println("Provisioning FAILED nodes...")
		ids, err := c.RetryFailedProvisioning(ctx)
		for _, id := range ids {
			fmt.Printf("✓ Node %d active\n", id)
		}
		return err
	}

	fmt.Printf("Provisioning node %d...\n", nodeID)
	node, err := c.Provision(ctx, nodeID)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Node %d (%s) is %s\n", node.ID, node.Name, node.Status)
	return nil
}

func init() {
	reconcileCmd.Flags().Int64("node", 0, "Reconcile only this node")
	reconcileCmd.Flags().Bool("fresh", false, "Request a fresh heartbeat first")
	sweepCmd.Flags().Bool("fix", false, "Apply fixes")
	countersCmd.AddCommand(countersFixCmd)
	provisionCmd.Flags().Int64("node", 0, "Node to provision")
	provisionCmd.Flags().Bool("retry-failed", false, "Provision every FAILED node again")

	addServerFlag(reconcileCmd, sweepCmd, countersFixCmd, provisionCmd, applyCmd)
}
