package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/truongvando/ezstream-sub005/pkg/types"
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Manage streams",
}

var streamListCmd = &cobra.Command{
	Use:   "list",
	Short: "List streams",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		var statuses []types.StreamStatus
		raw, _ := cmd.Flags().GetStringSlice("status")
		for _, s := range raw {
			statuses = append(statuses, types.StreamStatus(s))
		}

		ctx, cancel := signalContext()
		defer cancel()
		streams, err := c.ListStreams(ctx, statuses...)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tNODE\tMESSAGE")
		for _, st := range streams {
			node := "-"
			if st.AssignedNodeID != nil {
				node = strconv.FormatInt(*st.AssignedNodeID, 10)
			}
			msg := st.StatusMessage
			if st.ErrorMessage != "" {
				msg = st.ErrorMessage
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", st.ID, st.Title, st.Status, node, msg)
		}
		return w.Flush()
	},
}

var streamStartCmd = &cobra.Command{
	Use:   "start ID",
	Short: "Start a stream now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid stream id %q", args[0])
		}
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		nodeID, _ := cmd.Flags().GetInt64("node")

		ctx, cancel := signalContext()
		defer cancel()
		res, err := c.StartStream(ctx, id, nodeID)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Stream %d: %s", id, res.Decision.Kind)
		if res.Decision.NodeID > 0 {
			fmt.Printf(" on node %d", res.Decision.NodeID)
		}
		fmt.Println()
		return nil
	},
}

var streamStopCmd = &cobra.Command{
	Use:   "stop ID",
	Short: "Stop a stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid stream id %q", args[0])
		}
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()
		st, err := c.StopStream(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Stream %d: %s\n", id, st.Status)
		return nil
	},
}

func init() {
	streamCmd.AddCommand(streamListCmd, streamStartCmd, streamStopCmd)
	streamListCmd.Flags().StringSlice("status", nil, "Only streams in these statuses")
	streamStartCmd.Flags().Int64("node", 0, "Start on this node instead of the scheduler's choice")
	addServerFlag(streamListCmd, streamStartCmd, streamStopCmd)

	rootCmd.AddCommand(streamCmd)
}
