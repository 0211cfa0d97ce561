package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/truongvando/ezstream-sub005/pkg/config"
	"github.com/truongvando/ezstream-sub005/pkg/log"
	"github.com/truongvando/ezstream-sub005/pkg/manager"
	"github.com/truongvando/ezstream-sub005/pkg/storage"
	"github.com/truongvando/ezstream-sub005/pkg/types"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy the stream and node tables between storage drivers",
	Long: `Copy every node and stream from one storage driver to another, keeping
ids. The control plane must be stopped. The source is only read; the target
must be empty unless --force is given, in which case records with the same
id are overwritten.

Examples:
  # Move a bolt deployment to sqlite
  ezstream migrate --from bolt --to sqlite

  # Show what would be copied
  ezstream migrate --from bolt --to sqlite --dry-run`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().String("from", "bolt", "Source driver (bolt or sqlite)")
	migrateCmd.Flags().String("to", "sqlite", "Target driver (bolt or sqlite)")
	migrateCmd.Flags().String("target-dir", "", "Target data directory (default storage.data_dir)")
	migrateCmd.Flags().Bool("dry-run", false, "Show what would be migrated without making changes")
	migrateCmd.Flags().Bool("force", false, "Write into a non-empty target")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")
	targetDir, _ := cmd.Flags().GetString("target-dir")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	force, _ := cmd.Flags().GetBool("force")
	if targetDir == "" {
		targetDir = cfg.Storage.DataDir
	}
	if from == to && targetDir == cfg.Storage.DataDir {
		return fmt.Errorf("source and target are the same store")
	}

	src, err := manager.OpenStore(config.StorageConfig{Driver: from, DataDir: cfg.Storage.DataDir}, cfg.Security.CredentialKey)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer src.Close()
	dst, err := manager.OpenStore(config.StorageConfig{Driver: to, DataDir: targetDir}, cfg.Security.CredentialKey)
	if err != nil {
		return fmt.Errorf("failed to open target: %w", err)
	}
	defer dst.Close()

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Printf("Migrating %s (%s) -> %s (%s)\n", from, cfg.Storage.DataDir, to, targetDir)
	nodes, streams, err := migrateStore(ctx, src, dst, dryRun, force)
	if err != nil {
		return err
	}
	if dryRun {
		fmt.Printf("[DRY RUN] Would copy %d nodes and %d streams\n", nodes, streams)
		return nil
	}
	log.Logger.Info().Int("nodes", nodes).Int("streams", streams).Str("to", to).Msg("Store migrated")
	fmt.Printf("✓ Copied %d nodes and %d streams\n", nodes, streams)
	return nil
}

// migrateStore copies every node and stream from src into dst in one
// target transaction
func migrateStore(ctx context.Context, src, dst storage.Store, dryRun, force bool) (int, int, error) {
	var (
		nodes   []*types.Node
		streams []*types.Stream
	)
	err := src.View(ctx, func(tx storage.Tx) error {
		var err error
		if nodes, err = tx.ListNodes(); err != nil {
			return err
		}
		streams, err = tx.ListStreams()
		return err
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read source: %w", err)
	}
	if dryRun {
		return len(nodes), len(streams), nil
	}

	err = dst.Update(ctx, func(tx storage.Tx) error {
		if !force {
			existingNodes, err := tx.ListNodes()
			if err != nil {
				return err
			}
			existingStreams, err := tx.ListStreams()
			if err != nil {
				return err
			}
			if len(existingNodes)+len(existingStreams) > 0 {
				return fmt.Errorf("target holds %d nodes and %d streams; use --force to overwrite",
					len(existingNodes), len(existingStreams))
			}
		}
		for _, n := range nodes {
			if err := tx.PutNode(n); err != nil {
				return fmt.Errorf("node %d: %w", n.ID, err)
			}
		}
		for _, s := range streams {
			if err := tx.PutStream(s); err != nil {
				return fmt.Errorf("stream %d: %w", s.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to write target: %w", err)
	}
	return len(nodes), len(streams), nil
}
