package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"github.com/truongvando/ezstream-sub005/pkg/client"
	"github.com/truongvando/ezstream-sub005/pkg/types"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a manifest of nodes and streams",
	Long: `Create or update nodes and streams from a YAML manifest.

Only configuration is written: stream status and assignment are left to the
scheduler and the lifecycle. New nodes start PENDING until provisioned.

Examples:
  # Register nodes and streams
  ezstream apply -f fleet.yaml

  # Validate without writing
  ezstream apply -f fleet.yaml --dry-run`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML manifest to apply (required)")
	applyCmd.Flags().Bool("dry-run", false, "Validate the manifest only")
	_ = applyCmd.MarkFlagRequired("file")
}

// Manifest is the apply file format
type Manifest struct {
	Nodes   []ManifestNode   `yaml:"nodes" validate:"dive"`
	Streams []ManifestStream `yaml:"streams" validate:"dive"`
}

// ManifestNode is a node entry
type ManifestNode struct {
	ID             int64 `yaml:"id" validate:"gt=0"`
	types.NodeSpec `yaml:",inline"`
	// PrivateKeyFile is read into credentials.private_key
	PrivateKeyFile string `yaml:"private_key_file,omitempty"`
}

// ManifestStream is a stream entry; its id is the stream's own
type ManifestStream struct {
	types.Stream `yaml:",inline"`
}

var validate = validator.New()

// loadManifest reads, decodes and validates a manifest file
func loadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	for i := range m.Nodes {
		n := &m.Nodes[i]
		if n.PrivateKeyFile == "" {
			continue
		}
		key, err := os.ReadFile(n.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("node %d: failed to read private key: %w", n.ID, err)
		}
		n.Credentials.PrivateKey = string(key)
	}
	if err := validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if err := checkManifest(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// checkManifest enforces the rules struct tags cannot express
func checkManifest(m *Manifest) error {
	nodes := make(map[int64]bool, len(m.Nodes))
	for _, n := range m.Nodes {
		if nodes[n.ID] {
			return fmt.Errorf("duplicate node id %d", n.ID)
		}
		nodes[n.ID] = true
	}
	streams := make(map[int64]bool, len(m.Streams))
	for _, s := range m.Streams {
		if s.ID <= 0 {
			return fmt.Errorf("stream %q: id must be positive", s.Title)
		}
		if streams[s.ID] {
			return fmt.Errorf("duplicate stream id %d", s.ID)
		}
		streams[s.ID] = true
		if s.ScheduledStart != nil && s.ScheduledEnd != nil && !s.ScheduledEnd.After(*s.ScheduledStart) {
			return fmt.Errorf("stream %d: scheduled_end must be after scheduled_start", s.ID)
		}
	}
	return nil
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	m, err := loadManifest(filename)
	if err != nil {
		return err
	}
	if dryRun {
		fmt.Printf("✓ Manifest valid: %d nodes, %d streams\n", len(m.Nodes), len(m.Streams))
		return nil
	}

	c, err := apiClient(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	return applyManifest(ctx, c, m)
}

func applyManifest(ctx context.Context, c *client.Client, m *Manifest) error {
	for _, n := range m.Nodes {
		created, err := c.ApplyNode(ctx, n.ID, n.NodeSpec)
		if err != nil {
			return fmt.Errorf("failed to apply node %d: %w", n.ID, err)
		}
		fmt.Printf("✓ Node %s: %d (%s)\n", verb(created), n.ID, n.Name)
	}
	for _, s := range m.Streams {
		st := s.Stream
		created, err := c.ApplyStream(ctx, &st)
		if err != nil {
			return fmt.Errorf("failed to apply stream %d: %w", s.ID, err)
		}
		fmt.Printf("✓ Stream %s: %d (%s)\n", verb(created), s.ID, s.Title)
	}
	return nil
}

func verb(created bool) string {
	if created {
		return "created"
	}
	return "updated"
}
