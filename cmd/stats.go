package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-recognizer/internal/config"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show row counts of the registry",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg := config.Load()
	log := newLogger(cmd, cfg)

	reg, err := openRegistry(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer reg.Close()

	stats, err := reg.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read stats: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Backend:   %s\n", cfg.Registry.Backend)
	fmt.Fprintf(out, "Files:     %d\n", stats.Files)
	fmt.Fprintf(out, "Locations: %d\n", stats.Locations)
	fmt.Fprintf(out, "Encodings: %d\n", stats.Encodings)
	fmt.Fprintf(out, "Faces:     %d\n", stats.Faces)
	return nil
}
