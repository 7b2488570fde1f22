package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-recognizer/internal/config"
	"github.com/kozaktomas/face-recognizer/internal/constants"
	"github.com/kozaktomas/face-recognizer/internal/database"
)

var locateCmd = &cobra.Command{
	Use:   "locate <encoding-id>",
	Short: "List encodings similar (or dissimilar) to a stored encoding",
	Long: `Print stored encodings ordered by distance to the given encoding.

By default only encodings closer than the match threshold are listed, nearest
first. With --dissimilar encodings farther than the threshold are listed,
farthest first. The reference encoding itself is never listed.

With REGISTRY_HNSW=true on the memory and file backends, a similar search with
a limit only considers the HNSW graph's approximate nearest candidates. The
printed distances are exact, but a closer encoding the graph misses is not
listed. --limit 0 always scans every encoding.

Examples:
  face-recognizer locate 42
  face-recognizer locate 42 --limit 5
  face-recognizer locate 42 --dissimilar`,
	Args: cobra.ExactArgs(1),
	RunE: runLocate,
}

func init() {
	rootCmd.AddCommand(locateCmd)

	locateCmd.Flags().Int("limit", constants.DefaultLocateLimit, "Maximum number of rows (0 = no limit)")
	locateCmd.Flags().Bool("dissimilar", false, "List encodings beyond the threshold instead")
}

func runLocate(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id < 1 {
		return fmt.Errorf("invalid encoding id %q", args[0])
	}
	limit := mustGetInt(cmd, "limit")
	dissimilar := mustGetBool(cmd, "dissimilar")

	ctx := context.Background()
	cfg := config.Load()
	log := newLogger(cmd, cfg)

	reg, err := openRegistry(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer reg.Close()

	var rows []database.Similar
	if dissimilar {
		rows, err = reg.LocateDissimilar(ctx, id, limit)
	} else {
		rows, err = reg.LocateSimilar(ctx, id, limit)
	}
	if err != nil {
		return fmt.Errorf("failed to locate encodings: %w", err)
	}

	out := cmd.OutOrStdout()
	for _, r := range rows {
		fmt.Fprintf(out, "%d: distance: %.6f\n", r.ID, r.Distance)
	}
	return nil
}
