package cmd

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-recognizer/internal/names"
)

var namesCmd = &cobra.Command{
	Use:   "names [name]",
	Short: "Show person labels from a names file",
	Long: `Without arguments, list every label with the number of encodings carrying it.
With a name, list the encoding IDs labeled with it. Names are compared
case-insensitively and without diacritics.

Examples:
  face-recognizer names --names-path names.txt
  face-recognizer names --names-path names.txt "Tomáš"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runNames,
}

func init() {
	rootCmd.AddCommand(namesCmd)

	namesCmd.Flags().String("names-path", "", "File with encoding-id|name labels")
	_ = namesCmd.MarkFlagRequired("names-path")
}

func runNames(cmd *cobra.Command, args []string) error {
	store, err := names.Load(mustGetString(cmd, "names-path"))
	if err != nil {
		return fmt.Errorf("failed to load names: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		ids := store.Find(args[0])
		if len(ids) == 0 {
			fmt.Fprintf(out, "No encodings labeled %q\n", args[0])
			return nil
		}
		for _, id := range ids {
			fmt.Fprintln(out, id)
		}
		return nil
	}

	counts := store.Counts()
	labels := make([]string, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	slices.Sort(labels)
	for _, label := range labels {
		fmt.Fprintf(out, "%s: %d\n", label, counts[label])
	}
	fmt.Fprintf(out, "\nTotal: %d people, %d encodings\n", len(counts), store.Len())
	return nil
}
