package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-recognizer/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Recognize and deduplicate faces across image collections",
	Long: `Face Recognizer walks a directory of images, detects faces, encodes them
with an external model server and matches every face against the identities
it has seen before. Results are stored in a local SQLite database by default.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides LOG_LEVEL")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
