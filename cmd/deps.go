package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-recognizer/internal/config"
	"github.com/kozaktomas/face-recognizer/internal/database"
	"github.com/kozaktomas/face-recognizer/internal/logging"

	// Registry backends register themselves in init.
	_ "github.com/kozaktomas/face-recognizer/internal/database/memory"
	_ "github.com/kozaktomas/face-recognizer/internal/database/postgres"
	_ "github.com/kozaktomas/face-recognizer/internal/database/sqlite"
)

// newLogger builds the logger from config, honouring --log-level.
func newLogger(cmd *cobra.Command, cfg *config.Config) zerolog.Logger {
	level := cfg.Log.Level
	if l, err := cmd.Flags().GetString("log-level"); err == nil && l != "" {
		level = l
	}
	return logging.New(level, cfg.Log.Format, os.Stderr)
}

// openRegistry opens the configured backend. The logger travels in ctx so
// migrations can report progress.
func openRegistry(ctx context.Context, cfg *config.Config, log zerolog.Logger) (database.Registry, error) {
	log.Debug().
		Str("backend", cfg.Registry.Backend).
		Str("path", cfg.Registry.Path).
		Bool("serialize_match", cfg.Registry.SerializeMatch).
		Msg("opening registry")

	reg, err := database.Open(log.WithContext(ctx), &cfg.Registry)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	return reg, nil
}
