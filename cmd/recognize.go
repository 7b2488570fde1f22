package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-recognizer/internal/config"
	"github.com/kozaktomas/face-recognizer/internal/models"
	"github.com/kozaktomas/face-recognizer/internal/names"
	"github.com/kozaktomas/face-recognizer/internal/pipeline"
	"github.com/kozaktomas/face-recognizer/internal/telemetry"
)

var recognizeCmd = &cobra.Command{
	Use:   "recognize <input-path>",
	Short: "Detect, encode and match faces in a file or directory",
	Long: `Walk the input path recursively and process every regular file. Files whose
decoded pixels were processed before are skipped. Every detected face is
matched against known encodings and stored.

A .faceignore file at the root of the input directory excludes paths using
gitignore syntax.

Examples:
  # Process a photo library with the default number of workers
  face-recognizer recognize ~/Pictures

  # Label identities and keep the labels in a file
  face-recognizer recognize ~/Pictures --names-path names.txt

  # Reprocess everything, e.g. after a model upgrade
  face-recognizer recognize ~/Pictures --skip-processed-check`,
	Args: cobra.ExactArgs(1),
	RunE: runRecognize,
}

func init() {
	rootCmd.AddCommand(recognizeCmd)

	recognizeCmd.Flags().String("names-path", "", "File with encoding-id|name labels, updated after the run")
	recognizeCmd.Flags().Bool("skip-processed-check", false, "Process files even if their content was seen before")
	recognizeCmd.Flags().Int("workers", 0, "Number of concurrent file tasks (default PIPELINE_WORKERS or cores/2)")
	recognizeCmd.Flags().Duration("timeout", 0, "Per file deadline (default FILE_TIMEOUT or 5m)")
	recognizeCmd.Flags().Int("jitter", -1, "Encoder jitter count (default ENCODING_JITTER or 0)")
	recognizeCmd.Flags().Bool("no-progress", false, "Disable the progress bar")
}

func runRecognize(cmd *cobra.Command, args []string) error {
	start := time.Now()
	cfg := config.Load()
	applyRecognizeFlags(cmd, cfg)

	log := newLogger(cmd, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	files, err := pipeline.Enumerate(args[0])
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	reg, err := openRegistry(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := reg.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close registry")
		}
	}()

	lifecycle, err := models.ParseLifecycle(cfg.Models.Lifecycle)
	if err != nil {
		return err
	}
	provider, err := models.NewProvider(ctx, lifecycle, cfg.Models.PoolSize,
		models.HTTPFactory(cfg.Models.URL, cfg.Models.Timeout))
	if err != nil {
		return fmt.Errorf("failed to load face models: %w", err)
	}
	defer provider.Close()

	var labeler pipeline.Labeler
	var store *names.Store
	if path := mustGetString(cmd, "names-path"); path != "" {
		store, err = names.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load names: %w", err)
		}
		labeler = store
		log.Info().Str("path", path).Int("labels", store.Len()).Msg("loaded names")
	}

	hist := telemetry.NewHistograms(cfg.Telemetry.Histograms)
	defer func() {
		if err := hist.Shutdown(context.Background()); err != nil {
			log.Debug().Err(err).Msg("failed to stop metrics")
		}
	}()
	recorder := telemetry.Multi{hist, telemetry.NewLogger(log)}

	opts := pipeline.DefaultOptions()
	opts.Force = mustGetBool(cmd, "skip-processed-check")
	opts.Jitter = cfg.Models.Jitter
	opts.FileTimeout = cfg.Pipeline.FileTimeout

	batch := &pipeline.Batch{
		Processor: pipeline.NewProcessor(reg, provider, recorder, labeler, log, opts),
		Workers:   cfg.Pipeline.Workers,
	}

	log.Info().
		Str("input", args[0]).
		Int("files", len(files)).
		Int("workers", cfg.Pipeline.Workers).
		Str("lifecycle", string(lifecycle)).
		Bool("force", opts.Force).
		Msg("starting recognition")

	if !mustGetBool(cmd, "no-progress") && len(files) > 0 {
		bar := progressbar.NewOptions(len(files),
			progressbar.OptionSetDescription("Recognizing faces"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("files"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
		batch.OnResult = func(pipeline.FileResult) { _ = bar.Add(1) }
		defer func() { _ = bar.Finish() }()
	}

	summary := batch.Run(ctx, files)

	if store != nil {
		if err := store.Save(); err != nil {
			log.Error().Err(err).Msg("failed to save names")
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Files: %d processed, %d skipped, %d failed\n", summary.Persisted, summary.Skipped, summary.Failed)
	fmt.Fprintf(out, "Faces: %d stored, %d matched a known face\n", summary.Faces, summary.Matches)
	if store != nil {
		fmt.Fprintf(out, "People: %d named encodings\n", store.Len())
	}
	fmt.Fprintln(out)
	hist.WriteSummary(out)
	fmt.Fprintf(out, "\nTotal duration: %s\n", time.Since(start).Round(time.Millisecond))

	if errors.Is(ctx.Err(), context.Canceled) {
		log.Warn().Msg("interrupted, remaining files were not processed")
	}
	return nil
}

// applyRecognizeFlags lets explicitly set flags override environment config.
func applyRecognizeFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("workers") {
		if n := mustGetInt(cmd, "workers"); n > 0 {
			cfg.Pipeline.Workers = n
			// The shared pool follows the worker count unless sized explicitly.
			if os.Getenv("MODEL_POOL_SIZE") == "" {
				cfg.Models.PoolSize = n
			}
		}
	}
	if cmd.Flags().Changed("timeout") {
		cfg.Pipeline.FileTimeout = mustGetDuration(cmd, "timeout")
	}
	if cmd.Flags().Changed("jitter") {
		if n := mustGetInt(cmd, "jitter"); n >= 0 {
			cfg.Models.Jitter = n
		}
	}
}
