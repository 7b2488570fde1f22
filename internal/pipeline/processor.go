// Package pipeline turns image files into persisted faces: hashing and the
// dedup gate, detection, landmarks, encoding and match-or-register.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"

	"github.com/kozaktomas/face-recognizer/internal/constants"
	"github.com/kozaktomas/face-recognizer/internal/database"
	"github.com/kozaktomas/face-recognizer/internal/dedup"
	"github.com/kozaktomas/face-recognizer/internal/facematch"
	"github.com/kozaktomas/face-recognizer/internal/fingerprint"
	"github.com/kozaktomas/face-recognizer/internal/models"
	"github.com/kozaktomas/face-recognizer/internal/telemetry"
)

// Labeler is told about every match result, e.g. to assign person names.
type Labeler interface {
	Observe(res database.MatchResult) (name string, isNew bool)
}

// Options tune a Processor.
type Options struct {
	Force        bool          // reprocess content the gate has seen before
	Jitter       int           // passed to the encoder unchanged
	FileTimeout  time.Duration // 0 disables the per-file deadline
	RetryBackoff time.Duration // pause before the single storage retry
}

// DefaultOptions returns the options used by the CLI.
func DefaultOptions() Options {
	return Options{
		Jitter:       constants.DefaultJitter,
		FileTimeout:  constants.DefaultFileTimeout,
		RetryBackoff: constants.StorageRetryBackoff,
	}
}

// FileResult is the outcome of one file.
type FileResult struct {
	Path        string
	FileID      int64
	Final       Stage // Skipped, Persisted or Failed
	FailedStage Stage // stage that failed when Final == Failed
	Err         error // *StageError when Final == Failed
	Faces       int
	Matches     int
	Duration    time.Duration
}

// Processor runs the per-file state machine. It holds no state of its own
// between files and is safe for concurrent use.
type Processor struct {
	registry database.Registry
	gate     *dedup.Gate
	models   models.Provider
	recorder telemetry.Recorder
	labeler  Labeler
	log      zerolog.Logger
	opts     Options
}

// NewProcessor wires a processor. recorder and labeler may be nil.
func NewProcessor(reg database.Registry, provider models.Provider, recorder telemetry.Recorder, labeler Labeler, log zerolog.Logger, opts Options) *Processor {
	return &Processor{
		registry: reg,
		gate:     dedup.NewGate(reg),
		models:   provider,
		recorder: telemetry.NewSafe(recorder),
		labeler:  labeler,
		log:      log,
		opts:     opts,
	}
}

// ProcessFile walks one file through every stage. It never panics and never
// returns a nil-stage result; failures are reported in the FileResult.
func (p *Processor) ProcessFile(ctx context.Context, path string) FileResult {
	start := time.Now()

	if p.opts.FileTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.FileTimeout)
		defer cancel()
	}

	tr := &tracker{}
	done := make(chan FileResult, 1)
	go func() {
		var res FileResult
		var pc panics.Catcher
		pc.Try(func() { res = p.process(ctx, path, tr) })
		if r := pc.Recovered(); r != nil {
			res = p.fail(path, tr.current(), r.AsError())
		}
		done <- res
	}()

	var res FileResult
	select {
	case res = <-done:
	case <-ctx.Done():
		// The worker goroutine is abandoned; it stops at its next stage boundary
		// or storage call and releases its models itself.
		res = p.fail(path, tr.current(), ctx.Err())
	}

	res.Duration = time.Since(start)
	p.logResult(res)
	return res
}

func (p *Processor) fail(path string, stage Stage, err error) FileResult {
	return FileResult{
		Path:        path,
		Final:       Failed,
		FailedStage: stage,
		Err:         &StageError{Path: path, Stage: stage, Err: err},
	}
}

func (p *Processor) logResult(res FileResult) {
	switch res.Final {
	case Failed:
		p.log.Error().
			Str("path", res.Path).
			Str("stage", res.FailedStage.String()).
			Err(res.Err).
			Msg("file failed")
	case Skipped:
		p.log.Debug().Str("path", res.Path).Msg("already processed, skipping")
	default:
		p.log.Info().
			Str("path", res.Path).
			Int("faces", res.Faces).
			Int("matches", res.Matches).
			Dur("took", res.Duration).
			Msg("file processed")
	}
}

func (p *Processor) process(ctx context.Context, path string, tr *tracker) FileResult {
	res := FileResult{Path: path}
	fail := func(stage Stage, err error) FileResult {
		failed := p.fail(path, stage, err)
		failed.FileID = res.FileID
		failed.Faces = res.Faces
		failed.Matches = res.Matches
		return failed
	}

	tr.enter(Hashing)
	img, err := fingerprint.DecodeFile(path)
	if err != nil {
		return fail(Hashing, err)
	}
	hash := fingerprint.Compute(img)

	decision, err := withRetry(ctx, p.opts.RetryBackoff, func() (dedup.Decision, error) {
		return p.gate.Check(ctx, hash, path, p.opts.Force)
	})
	if err != nil {
		return fail(Hashing, err)
	}
	if decision.Skip {
		tr.enter(Skipped)
		res.Final = Skipped
		return res
	}
	res.FileID = decision.FileID

	tr.enter(Detecting)
	m, release, err := p.models.Acquire(ctx)
	if err != nil {
		return fail(Detecting, err)
	}
	defer release()

	t0 := time.Now()
	rects, err := m.Detector.LocateFaces(ctx, img)
	p.recorder.RecordDuration(constants.MetricDetect, telemetry.Since(t0), telemetry.L("file", path))
	if err != nil {
		return fail(Detecting, fmt.Errorf("detect faces: %w", err))
	}
	p.log.Debug().Str("path", path).Int("faces", len(rects)).Msg("faces detected")

	tr.enter(LandmarkExtraction)
	landmarks := make([]facematch.Landmarks, len(rects))
	for i, rect := range rects {
		if err := ctx.Err(); err != nil {
			return fail(LandmarkExtraction, err)
		}
		t0 := time.Now()
		landmarks[i], err = m.Landmarks.Landmarks(ctx, img, rect)
		p.recorder.RecordDuration(constants.MetricLandmarks, telemetry.Since(t0), telemetry.L("file", path))
		if err != nil {
			return fail(LandmarkExtraction, fmt.Errorf("landmarks for face %d: %w", i, err))
		}
	}

	tr.enter(Encoding)
	encodings, err := p.encode(ctx, m.Encoder, img, path, landmarks)
	if err != nil {
		return fail(Encoding, err)
	}

	tr.enter(MatchOrRegister)
	for i, enc := range encodings {
		if err := ctx.Err(); err != nil {
			return fail(MatchOrRegister, err)
		}
		matched, err := p.persistFace(ctx, res.FileID, rects[i], enc, path)
		if err != nil {
			return fail(MatchOrRegister, err)
		}
		res.Faces++
		if matched {
			res.Matches++
		}
	}

	tr.enter(Persisted)
	res.Final = Persisted
	return res
}

// encode runs the encoder once per face so every face gets its own timing.
func (p *Processor) encode(ctx context.Context, enc models.Encoder, img image.Image, path string, landmarks []facematch.Landmarks) ([]facematch.Encoding, error) {
	encodings := make([]facematch.Encoding, 0, len(landmarks))
	for i, lm := range landmarks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t0 := time.Now()
		out, err := enc.Encode(ctx, img, []facematch.Landmarks{lm}, p.opts.Jitter)
		p.recorder.RecordDuration(constants.MetricEncode, telemetry.Since(t0),
			telemetry.L("file", path, "id", uuid.NewString()))
		if err != nil {
			return nil, fmt.Errorf("encode face %d: %w", i, err)
		}
		if len(out) != 1 {
			return nil, fmt.Errorf("encode face %d: expected 1 encoding, got %d", i, len(out))
		}
		encodings = append(encodings, out[0])
	}
	return encodings, nil
}

// persistFace stores the location, matches and stores the encoding and links
// them to the file. It reports whether the face matched a known encoding.
func (p *Processor) persistFace(ctx context.Context, fileID int64, rect facematch.Rect, enc facematch.Encoding, path string) (bool, error) {
	locationID, err := withRetry(ctx, p.opts.RetryBackoff, func() (int64, error) {
		return p.registry.AddLocation(ctx, rect)
	})
	if err != nil {
		return false, err
	}

	match, err := withRetry(ctx, p.opts.RetryBackoff, func() (database.MatchResult, error) {
		return p.registry.MatchOrRegister(ctx, enc)
	})
	if err != nil {
		return false, err
	}

	if _, err := withRetry(ctx, p.opts.RetryBackoff, func() (int64, error) {
		return p.registry.AddFace(ctx, fileID, locationID, match.EncodingID)
	}); err != nil {
		return false, err
	}

	ev := p.log.Info().
		Str("path", path).
		Int64("encoding_id", match.EncodingID)
	if match.Matched {
		ev = ev.Int64("matched_id", match.MatchedID).Float64("distance", match.Distance)
	}
	if p.labeler != nil {
		name, isNew := p.labeler.Observe(match)
		ev = ev.Str("name", name).Bool("new_person", isNew)
	}
	if match.Matched {
		ev.Msg("found known face")
	} else {
		ev.Msg("registered new face")
	}

	return match.Matched, nil
}

// withRetry runs op and, if it fails with a retryable storage error, runs it
// once more after backoff.
func withRetry[T any](ctx context.Context, backoff time.Duration, op func() (T, error)) (T, error) {
	v, err := op()
	if err == nil || !database.IsRetryable(err) {
		return v, err
	}

	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return v, err
	}
	return op()
}
