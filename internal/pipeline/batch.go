package pipeline

import (
	"context"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/semaphore"

	"github.com/kozaktomas/face-recognizer/internal/config"
)

// FileProcessor processes a single file. *Processor implements it.
type FileProcessor interface {
	ProcessFile(ctx context.Context, path string) FileResult
}

// Batch fans files out to at most Workers concurrent tasks.
type Batch struct {
	Processor FileProcessor
	Workers   int

	// OnResult, when set, is called once per file. Calls may be concurrent.
	OnResult func(FileResult)

	// trace observes permit acquisition (+1) and release (-1).
	trace func(delta int)
}

// Summary aggregates a batch run.
type Summary struct {
	Results   []FileResult // in input order
	Persisted int
	Skipped   int
	Failed    int
	Faces     int
	Matches   int
	Duration  time.Duration
}

// Run processes every path and waits for all tasks. A failing or panicking
// file never affects its siblings. If ctx is cancelled, files that never got
// a permit are reported as failed in the Pending stage.
func (b *Batch) Run(ctx context.Context, paths []string) Summary {
	start := time.Now()

	workers := b.Workers
	if workers < 1 {
		workers = config.DefaultWorkers()
	}
	sem := semaphore.NewWeighted(int64(workers))

	results := make([]FileResult, len(paths))
	var wg conc.WaitGroup

	for i, path := range paths {
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(paths); j++ {
				results[j] = FileResult{
					Path:        paths[j],
					Final:       Failed,
					FailedStage: Pending,
					Err:         &StageError{Path: paths[j], Stage: Pending, Err: err},
				}
				b.notify(results[j])
			}
			break
		}

		wg.Go(func() {
			defer sem.Release(1)
			b.traceDelta(1)
			defer b.traceDelta(-1)

			results[i] = b.runOne(ctx, path)
			b.notify(results[i])
		})
	}
	wg.Wait()

	s := Summary{Results: results, Duration: time.Since(start)}
	for _, r := range results {
		switch r.Final {
		case Persisted:
			s.Persisted++
		case Skipped:
			s.Skipped++
		case Failed:
			s.Failed++
		}
		s.Faces += r.Faces
		s.Matches += r.Matches
	}
	return s
}

func (b *Batch) runOne(ctx context.Context, path string) FileResult {
	var res FileResult
	var pc panics.Catcher
	pc.Try(func() { res = b.Processor.ProcessFile(ctx, path) })
	if r := pc.Recovered(); r != nil {
		return FileResult{
			Path:        path,
			Final:       Failed,
			FailedStage: Pending,
			Err:         &StageError{Path: path, Stage: Pending, Err: r.AsError()},
		}
	}
	return res
}

func (b *Batch) notify(res FileResult) {
	if b.OnResult != nil {
		b.OnResult(res)
	}
}

func (b *Batch) traceDelta(delta int) {
	if b.trace != nil {
		b.trace(delta)
	}
}
