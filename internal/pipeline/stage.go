package pipeline

import (
	"fmt"
	"sync/atomic"
)

// Stage is a state of the per-file state machine.
type Stage int32

const (
	Pending Stage = iota
	Hashing
	Skipped
	Detecting
	LandmarkExtraction
	Encoding
	MatchOrRegister
	Persisted
	Failed
)

var stageNames = [...]string{
	Pending:            "Pending",
	Hashing:            "Hashing",
	Skipped:            "Skipped",
	Detecting:          "Detecting",
	LandmarkExtraction: "LandmarkExtraction",
	Encoding:           "Encoding",
	MatchOrRegister:    "MatchOrRegister",
	Persisted:          "Persisted",
	Failed:             "Failed",
}

func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("Stage(%d)", int32(s))
}

// Terminal reports whether no further transition is possible.
func (s Stage) Terminal() bool {
	return s == Skipped || s == Persisted || s == Failed
}

// StageError records which stage of which file failed.
type StageError struct {
	Path  string
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Path, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// tracker holds the current stage of a running file so a timeout can report
// where the file was stuck.
type tracker struct {
	stage atomic.Int32
}

func (t *tracker) enter(s Stage) {
	t.stage.Store(int32(s))
}

func (t *tracker) current() Stage {
	return Stage(t.stage.Load())
}
