// Package telemetry records stage durations. Recorders are side channels:
// they never return errors and a failing recorder must not affect callers.
package telemetry

import (
	"strings"
	"time"
)

// Label is one key/value attribute of a measurement.
type Label struct {
	Key   string
	Value string
}

// Labels are ordered attributes.
type Labels []Label

// L builds Labels from alternating key/value strings. A trailing key without
// a value is dropped.
func L(kv ...string) Labels {
	labels := make(Labels, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		labels = append(labels, Label{Key: kv[i], Value: kv[i+1]})
	}
	return labels
}

// Get returns the value of the first label with key.
func (l Labels) Get(key string) (string, bool) {
	for _, label := range l {
		if label.Key == key {
			return label.Value, true
		}
	}
	return "", false
}

func (l Labels) String() string {
	var b strings.Builder
	for i, label := range l {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(label.Key)
		b.WriteByte('=')
		b.WriteString(label.Value)
	}
	return b.String()
}

// Recorder receives duration measurements in milliseconds.
type Recorder interface {
	RecordDuration(name string, ms int64, labels Labels)
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordDuration(string, int64, Labels) {}

// Multi fans a measurement out to several recorders.
type Multi []Recorder

func (m Multi) RecordDuration(name string, ms int64, labels Labels) {
	for _, r := range m {
		r.RecordDuration(name, ms, labels)
	}
}

// Safe wraps a recorder and swallows its panics.
type Safe struct {
	Recorder Recorder
}

// NewSafe wraps r; a nil r records nothing.
func NewSafe(r Recorder) Safe {
	if r == nil {
		r = Nop{}
	}
	return Safe{Recorder: r}
}

func (s Safe) RecordDuration(name string, ms int64, labels Labels) {
	defer func() { _ = recover() }()
	if s.Recorder != nil {
		s.Recorder.RecordDuration(name, ms, labels)
	}
}

// Since returns the milliseconds elapsed since start.
func Since(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
