package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

type capture struct {
	mu    sync.Mutex
	names []string
}

func (c *capture) RecordDuration(name string, _ int64, _ Labels) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = append(c.names, name)
}

type panicking struct{}

func (panicking) RecordDuration(string, int64, Labels) { panic("sink exploded") }

func TestLabels(t *testing.T) {
	l := L("file", "/a.jpg", "id", "42", "dangling")
	if len(l) != 2 {
		t.Fatalf("expected 2 labels, got %d", len(l))
	}
	if v, ok := l.Get("id"); !ok || v != "42" {
		t.Errorf("Get(id) = %q, %v", v, ok)
	}
	if _, ok := l.Get("missing"); ok {
		t.Error("Get(missing) should report false")
	}
	if got := l.String(); got != "file=/a.jpg,id=42" {
		t.Errorf("String() = %q", got)
	}
}

func TestSafeSwallowsPanics(t *testing.T) {
	c := &capture{}
	r := Multi{NewSafe(panicking{}), c}

	r.RecordDuration("x", 1, nil) // must not panic

	if len(c.names) != 1 {
		t.Errorf("recorders after a panicking one should still run, got %v", c.names)
	}

	NewSafe(nil).RecordDuration("x", 1, nil)
	Safe{}.RecordDuration("x", 1, nil)
}

func TestLoggerRecorder(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.DebugLevel)

	NewLogger(log).RecordDuration("face_encoding.duration_ms", 12, L("file", "/a.jpg", "id", "u-1"))

	var ev map[string]any
	if err := json.Unmarshal(buf.Bytes(), &ev); err != nil {
		t.Fatalf("invalid log line %q: %v", buf.String(), err)
	}
	if ev["metric"] != "face_encoding.duration_ms" {
		t.Errorf("unexpected metric %v", ev["metric"])
	}
	if ev["duration_ms"] != float64(12) {
		t.Errorf("unexpected duration %v", ev["duration_ms"])
	}
	if ev["file"] != "/a.jpg" || ev["id"] != "u-1" {
		t.Errorf("labels not logged: %v", ev)
	}
}

func TestHistograms(t *testing.T) {
	h := NewHistograms(map[string][]float64{
		"detect": {100, 0, 10}, // unsorted on purpose
	})

	for _, ms := range []int64{0, 5, 10, 11, 500} {
		h.RecordDuration("detect", ms, nil)
	}
	h.RecordDuration("other", 7, nil)

	snap := h.Snapshot()
	if len(snap) != 2 || snap[0].Name != "detect" || snap[1].Name != "other" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	d := snap[0]
	wantCounts := []uint64{1, 2, 1, 1} // <=0, <=10, <=100, >100
	for i, want := range wantCounts {
		if d.Counts[i] != want {
			t.Errorf("bucket %d: expected %d, got %d", i, want, d.Counts[i])
		}
	}
	if d.Count != 5 || d.Sum != 526 || d.Min != 0 || d.Max != 500 {
		t.Errorf("unexpected aggregates %+v", d)
	}

	o := snap[1]
	if len(o.Counts) != 1 || o.Counts[0] != 1 {
		t.Errorf("unconfigured metric should use one overflow bucket, got %v", o.Counts)
	}

	var buf bytes.Buffer
	h.WriteSummary(&buf)
	if !strings.Contains(buf.String(), "detect: count=5") {
		t.Errorf("summary missing detect line:\n%s", buf.String())
	}
	if !strings.Contains(buf.String(), "> 100: 1") {
		t.Errorf("summary missing overflow bucket:\n%s", buf.String())
	}
}

func TestHistogramsConcurrent(t *testing.T) {
	h := NewHistograms(nil)
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				h.RecordDuration("m", 1, nil)
			}
		}()
	}
	wg.Wait()

	if got := h.Snapshot()[0].Count; got != 1000 {
		t.Errorf("expected 1000 samples, got %d", got)
	}
}

func TestHistogramsSingleSeriesPerMetric(t *testing.T) {
	h := NewHistograms(map[string][]float64{"encode": {5, 50}})
	h.RecordDuration("encode", 3, L("file", "a.jpg", "id", "1"))
	h.RecordDuration("encode", 30, L("file", "b.jpg", "id", "2"))

	snap := h.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("labels must not split the series, got %d", len(snap))
	}
	if snap[0].Count != 2 || snap[0].Counts[0] != 1 || snap[0].Counts[1] != 1 {
		t.Errorf("unexpected buckets %+v", snap[0])
	}
}

func TestHistogramsShutdown(t *testing.T) {
	h := NewHistograms(nil)
	h.RecordDuration("m", 1, nil)

	if err := h.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if snap := h.Snapshot(); len(snap) != 0 {
		t.Errorf("expected no data after shutdown, got %+v", snap)
	}
}
