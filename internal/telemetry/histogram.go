package telemetry

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const meterName = "face_recognizer"

// Histograms records durations into OpenTelemetry explicit-bucket histograms
// read back through a manual reader. A metric without configured boundaries
// is counted in a single overflow bucket.
type Histograms struct {
	provider *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader
	meter    metric.Meter

	mu          sync.Mutex
	instruments map[string]metric.Int64Histogram
}

// Histogram is a snapshot of one metric. Counts has len(Boundaries)+1
// entries: Counts[i] holds values <= Boundaries[i], the last entry the rest.
type Histogram struct {
	Name       string
	Boundaries []float64
	Counts     []uint64
	Count      uint64
	Sum        int64
	Min        int64
	Max        int64
}

// NewHistograms creates histograms with the given boundaries per metric.
// Boundaries are sorted; the input map is not retained.
func NewHistograms(boundaries map[string][]float64) *Histograms {
	b := make(map[string][]float64, len(boundaries))
	for name, bounds := range boundaries {
		sorted := slices.Clone(bounds)
		slices.Sort(sorted)
		b[name] = slices.Compact(sorted)
	}

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithView(bucketView(b)),
	)
	return &Histograms{
		provider:    provider,
		reader:      reader,
		meter:       provider.Meter(meterName),
		instruments: make(map[string]metric.Int64Histogram),
	}
}

// bucketView applies the configured boundaries to every instrument.
func bucketView(boundaries map[string][]float64) sdkmetric.View {
	return func(inst sdkmetric.Instrument) (sdkmetric.Stream, bool) {
		bounds := boundaries[inst.Name]
		if bounds == nil {
			bounds = []float64{}
		}
		return sdkmetric.Stream{
			Name:        inst.Name,
			Description: inst.Description,
			Unit:        inst.Unit,
			Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: bounds},
		}, true
	}
}

// RecordDuration adds one measurement. Labels are not recorded as attributes:
// per-file values would give every file its own series.
func (h *Histograms) RecordDuration(name string, ms int64, _ Labels) {
	inst, err := h.instrument(name)
	if err != nil {
		return
	}
	inst.Record(context.Background(), ms)
}

func (h *Histograms) instrument(name string) (metric.Int64Histogram, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if inst, ok := h.instruments[name]; ok {
		return inst, nil
	}
	inst, err := h.meter.Int64Histogram(name, metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create histogram %s: %w", name, err)
	}
	h.instruments[name] = inst
	return inst, nil
}

// Snapshot collects all recorded histograms sorted by name.
func (h *Histograms) Snapshot() []Histogram {
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		return nil
	}

	var out []Histogram
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			data, ok := m.Data.(metricdata.Histogram[int64])
			if !ok {
				continue
			}
			for _, dp := range data.DataPoints {
				s := Histogram{
					Name:       m.Name,
					Boundaries: slices.Clone(dp.Bounds),
					Counts:     slices.Clone(dp.BucketCounts),
					Count:      dp.Count,
					Sum:        dp.Sum,
				}
				s.Min, _ = dp.Min.Value()
				s.Max, _ = dp.Max.Value()
				out = append(out, s)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Shutdown stops the meter provider. Snapshot returns nothing afterwards.
func (h *Histograms) Shutdown(ctx context.Context) error {
	return h.provider.Shutdown(ctx)
}

// Mean returns the average duration, 0 when empty.
func (s Histogram) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Sum) / float64(s.Count)
}

// WriteSummary prints one line per metric followed by its non-empty buckets.
func (h *Histograms) WriteSummary(w io.Writer) {
	for _, s := range h.Snapshot() {
		fmt.Fprintf(w, "%s: count=%d mean=%.1fms min=%dms max=%dms\n", s.Name, s.Count, s.Mean(), s.Min, s.Max)
		for i, n := range s.Counts {
			if n == 0 {
				continue
			}
			if i < len(s.Boundaries) {
				fmt.Fprintf(w, "  <= %g: %d\n", s.Boundaries[i], n)
			} else {
				fmt.Fprintf(w, "  > %g: %d\n", lastOr(s.Boundaries, 0), n)
			}
		}
	}
}

func lastOr(v []float64, def float64) float64 {
	if len(v) == 0 {
		return def
	}
	return v[len(v)-1]
}
