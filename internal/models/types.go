package models

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Package models holds the value types shared by the analysis pipeline:
// metric samples and series, classification bands, analysis contexts and
// results. Everything here is immutable once constructed.

// ProducerRuleBased is the provider name attributed to narratives rendered
// by the deterministic fallback generator.
const ProducerRuleBased = "rule-based"

var (
	// ErrDataUnavailable is returned when the metric store is unreachable or
	// holds no series for the requested server and window.
	ErrDataUnavailable = errors.New("data unavailable")

	// ErrInvalidSample is returned when a sample violates min <= avg <= max
	// or duplicates a timestamp already present in its series.
	ErrInvalidSample = errors.New("invalid metric sample")

	// ErrInvalidWindow is returned for empty or inverted time windows.
	ErrInvalidWindow = errors.New("invalid time window")
)

// Band is the coarse classification of a metric value against thresholds.
type Band string

const (
	BandLow    Band = "Low"
	BandNormal Band = "Normal"
	BandHigh   Band = "High"
)

// MetricKind groups metric names that share one threshold pair.
type MetricKind string

const (
	KindCPU     MetricKind = "cpu"
	KindMemory  MetricKind = "memory"
	KindDisk    MetricKind = "disk"
	KindNetwork MetricKind = "network"
	KindOther   MetricKind = "other"
)

// KnownKinds lists the kinds that carry configurable thresholds.
var KnownKinds = []MetricKind{KindCPU, KindMemory, KindDisk, KindNetwork}

// KindForMetric maps a collector metric name such as "cpu.usage.average"
// or "mem.usage.average" to its kind.
func KindForMetric(name string) MetricKind {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "cpu"):
		return KindCPU
	case strings.Contains(n, "mem"), strings.Contains(n, "ram"):
		return KindMemory
	case strings.Contains(n, "disk"), strings.Contains(n, "storage"):
		return KindDisk
	case strings.Contains(n, "net"):
		return KindNetwork
	default:
		return KindOther
	}
}

// MetricSample is one reading of a metric at a point in time.
type MetricSample struct {
	Timestamp time.Time `json:"timestamp"`
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
	Avg       float64   `json:"avg"`
}

// Validate enforces min <= avg <= max over finite values.
func (s MetricSample) Validate() error {
	for _, v := range []float64{s.Min, s.Max, s.Avg} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value at %s", ErrInvalidSample, s.Timestamp.Format(time.RFC3339))
		}
	}
	if s.Min > s.Avg || s.Avg > s.Max {
		return fmt.Errorf("%w: expected min <= avg <= max, got min=%g avg=%g max=%g at %s",
			ErrInvalidSample, s.Min, s.Avg, s.Max, s.Timestamp.Format(time.RFC3339))
	}
	return nil
}

// MetricSeries is the ordered set of samples of one metric for one server.
// Samples are sorted by timestamp ascending and timestamps are unique.
type MetricSeries struct {
	serverID   string
	metricName string
	samples    []MetricSample
}

// NewMetricSeries validates and orders samples. Invalid samples and
// duplicate timestamps are rejected, never clamped or merged.
func NewMetricSeries(serverID, metricName string, samples []MetricSample) (MetricSeries, error) {
	if serverID == "" {
		return MetricSeries{}, fmt.Errorf("%w: server id is required", ErrInvalidSample)
	}
	if metricName == "" {
		return MetricSeries{}, fmt.Errorf("%w: metric name is required", ErrInvalidSample)
	}

	ordered := make([]MetricSample, len(samples))
	copy(ordered, samples)
	for i := range ordered {
		if err := ordered[i].Validate(); err != nil {
			return MetricSeries{}, fmt.Errorf("%s/%s: %w", serverID, metricName, err)
		}
		ordered[i].Timestamp = ordered[i].Timestamp.UTC()
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Timestamp.Equal(ordered[i-1].Timestamp) {
			return MetricSeries{}, fmt.Errorf("%s/%s: %w: duplicate timestamp %s",
				serverID, metricName, ErrInvalidSample, ordered[i].Timestamp.Format(time.RFC3339))
		}
	}

	return MetricSeries{serverID: serverID, metricName: metricName, samples: ordered}, nil
}

func (s MetricSeries) ServerID() string   { return s.serverID }
func (s MetricSeries) MetricName() string { return s.metricName }
func (s MetricSeries) Kind() MetricKind   { return KindForMetric(s.metricName) }
func (s MetricSeries) Len() int           { return len(s.samples) }

// Samples returns a copy of the ordered samples.
func (s MetricSeries) Samples() []MetricSample {
	out := make([]MetricSample, len(s.samples))
	copy(out, s.samples)
	return out
}

// Averages returns the avg reading of every sample in order.
func (s MetricSeries) Averages() []float64 {
	out := make([]float64, len(s.samples))
	for i, sm := range s.samples {
		out[i] = sm.Avg
	}
	return out
}

// Window is a closed time range [Start, End].
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate rejects zero and inverted windows.
func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrInvalidWindow)
	}
	if !w.End.After(w.Start) {
		return fmt.Errorf("%w: end %s is not after start %s", ErrInvalidWindow,
			w.End.Format(time.RFC3339), w.Start.Format(time.RFC3339))
	}
	return nil
}

// String renders the window in canonical UTC form.
func (w Window) String() string {
	return w.Start.UTC().Format(time.RFC3339) + "/" + w.End.UTC().Format(time.RFC3339)
}

// ClassificationResult is the verdict for one sample, or for a series
// aggregate when Aggregate is set.
type ClassificationResult struct {
	MetricName string     `json:"metric_name"`
	Kind       MetricKind `json:"kind"`
	Timestamp  time.Time  `json:"timestamp"`
	Value      float64    `json:"value"`
	Band       Band       `json:"band"`
	IsOutlier  bool       `json:"is_statistical_outlier"`
	ZScore     float64    `json:"z_score,omitempty"`
	Aggregate  bool       `json:"aggregate,omitempty"`
}

// AnalysisContext is the fingerprinted payload handed to providers.
type AnalysisContext struct {
	Fingerprint string                 `json:"fingerprint"`
	ServerID    string                 `json:"server_id"`
	Window      Window                 `json:"window"`
	Results     []ClassificationResult `json:"results"`
	Summary     string                 `json:"summary"`
}

// AnalysisResult is the narrative produced for a context.
type AnalysisResult struct {
	Fingerprint string    `json:"fingerprint"`
	Narrative   string    `json:"narrative"`
	Provider    string    `json:"provider"`
	GeneratedAt time.Time `json:"generated_at"`
}
