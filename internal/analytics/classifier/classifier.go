package classifier

import (
	"fmt"
	"math"

	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

// Package classifier maps metric readings onto Low/Normal/High bands and
// flags statistical outliers within a series.
//
// Banding:
//   - value < low  -> Low
//   - value > high -> High
//   - otherwise    -> Normal
//
// Outliers:
//   - |avg - mean| > k * stddev over the series (population stddev)
//   - series with fewer than 2 samples or zero deviation flag nothing

// DefaultK is the default deviation bound for outlier detection.
const DefaultK = 2.0

// Thresholds is the low/high pair for one metric kind.
type Thresholds struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Validate requires low < high.
func (t Thresholds) Validate() error {
	if math.IsNaN(t.Low) || math.IsNaN(t.High) {
		return fmt.Errorf("thresholds must be numbers")
	}
	if t.Low >= t.High {
		return fmt.Errorf("low (%g) must be less than high (%g)", t.Low, t.High)
	}
	return nil
}

// DefaultThresholds returns the stock per-kind thresholds.
func DefaultThresholds() map[models.MetricKind]Thresholds {
	return map[models.MetricKind]Thresholds{
		models.KindCPU:     {Low: 20, High: 70},
		models.KindMemory:  {Low: 30, High: 80},
		models.KindDisk:    {Low: 20, High: 80},
		models.KindNetwork: {Low: 10, High: 70},
	}
}

// Classify is the pure banding function.
func Classify(value float64, t Thresholds) models.Band {
	switch {
	case value < t.Low:
		return models.BandLow
	case value > t.High:
		return models.BandHigh
	default:
		return models.BandNormal
	}
}

// Classifier applies per-kind thresholds and the outlier bound to series.
type Classifier struct {
	thresholds map[models.MetricKind]Thresholds
	k          float64
}

// New validates every threshold pair and k. Kinds without an entry are
// always banded Normal.
func New(thresholds map[models.MetricKind]Thresholds, k float64) (*Classifier, error) {
	if k <= 0 || math.IsNaN(k) || math.IsInf(k, 0) {
		return nil, fmt.Errorf("outlier bound k must be a positive number, got %g", k)
	}
	copied := make(map[models.MetricKind]Thresholds, len(thresholds))
	for kind, t := range thresholds {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("thresholds.%s: %w", kind, err)
		}
		copied[kind] = t
	}
	return &Classifier{thresholds: copied, k: k}, nil
}

// K returns the configured outlier bound.
func (c *Classifier) K() float64 { return c.k }

// ThresholdsFor returns the thresholds of a kind, if configured.
func (c *Classifier) ThresholdsFor(kind models.MetricKind) (Thresholds, bool) {
	t, ok := c.thresholds[kind]
	return t, ok
}

// Band classifies a single value of the given kind.
func (c *Classifier) Band(kind models.MetricKind, value float64) models.Band {
	t, ok := c.thresholds[kind]
	if !ok {
		return models.BandNormal
	}
	return Classify(value, t)
}

// ClassifySeries returns one result per sample plus one aggregate result
// carrying the series mean. The aggregate is never an outlier.
func (c *Classifier) ClassifySeries(s models.MetricSeries) []models.ClassificationResult {
	samples := s.Samples()
	if len(samples) == 0 {
		return nil
	}
	kind := s.Kind()
	values := s.Averages()
	flags, scores := Outliers(values, c.k)

	results := make([]models.ClassificationResult, 0, len(samples)+1)
	for i, sm := range samples {
		results = append(results, models.ClassificationResult{
			MetricName: s.MetricName(),
			Kind:       kind,
			Timestamp:  sm.Timestamp,
			Value:      sm.Avg,
			Band:       c.Band(kind, sm.Avg),
			IsOutlier:  flags[i],
			ZScore:     scores[i],
		})
	}

	mean, _ := MeanStdDev(values)
	results = append(results, models.ClassificationResult{
		MetricName: s.MetricName(),
		Kind:       kind,
		Timestamp:  samples[len(samples)-1].Timestamp,
		Value:      mean,
		Band:       c.Band(kind, mean),
		Aggregate:  true,
	})
	return results
}

// ClassifyAll classifies every series in order.
func (c *Classifier) ClassifyAll(series []models.MetricSeries) []models.ClassificationResult {
	var out []models.ClassificationResult
	for _, s := range series {
		out = append(out, c.ClassifySeries(s)...)
	}
	return out
}
