package rulebased

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func aggregate(metric string, mean float64, band models.Band) models.ClassificationResult {
	return models.ClassificationResult{MetricName: metric, Kind: models.KindForMetric(metric), Timestamp: t0, Value: mean, Band: band, Aggregate: true}
}

func sample(metric string, hour int, v float64, band models.Band, outlier bool, z float64) models.ClassificationResult {
	return models.ClassificationResult{MetricName: metric, Kind: models.KindForMetric(metric), Timestamp: t0.Add(time.Duration(hour) * time.Hour), Value: v, Band: band, IsOutlier: outlier, ZScore: z}
}

func ctxWith(results ...models.ClassificationResult) models.AnalysisContext {
	return models.AnalysisContext{
		ServerID: "vm-01",
		Window:   models.Window{Start: t0, End: t0.Add(24 * time.Hour)},
		Results:  results,
	}
}

func TestGenerateHighCPU(t *testing.T) {
	g := New()
	out := g.Generate(ctxWith(
		sample("cpu.usage.average", 0, 85, models.BandHigh, false, 0),
		aggregate("cpu.usage.average", 85, models.BandHigh),
	))

	assert.Contains(t, out, "ANALYSIS:")
	assert.Contains(t, out, "High cpu usage: cpu.usage.average averages 85.0")
	assert.Contains(t, out, "Scale up CPU")
	assert.Contains(t, out, "PRIORITIES:")
	assert.NotContains(t, out, "CRITICAL")
}

func TestGenerateCriticalDisk(t *testing.T) {
	out := New().Generate(ctxWith(aggregate("disk.usage", 97, models.BandHigh)))
	assert.Contains(t, out, "CRITICAL: disk.usage averages 97.0, above 95")
	assert.Contains(t, out, "Immediately: free disk space")
}

func TestGenerateConsolidationHint(t *testing.T) {
	out := New().Generate(ctxWith(
		aggregate("cpu.usage.average", 10, models.BandLow),
		aggregate("mem.usage.average", 20, models.BandLow),
	))
	assert.Contains(t, out, "consolidation")
}

func TestGenerateOutliers(t *testing.T) {
	out := New().Generate(ctxWith(
		sample("net.usage.average", 0, 10, models.BandNormal, false, -0.3),
		sample("net.usage.average", 1, 95, models.BandHigh, true, 3.1),
		aggregate("net.usage.average", 40, models.BandNormal),
	))
	assert.Contains(t, out, "1 statistical outlier(s) in net.usage.average (max |z| 3.10)")
	assert.Contains(t, out, "Next: inspect the outlier timestamps")
}

func TestGenerateAllNormal(t *testing.T) {
	out := New().Generate(ctxWith(aggregate("cpu.usage.average", 50, models.BandNormal)))
	assert.Contains(t, out, "No problems detected")
	assert.Contains(t, out, "keep monitoring")
}

func TestGenerateIsDeterministic(t *testing.T) {
	ac := ctxWith(
		aggregate("mem.usage.average", 95, models.BandHigh),
		aggregate("cpu.usage.average", 92, models.BandHigh),
		sample("cpu.usage.average", 2, 99, models.BandHigh, true, 2.5),
	)
	first := New().Generate(ac)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, New().Generate(ac))
	}
	// Critical items lead the priorities.
	prio := first[strings.Index(first, "PRIORITIES:"):]
	assert.True(t, strings.Index(prio, "Immediately") < strings.Index(prio, "Next"))
}

func TestName(t *testing.T) {
	assert.Equal(t, "rule-based", New().Name())
}
