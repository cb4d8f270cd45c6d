package context

import (
	"math/rand"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

var (
	t0     = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	window = models.Window{Start: t0, End: t0.Add(24 * time.Hour)}
)

func result(metric string, hour int, value float64, band models.Band, outlier bool) models.ClassificationResult {
	return models.ClassificationResult{
		MetricName: metric,
		Kind:       models.KindForMetric(metric),
		Timestamp:  t0.Add(time.Duration(hour) * time.Hour),
		Value:      value,
		Band:       band,
		IsOutlier:  outlier,
	}
}

func sampleResults() []models.ClassificationResult {
	return []models.ClassificationResult{
		result("cpu.usage.average", 0, 85, models.BandHigh, false),
		result("cpu.usage.average", 1, 50, models.BandNormal, false),
		result("mem.usage.average", 0, 25, models.BandLow, false),
		result("mem.usage.average", 1, 95, models.BandHigh, true),
		result("disk.usage", 0, 40, models.BandNormal, false),
	}
}

func TestFingerprintStableAcrossPermutations(t *testing.T) {
	b := NewContextBuilder(0)
	results := sampleResults()
	want := b.Build("vm-01", window, results).Fingerprint

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := make([]models.ClassificationResult, len(results))
		copy(shuffled, results)
		rng.Shuffle(len(shuffled), func(a, c int) { shuffled[a], shuffled[c] = shuffled[c], shuffled[a] })

		got := b.Build("vm-01", window, shuffled)
		assert.Equal(t, want, got.Fingerprint)
		assert.Equal(t, want, Fingerprint("vm-01", window, shuffled))
	}
}

func TestFingerprintDistinguishesInputs(t *testing.T) {
	b := NewContextBuilder(0)
	base := b.Build("vm-01", window, sampleResults()).Fingerprint

	assert.NotEqual(t, base, b.Build("vm-02", window, sampleResults()).Fingerprint)

	shifted := models.Window{Start: t0, End: t0.Add(48 * time.Hour)}
	assert.NotEqual(t, base, b.Build("vm-01", shifted, sampleResults()).Fingerprint)

	changed := sampleResults()
	changed[0].Value = 86
	assert.NotEqual(t, base, b.Build("vm-01", window, changed).Fingerprint)
}

func TestFingerprintIgnoresTimezone(t *testing.T) {
	b := NewContextBuilder(0)
	results := sampleResults()
	local := sampleResults()
	loc := time.FixedZone("UTC+3", 3*3600)
	for i := range local {
		local[i].Timestamp = local[i].Timestamp.In(loc)
	}
	assert.Equal(t, b.Build("vm-01", window, results).Fingerprint, b.Build("vm-01", window, local).Fingerprint)
}

func TestBuildOrdersResultsCanonically(t *testing.T) {
	ac := NewContextBuilder(0).Build("vm-01", window, sampleResults())
	require.Len(t, ac.Results, 5)
	assert.Equal(t, "cpu.usage.average", ac.Results[0].MetricName)
	assert.Equal(t, "disk.usage", ac.Results[2].MetricName)
	assert.Equal(t, "mem.usage.average", ac.Results[4].MetricName)
	assert.True(t, ac.Results[3].Timestamp.Before(ac.Results[4].Timestamp))
}

func TestSummaryListsBandsAndOutliers(t *testing.T) {
	ac := NewContextBuilder(0).Build("vm-01", window, sampleResults())
	assert.Contains(t, ac.Summary, "server vm-01")
	assert.Contains(t, ac.Summary, "band=High")
	assert.Contains(t, ac.Summary, "band=Low")
	assert.Contains(t, ac.Summary, "outlier=yes")
	assert.NotContains(t, ac.Summary, "omitted")
}

func TestSummaryCapDropsNormalEntriesFirst(t *testing.T) {
	var results []models.ClassificationResult
	for h := 0; h < 200; h++ {
		results = append(results, result("net.usage.average", h, 30, models.BandNormal, false))
	}
	results = append(results,
		result("cpu.usage.average", 3, 97, models.BandHigh, true),
		result("mem.usage.average", 5, 12, models.BandLow, false),
	)

	ac := NewContextBuilder(DefaultMaxSummaryChars).Build("vm-01", window, results)

	assert.LessOrEqual(t, utf8.RuneCountInString(ac.Summary), DefaultMaxSummaryChars)
	assert.Contains(t, ac.Summary, "cpu.usage.average @2024-03-01T03:00:00Z avg=97.00 band=High outlier=yes")
	assert.Contains(t, ac.Summary, "mem.usage.average @2024-03-01T05:00:00Z avg=12.00 band=Low")
	assert.Contains(t, ac.Summary, "lower-priority entries omitted")

	// Every line is a complete entry.
	for _, line := range strings.Split(ac.Summary, "\n")[1:] {
		if strings.HasPrefix(line, "...") {
			continue
		}
		assert.True(t, strings.HasPrefix(line, "- "), line)
		assert.Contains(t, line, "band=")
	}
}

func TestSummaryTinyCapKeepsWholeEntries(t *testing.T) {
	ac := NewContextBuilder(120).Build("vm-01", window, sampleResults())
	assert.LessOrEqual(t, utf8.RuneCountInString(ac.Summary), 120)
	for _, line := range strings.Split(ac.Summary, "\n")[1:] {
		if strings.HasPrefix(line, "...") {
			continue
		}
		assert.Contains(t, line, "band=")
	}
}

func TestPromptIncludesSummary(t *testing.T) {
	ac := NewContextBuilder(0).Build("vm-01", window, sampleResults())
	p := Prompt(ac)
	assert.Contains(t, p, ac.Summary)
	assert.Contains(t, p, "RECOMMENDATIONS")
}
