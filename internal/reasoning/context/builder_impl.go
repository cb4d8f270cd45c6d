package context

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

type contextBuilderImpl struct {
	maxChars int
}

// NewContextBuilder creates a ContextBuilder with the given summary cap.
// A non-positive cap selects DefaultMaxSummaryChars.
func NewContextBuilder(maxChars int) ContextBuilder {
	if maxChars <= 0 {
		maxChars = DefaultMaxSummaryChars
	}
	return &contextBuilderImpl{maxChars: maxChars}
}

func (b *contextBuilderImpl) Build(serverID string, window models.Window, results []models.ClassificationResult) models.AnalysisContext {
	ordered := canonical(results)
	return models.AnalysisContext{
		Fingerprint: fingerprint(serverID, window, ordered),
		ServerID:    serverID,
		Window:      window,
		Results:     ordered,
		Summary:     b.summarize(serverID, window, ordered),
	}
}

// Fingerprint returns the cache key for a server, window and result set.
func Fingerprint(serverID string, window models.Window, results []models.ClassificationResult) string {
	return fingerprint(serverID, window, canonical(results))
}

// canonical returns a sorted copy: metric name, timestamp, then per-sample
// entries before the aggregate.
func canonical(results []models.ClassificationResult) []models.ClassificationResult {
	out := make([]models.ClassificationResult, len(results))
	copy(out, results)
	for i := range out {
		out[i].Timestamp = out[i].Timestamp.UTC()
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, c := out[i], out[j]
		if a.MetricName != c.MetricName {
			return a.MetricName < c.MetricName
		}
		if !a.Timestamp.Equal(c.Timestamp) {
			return a.Timestamp.Before(c.Timestamp)
		}
		if a.Aggregate != c.Aggregate {
			return !a.Aggregate
		}
		return a.Value < c.Value
	})
	return out
}

type fingerprintEntry struct {
	Metric    string  `json:"m"`
	Kind      string  `json:"k"`
	Timestamp string  `json:"t"`
	Value     float64 `json:"v"`
	Band      string  `json:"b"`
	Outlier   bool    `json:"o"`
	Aggregate bool    `json:"a"`
}

type fingerprintPayload struct {
	ServerID string             `json:"s"`
	Start    string             `json:"ws"`
	End      string             `json:"we"`
	Entries  []fingerprintEntry `json:"e"`
}

func fingerprint(serverID string, window models.Window, ordered []models.ClassificationResult) string {
	p := fingerprintPayload{
		ServerID: serverID,
		Start:    window.Start.UTC().Format(time.RFC3339Nano),
		End:      window.End.UTC().Format(time.RFC3339Nano),
		Entries:  make([]fingerprintEntry, len(ordered)),
	}
	for i, r := range ordered {
		p.Entries[i] = fingerprintEntry{
			Metric:    r.MetricName,
			Kind:      string(r.Kind),
			Timestamp: r.Timestamp.Format(time.RFC3339Nano),
			Value:     r.Value,
			Band:      string(r.Band),
			Outlier:   r.IsOutlier,
			Aggregate: r.Aggregate,
		}
	}
	// Marshal of these field types cannot fail.
	data, _ := json.Marshal(p)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// priority orders entries for retention: lower is kept first.
func priority(r models.ClassificationResult) int {
	switch {
	case r.IsOutlier:
		return 0
	case r.Band != models.BandNormal:
		return 1
	default:
		return 2
	}
}

func formatEntry(r models.ClassificationResult) string {
	if r.Aggregate {
		return fmt.Sprintf("- %s window-mean=%.2f band=%s", r.MetricName, r.Value, r.Band)
	}
	line := fmt.Sprintf("- %s @%s avg=%.2f band=%s", r.MetricName, r.Timestamp.Format(time.RFC3339), r.Value, r.Band)
	if r.IsOutlier {
		line += fmt.Sprintf(" outlier=yes z=%.2f", r.ZScore)
	}
	return line
}

func (b *contextBuilderImpl) summarize(serverID string, window models.Window, ordered []models.ClassificationResult) string {
	header := truncateRunes(fmt.Sprintf("server %s, window %s, %d entries", serverID, window, len(ordered)), b.maxChars)
	budget := b.maxChars - utf8.RuneCountInString(header)

	keep := b.selectEntries(ordered, budget)
	omitted := len(ordered) - countTrue(keep)
	if omitted > 0 {
		// Re-select leaving room for the trailer.
		trailer := omittedTrailer(len(ordered))
		keep = b.selectEntries(ordered, budget-utf8.RuneCountInString(trailer))
		omitted = len(ordered) - countTrue(keep)
	}

	var sb strings.Builder
	sb.WriteString(header)
	for i, r := range ordered {
		if keep[i] {
			sb.WriteString("\n")
			sb.WriteString(formatEntry(r))
		}
	}
	if omitted > 0 {
		trailer := omittedTrailer(omitted)
		if utf8.RuneCountInString(sb.String())+utf8.RuneCountInString(trailer) <= b.maxChars {
			sb.WriteString(trailer)
		}
	}
	return sb.String()
}

// selectEntries marks the entries that fit into budget runes, taking them
// by priority, aggregates before samples, then canonical order. Once an
// entry does not fit, no entry of lower priority is taken.
func (b *contextBuilderImpl) selectEntries(ordered []models.ClassificationResult, budget int) []bool {
	idx := make([]int, len(ordered))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		a, c := ordered[idx[i]], ordered[idx[j]]
		if pa, pc := priority(a), priority(c); pa != pc {
			return pa < pc
		}
		if a.Aggregate != c.Aggregate {
			return a.Aggregate
		}
		return idx[i] < idx[j]
	})

	keep := make([]bool, len(ordered))
	used := 0
	cutoff := -1
	for _, i := range idx {
		p := priority(ordered[i])
		if cutoff >= 0 && p > cutoff {
			break
		}
		cost := 1 + utf8.RuneCountInString(formatEntry(ordered[i]))
		if used+cost > budget {
			// Nothing of a lower priority may displace this entry.
			cutoff = p
			continue
		}
		used += cost
		keep[i] = true
	}
	return keep
}

func omittedTrailer(n int) string {
	return fmt.Sprintf("\n... %d lower-priority entries omitted", n)
}

func countTrue(v []bool) int {
	n := 0
	for _, b := range v {
		if b {
			n++
		}
	}
	return n
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
