package rulebased

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

// Package rulebased renders a deterministic narrative straight from
// classification results. It has no external dependency and cannot fail,
// which makes it the terminal step of every fallback chain.

// criticalLevels are absolute averages above which a High band is
// escalated to critical.
var criticalLevels = map[models.MetricKind]float64{
	models.KindCPU:    90,
	models.KindMemory: 90,
	models.KindDisk:   95,
}

var highAdvice = map[models.MetricKind]string{
	models.KindCPU:     "Scale up CPU or redistribute load across servers",
	models.KindMemory:  "Add memory or look for leaking processes",
	models.KindDisk:    "Free disk space or expand the volume",
	models.KindNetwork: "Check for network saturation and identify heavy traffic sources",
	models.KindOther:   "Review the workload driving this metric",
}

// Generator renders rule-based narratives.
type Generator struct{}

// New returns a Generator.
func New() *Generator { return &Generator{} }

// Name is the producer name attributed to rule-based results.
func (g *Generator) Name() string { return models.ProducerRuleBased }

type metricView struct {
	name     string
	kind     models.MetricKind
	mean     float64
	band     models.Band
	hasMean  bool
	outliers int
	maxAbsZ  float64
	samples  int
}

// Generate renders the narrative for an analysis context. The same context
// always yields the same text.
func (g *Generator) Generate(ac models.AnalysisContext) string {
	views := collect(ac.Results)

	var problems, advice, priorities []string
	lowKinds := map[models.MetricKind]bool{}

	for _, v := range views {
		switch v.band {
		case models.BandHigh:
			if level, ok := criticalLevels[v.kind]; ok && v.mean > level {
				problems = append(problems, fmt.Sprintf("CRITICAL: %s averages %.1f, above %.0f", v.name, v.mean, level))
				priorities = append(priorities, fmt.Sprintf("Immediately: %s", strings.ToLower(highAdvice[v.kind][:1])+highAdvice[v.kind][1:]))
			} else {
				problems = append(problems, fmt.Sprintf("High %s usage: %s averages %.1f", v.kind, v.name, v.mean))
				priorities = append(priorities, fmt.Sprintf("Soon: address high %s usage on %s", v.kind, v.name))
			}
			advice = append(advice, highAdvice[v.kind])
		case models.BandLow:
			lowKinds[v.kind] = true
			problems = append(problems, fmt.Sprintf("Low %s usage: %s averages %.1f, the server may be oversized", v.kind, v.name, v.mean))
		}
		if v.outliers > 0 {
			problems = append(problems, fmt.Sprintf("%d statistical outlier(s) in %s (max |z| %.2f)", v.outliers, v.name, v.maxAbsZ))
			priorities = append(priorities, fmt.Sprintf("Next: inspect the outlier timestamps of %s", v.name))
		}
	}

	if lowKinds[models.KindCPU] && lowKinds[models.KindMemory] {
		advice = append(advice, "CPU and memory are both underused: consolidation with another workload is possible")
	}
	if hasOutliers(views) {
		advice = append(advice, "Correlate outlier timestamps with deployments, batch jobs and incidents")
	}
	if len(problems) == 0 {
		problems = append(problems, "No problems detected")
	}
	if len(advice) == 0 {
		advice = append(advice, "No action needed; keep monitoring")
	}
	if len(priorities) == 0 {
		priorities = append(priorities, "Routine: continue regular monitoring")
	}
	sort.SliceStable(priorities, func(i, j int) bool {
		return priorityRank(priorities[i]) < priorityRank(priorities[j])
	})

	var sb strings.Builder
	fmt.Fprintf(&sb, "ANALYSIS:\nServer %s over %s: %d metric(s) evaluated.\n", ac.ServerID, ac.Window, len(views))
	for _, v := range views {
		if v.hasMean {
			fmt.Fprintf(&sb, "- %s: mean %.1f across %d sample(s), band %s\n", v.name, v.mean, v.samples, v.band)
		}
	}
	writeSection(&sb, "PROBLEMS", problems)
	writeSection(&sb, "RECOMMENDATIONS", dedupe(advice))
	writeSection(&sb, "PRIORITIES", priorities)
	return strings.TrimRight(sb.String(), "\n")
}

func collect(results []models.ClassificationResult) []*metricView {
	byName := map[string]*metricView{}
	var order []string
	for _, r := range results {
		v, ok := byName[r.MetricName]
		if !ok {
			v = &metricView{name: r.MetricName, kind: r.Kind, band: models.BandNormal}
			byName[r.MetricName] = v
			order = append(order, r.MetricName)
		}
		if r.Aggregate {
			v.mean, v.band, v.hasMean = r.Value, r.Band, true
			continue
		}
		v.samples++
		if r.IsOutlier {
			v.outliers++
			v.maxAbsZ = math.Max(v.maxAbsZ, math.Abs(r.ZScore))
		}
	}
	sort.Strings(order)

	views := make([]*metricView, 0, len(order))
	for _, name := range order {
		views = append(views, byName[name])
	}
	return views
}

func hasOutliers(views []*metricView) bool {
	for _, v := range views {
		if v.outliers > 0 {
			return true
		}
	}
	return false
}

func priorityRank(p string) int {
	switch {
	case strings.HasPrefix(p, "Immediately"):
		return 0
	case strings.HasPrefix(p, "Soon"):
		return 1
	case strings.HasPrefix(p, "Next"):
		return 2
	default:
		return 3
	}
}

func writeSection(sb *strings.Builder, title string, lines []string) {
	fmt.Fprintf(sb, "\n%s:\n", title)
	for _, l := range lines {
		fmt.Fprintf(sb, "- %s\n", l)
	}
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := in[:0:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
