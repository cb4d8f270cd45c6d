package context

import "github.com/kubilitics/kubilitics-anomaly/internal/models"

// Package context renders classification results into the bounded,
// fingerprinted AnalysisContext handed to inference providers.
//
// Summary:
//   - One header line naming the server and window
//   - One line per classification result
//   - Hard cap on the rendered size (DefaultMaxSummaryChars)
//   - When over the cap, Normal non-outlier entries go first, then banded
//     entries, then outliers; an entry is either kept whole or dropped
//
// Fingerprint:
//   - SHA-256 over server id, window and the results sorted by metric
//     name then timestamp
//   - Identical for any permutation of the same result set

// DefaultMaxSummaryChars bounds the rendered summary.
const DefaultMaxSummaryChars = 2000

// ContextBuilder builds analysis contexts.
type ContextBuilder interface {
	// Build returns the context for the given server, window and results.
	// The returned Results are in canonical order.
	Build(serverID string, window models.Window, results []models.ClassificationResult) models.AnalysisContext
}
