package db

import (
	"context"
	"fmt"
	"time"

	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

// Package db persists per-server metric samples and the history of produced
// analyses. Two backends share one sqlx implementation: SQLite (modernc,
// default, no CGO) and PostgreSQL (lib/pq).

// Store is the persistence interface used by the service.
type Store interface {
	MetricStore
	AnalysisStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Metrics ──────────────────────────────────────────────────────────────────

// Row is one stored reading: (server, timestamp, metric, min, max, avg).
type Row struct {
	VM     string    `json:"vm"`
	Date   time.Time `json:"date"`
	Metric string    `json:"metric"`
	Min    float64   `json:"min_value"`
	Max    float64   `json:"max_value"`
	Avg    float64   `json:"avg_value"`
}

// Validate rejects rows that could never form a valid series.
func (r Row) Validate() error {
	if r.VM == "" {
		return fmt.Errorf("%w: vm is required", models.ErrInvalidSample)
	}
	if r.Metric == "" {
		return fmt.Errorf("%w: metric is required", models.ErrInvalidSample)
	}
	if r.Date.IsZero() {
		return fmt.Errorf("%w: date is required", models.ErrInvalidSample)
	}
	return r.Sample().Validate()
}

// Sample converts the row to a MetricSample.
func (r Row) Sample() models.MetricSample {
	return models.MetricSample{Timestamp: r.Date.UTC(), Min: r.Min, Max: r.Max, Avg: r.Avg}
}

// MetricStore reads and writes metric samples.
type MetricStore interface {
	// QueryMetrics returns one series per metric recorded for serverID
	// within the closed window, ordered by metric name. No rows yields an
	// empty slice and no error.
	QueryMetrics(ctx context.Context, serverID string, window models.Window) ([]models.MetricSeries, error)

	// InsertSamples validates every row, then upserts them in one
	// transaction. A single invalid row rejects the whole batch.
	InsertSamples(ctx context.Context, rows []Row) (int, error)

	// ListServers returns the distinct server ids with stored samples.
	ListServers(ctx context.Context) ([]string, error)
}

// ─── Analysis history ─────────────────────────────────────────────────────────

// AnalysisRecord is a persisted analysis outcome.
type AnalysisRecord struct {
	ID          int64     `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	ServerID    string    `json:"server_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Provider    string    `json:"provider"`
	Narrative   string    `json:"narrative"`
	Outliers    int       `json:"outliers"`
	GeneratedAt time.Time `json:"generated_at"`
}

// AnalysisStore keeps the history of fresh analyses.
type AnalysisStore interface {
	// AppendAnalysis records one analysis.
	AppendAnalysis(ctx context.Context, rec *AnalysisRecord) error

	// ListAnalyses returns the newest records for serverID, at most limit.
	ListAnalyses(ctx context.Context, serverID string, limit int) ([]*AnalysisRecord, error)
}
