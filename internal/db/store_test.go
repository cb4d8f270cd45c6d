package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var base = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func row(vm, metric string, hour int, min, avg, max float64) Row {
	return Row{VM: vm, Date: base.Add(time.Duration(hour) * time.Hour), Metric: metric, Min: min, Max: max, Avg: avg}
}

// ─── Metrics ──────────────────────────────────────────────────────────────────

func TestInsertAndQueryMetrics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rows := []Row{
		row("vm-1", "mem.usage.average", 1, 20, 25, 30),
		row("vm-1", "cpu.usage.average", 2, 70, 85, 95),
		row("vm-1", "cpu.usage.average", 0, 10, 40, 60),
		row("vm-1", "cpu.usage.average", 1, 30, 50, 70),
		row("vm-2", "cpu.usage.average", 1, 1, 2, 3),
	}
	n, err := s.InsertSamples(ctx, rows)
	if err != nil {
		t.Fatalf("InsertSamples: %v", err)
	}
	if n != len(rows) {
		t.Errorf("expected %d rows inserted, got %d", len(rows), n)
	}

	window := models.Window{Start: base, End: base.Add(24 * time.Hour)}
	series, err := s.QueryMetrics(ctx, "vm-1", window)
	if err != nil {
		t.Fatalf("QueryMetrics: %v", err)
	}
	if len(series) != 2 {
		t.Fatalf("expected 2 series, got %d", len(series))
	}
	if series[0].MetricName() != "cpu.usage.average" || series[1].MetricName() != "mem.usage.average" {
		t.Errorf("unexpected series order: %s, %s", series[0].MetricName(), series[1].MetricName())
	}

	cpu := series[0].Samples()
	if len(cpu) != 3 {
		t.Fatalf("expected 3 cpu samples, got %d", len(cpu))
	}
	for i, want := range []float64{40, 50, 85} {
		if cpu[i].Avg != want {
			t.Errorf("sample %d: expected avg %v, got %v", i, want, cpu[i].Avg)
		}
	}
	if !cpu[0].Timestamp.Equal(base) {
		t.Errorf("expected first timestamp %s, got %s", base, cpu[0].Timestamp)
	}
	if series[0].ServerID() != "vm-1" {
		t.Errorf("expected server vm-1, got %s", series[0].ServerID())
	}
}

func TestQueryMetricsWindowIsClosed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.InsertSamples(ctx, []Row{
		row("vm-1", "cpu", 0, 1, 2, 3),
		row("vm-1", "cpu", 5, 1, 2, 3),
		row("vm-1", "cpu", 10, 1, 2, 3),
		row("vm-1", "cpu", 11, 1, 2, 3),
	}); err != nil {
		t.Fatalf("InsertSamples: %v", err)
	}

	window := models.Window{Start: base.Add(5 * time.Hour), End: base.Add(10 * time.Hour)}
	series, err := s.QueryMetrics(ctx, "vm-1", window)
	if err != nil {
		t.Fatalf("QueryMetrics: %v", err)
	}
	if len(series) != 1 || series[0].Len() != 2 {
		t.Fatalf("expected both boundary samples, got %+v", series)
	}
}

func TestQueryMetricsEmpty(t *testing.T) {
	s := newTestStore(t)
	series, err := s.QueryMetrics(context.Background(), "ghost", models.Window{Start: base, End: base.Add(time.Hour)})
	if err != nil {
		t.Fatalf("QueryMetrics: %v", err)
	}
	if len(series) != 0 {
		t.Errorf("expected no series, got %d", len(series))
	}
}

func TestInsertSamplesUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.InsertSamples(ctx, []Row{row("vm-1", "cpu", 0, 1, 2, 3)}); err != nil {
		t.Fatalf("InsertSamples: %v", err)
	}
	if _, err := s.InsertSamples(ctx, []Row{row("vm-1", "cpu", 0, 10, 20, 30)}); err != nil {
		t.Fatalf("InsertSamples (upsert): %v", err)
	}

	series, err := s.QueryMetrics(ctx, "vm-1", models.Window{Start: base, End: base.Add(time.Hour)})
	if err != nil {
		t.Fatalf("QueryMetrics: %v", err)
	}
	if len(series) != 1 || series[0].Len() != 1 {
		t.Fatalf("expected one sample after upsert, got %+v", series)
	}
	if got := series[0].Samples()[0].Avg; got != 20 {
		t.Errorf("expected upserted avg 20, got %v", got)
	}
}

func TestInsertSamplesRejectsInvalidBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertSamples(ctx, []Row{
		row("vm-1", "cpu", 0, 1, 2, 3),
		row("vm-1", "cpu", 1, 5, 9, 7), // avg above max
	})
	if !errors.Is(err, models.ErrInvalidSample) {
		t.Fatalf("expected ErrInvalidSample, got %v", err)
	}

	servers, err := s.ListServers(ctx)
	if err != nil {
		t.Fatalf("ListServers: %v", err)
	}
	if len(servers) != 0 {
		t.Errorf("expected nothing stored from a rejected batch, got %v", servers)
	}

	for _, bad := range []Row{
		{Metric: "cpu", Date: base},
		{VM: "vm-1", Date: base},
		{VM: "vm-1", Metric: "cpu"},
	} {
		if err := bad.Validate(); !errors.Is(err, models.ErrInvalidSample) {
			t.Errorf("expected ErrInvalidSample for %+v, got %v", bad, err)
		}
	}
}

func TestInsertSamplesRejectsDuplicateTimestamps(t *testing.T) {
	s := newTestStore(t)

	_, err := s.InsertSamples(context.Background(), []Row{
		row("vm-1", "cpu", 0, 1, 2, 3),
		row("vm-1", "cpu", 0, 4, 5, 6),
	})
	if !errors.Is(err, models.ErrInvalidSample) {
		t.Fatalf("expected ErrInvalidSample for duplicate timestamp, got %v", err)
	}

	// Same timestamp on another metric is fine.
	n, err := s.InsertSamples(context.Background(), []Row{
		row("vm-1", "cpu", 0, 1, 2, 3),
		row("vm-1", "mem", 0, 1, 2, 3),
	})
	if err != nil || n != 2 {
		t.Fatalf("expected 2 rows inserted, got %d (%v)", n, err)
	}
}

func TestListServers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.InsertSamples(ctx, []Row{
		row("vm-b", "cpu", 0, 1, 2, 3),
		row("vm-a", "cpu", 0, 1, 2, 3),
		row("vm-b", "mem", 0, 1, 2, 3),
	}); err != nil {
		t.Fatalf("InsertSamples: %v", err)
	}

	servers, err := s.ListServers(ctx)
	if err != nil {
		t.Fatalf("ListServers: %v", err)
	}
	if len(servers) != 2 || servers[0] != "vm-a" || servers[1] != "vm-b" {
		t.Errorf("expected [vm-a vm-b], got %v", servers)
	}
}

// ─── Analysis history ─────────────────────────────────────────────────────────

func TestAnalysisHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, provider := range []string{"local", "rule-based", "huggingface"} {
		rec := &AnalysisRecord{
			Fingerprint: "fp",
			ServerID:    "vm-1",
			WindowStart: base,
			WindowEnd:   base.Add(time.Hour),
			Provider:    provider,
			Narrative:   "narrative " + provider,
			Outliers:    i,
			GeneratedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.AppendAnalysis(ctx, rec); err != nil {
			t.Fatalf("AppendAnalysis: %v", err)
		}
		if rec.ID == 0 {
			t.Errorf("expected id to be assigned")
		}
	}
	if err := s.AppendAnalysis(ctx, &AnalysisRecord{ServerID: "vm-2", Provider: "local", WindowStart: base, WindowEnd: base}); err != nil {
		t.Fatalf("AppendAnalysis: %v", err)
	}

	recs, err := s.ListAnalyses(ctx, "vm-1", 2)
	if err != nil {
		t.Fatalf("ListAnalyses: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Provider != "huggingface" || recs[1].Provider != "rule-based" {
		t.Errorf("expected newest first, got %s, %s", recs[0].Provider, recs[1].Provider)
	}
	if !recs[0].WindowEnd.Equal(base.Add(time.Hour)) {
		t.Errorf("window end round trip: got %s", recs[0].WindowEnd)
	}

	all, err := s.ListAnalyses(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListAnalyses: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("expected 4 records, got %d", len(all))
	}
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open("oracle", "x"); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestParseTime(t *testing.T) {
	want := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	for _, in := range []string{
		"2024-03-01T12:30:00.000000000Z",
		"2024-03-01T12:30:00Z",
		"2024-03-01T14:30:00+02:00",
		"2024-03-01 12:30:00",
	} {
		got, err := parseTime(in)
		if err != nil {
			t.Errorf("parseTime(%q): %v", in, err)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("parseTime(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := parseTime("yesterday"); err == nil {
		t.Error("expected error for unparseable time")
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	s := newTestStore(t).(*sqlStore)
	if err := s.migrate(sqliteMigrations); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var count int
	if err := s.db.Get(&count, `SELECT COUNT(*) FROM schema_versions`); err != nil {
		t.Fatalf("count versions: %v", err)
	}
	if count != len(sqliteMigrations) {
		t.Errorf("expected %d versions, got %d", len(sqliteMigrations), count)
	}
}
