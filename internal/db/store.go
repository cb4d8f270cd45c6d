package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

const (
	dialectSQLite   = "sqlite"
	dialectPostgres = "postgres"

	// sqliteTimeLayout is fixed width so TEXT comparison orders by time.
	sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

// sqlStore implements Store over sqlx for both dialects.
type sqlStore struct {
	db      *sqlx.DB
	dialect string
}

// Open opens the store for a configured driver ("sqlite" or "postgres").
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case dialectSQLite, "":
		return NewSQLiteStore(dsn)
	case dialectPostgres:
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// NewSQLiteStore opens (or creates) the SQLite database at path and applies
// migrations. Use ":memory:" in tests.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection: SQLite serializes writers anyway, and every
	// ":memory:" connection would otherwise be a separate database.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &sqlStore{db: db, dialect: dialectSQLite}
	if err := s.migrate(sqliteMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewPostgresStore connects to PostgreSQL and applies migrations.
func NewPostgresStore(dsn string) (Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	// Connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &sqlStore{db: db, dialect: dialectPostgres}
	if err := s.migrate(postgresMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *sqlStore) migrate(migrations []migration) error {
	// Ensure schema_versions table exists before reading from it.
	createVersions := `CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`
	if _, err := s.db.Exec(createVersions); err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.db.Get(&count, s.db.Rebind(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`), m.version); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(s.db.Rebind(`INSERT INTO schema_versions(version) VALUES(?)`), m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Metrics ──────────────────────────────────────────────────────────────────

type metricRow struct {
	VM     string  `db:"vm"`
	Date   string  `db:"date"`
	Metric string  `db:"metric"`
	Min    float64 `db:"min_value"`
	Max    float64 `db:"max_value"`
	Avg    float64 `db:"avg_value"`
}

func (s *sqlStore) QueryMetrics(ctx context.Context, serverID string, window models.Window) ([]models.MetricSeries, error) {
	query := `SELECT vm, date, metric, min_value, max_value, avg_value
		FROM server_metrics
		WHERE vm = ? AND date >= ? AND date <= ?
		ORDER BY metric ASC, date ASC`

	var rows []metricRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query),
		serverID, s.timeArg(window.Start), s.timeArg(window.End)); err != nil {
		return nil, fmt.Errorf("query metrics for %s: %w", serverID, err)
	}

	var (
		out     []models.MetricSeries
		current string
		samples []models.MetricSample
	)
	flush := func() error {
		if len(samples) == 0 {
			return nil
		}
		series, err := models.NewMetricSeries(serverID, current, samples)
		if err != nil {
			return err
		}
		out = append(out, series)
		samples = nil
		return nil
	}

	for _, r := range rows {
		if r.Metric != current {
			if err := flush(); err != nil {
				return nil, err
			}
			current = r.Metric
		}
		ts, err := parseTime(r.Date)
		if err != nil {
			return nil, err
		}
		samples = append(samples, models.MetricSample{Timestamp: ts, Min: r.Min, Max: r.Max, Avg: r.Avg})
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqlStore) InsertSamples(ctx context.Context, rows []Row) (int, error) {
	seen := make(map[string]int, len(rows))
	for i, r := range rows {
		if err := r.Validate(); err != nil {
			return 0, fmt.Errorf("row %d: %w", i, err)
		}
		key := r.VM + "\x00" + r.Metric + "\x00" + r.Date.UTC().Format(time.RFC3339Nano)
		if prev, dup := seen[key]; dup {
			return 0, fmt.Errorf("row %d: %w: duplicate of row %d", i, models.ErrInvalidSample, prev)
		}
		seen[key] = i
	}
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
		INSERT INTO server_metrics (vm, date, metric, min_value, max_value, avg_value)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (vm, date, metric) DO UPDATE SET
			min_value = excluded.min_value,
			max_value = excluded.max_value,
			avg_value = excluded.avg_value`))
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.VM, s.timeArg(r.Date), r.Metric, r.Min, r.Max, r.Avg); err != nil {
			return 0, fmt.Errorf("insert %s/%s: %w", r.VM, r.Metric, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(rows), nil
}

func (s *sqlStore) ListServers(ctx context.Context) ([]string, error) {
	var servers []string
	err := s.db.SelectContext(ctx, &servers, `SELECT DISTINCT vm FROM server_metrics ORDER BY vm ASC`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	return servers, nil
}

// ─── Analysis history ─────────────────────────────────────────────────────────

type analysisRow struct {
	ID          int64  `db:"id"`
	Fingerprint string `db:"fingerprint"`
	ServerID    string `db:"server_id"`
	WindowStart string `db:"window_start"`
	WindowEnd   string `db:"window_end"`
	Provider    string `db:"provider"`
	Narrative   string `db:"narrative"`
	Outliers    int    `db:"outliers"`
	GeneratedAt string `db:"generated_at"`
}

func (s *sqlStore) AppendAnalysis(ctx context.Context, rec *AnalysisRecord) error {
	if rec.GeneratedAt.IsZero() {
		rec.GeneratedAt = time.Now().UTC()
	}
	query := s.db.Rebind(`INSERT INTO analysis_history
		(fingerprint, server_id, window_start, window_end, provider, narrative, outliers, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)
	err := s.db.GetContext(ctx, &rec.ID, query,
		rec.Fingerprint, rec.ServerID,
		s.timeArg(rec.WindowStart), s.timeArg(rec.WindowEnd),
		rec.Provider, rec.Narrative, rec.Outliers,
		s.timeArg(rec.GeneratedAt))
	if err != nil {
		return fmt.Errorf("append analysis: %w", err)
	}
	return nil
}

func (s *sqlStore) ListAnalyses(ctx context.Context, serverID string, limit int) ([]*AnalysisRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, fingerprint, server_id, window_start, window_end, provider, narrative, outliers, generated_at
		FROM analysis_history
		WHERE 1=1`
	args := []interface{}{}
	if serverID != "" {
		query += ` AND server_id = ?`
		args = append(args, serverID)
	}
	query += ` ORDER BY generated_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var rows []analysisRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}

	out := make([]*AnalysisRecord, 0, len(rows))
	for _, r := range rows {
		rec := &AnalysisRecord{
			ID:          r.ID,
			Fingerprint: r.Fingerprint,
			ServerID:    r.ServerID,
			Provider:    r.Provider,
			Narrative:   r.Narrative,
			Outliers:    r.Outliers,
		}
		var err error
		if rec.WindowStart, err = parseTime(r.WindowStart); err != nil {
			return nil, err
		}
		if rec.WindowEnd, err = parseTime(r.WindowEnd); err != nil {
			return nil, err
		}
		if rec.GeneratedAt, err = parseTime(r.GeneratedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// timeArg renders t for the dialect: fixed-width UTC text for SQLite,
// time.Time for PostgreSQL.
func (s *sqlStore) timeArg(t time.Time) interface{} {
	if s.dialect == dialectSQLite {
		return t.UTC().Format(sqliteTimeLayout)
	}
	return t.UTC()
}

// parseTime parses a datetime string in any format either backend returns.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		sqliteTimeLayout,
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
