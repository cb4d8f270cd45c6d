package db

// migrations are applied in order; the applied versions are tracked in the
// schema_versions table. Each dialect carries its own DDL.
type migration struct {
	version int
	sql     string
}

var sqliteMigrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS server_metrics (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    vm         TEXT NOT NULL,
    date       TEXT NOT NULL,
    metric     TEXT NOT NULL,
    min_value  REAL NOT NULL,
    max_value  REAL NOT NULL,
    avg_value  REAL NOT NULL,
    UNIQUE (vm, date, metric)
);
CREATE INDEX IF NOT EXISTS idx_server_metrics_vm_date ON server_metrics(vm, date);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS analysis_history (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    fingerprint   TEXT NOT NULL,
    server_id     TEXT NOT NULL,
    window_start  TEXT NOT NULL,
    window_end    TEXT NOT NULL,
    provider      TEXT NOT NULL,
    narrative     TEXT NOT NULL,
    outliers      INTEGER NOT NULL DEFAULT 0,
    generated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analysis_history_server ON analysis_history(server_id, generated_at DESC);
`,
	},
}

var postgresMigrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS server_metrics (
    id         BIGSERIAL PRIMARY KEY,
    vm         TEXT NOT NULL,
    date       TIMESTAMPTZ NOT NULL,
    metric     TEXT NOT NULL,
    min_value  DOUBLE PRECISION NOT NULL,
    max_value  DOUBLE PRECISION NOT NULL,
    avg_value  DOUBLE PRECISION NOT NULL,
    UNIQUE (vm, date, metric)
);
CREATE INDEX IF NOT EXISTS idx_server_metrics_vm_date ON server_metrics(vm, date);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS analysis_history (
    id            BIGSERIAL PRIMARY KEY,
    fingerprint   TEXT NOT NULL,
    server_id     TEXT NOT NULL,
    window_start  TIMESTAMPTZ NOT NULL,
    window_end    TIMESTAMPTZ NOT NULL,
    provider      TEXT NOT NULL,
    narrative     TEXT NOT NULL,
    outliers      INTEGER NOT NULL DEFAULT 0,
    generated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analysis_history_server ON analysis_history(server_id, generated_at DESC);
`,
	},
}
