package storage

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			ts INTEGER NOT NULL,
			entity_id TEXT NOT NULL,
			display_name TEXT NOT NULL,
			metric TEXT NOT NULL,
			service TEXT NOT NULL,
			service_state TEXT NOT NULL,
			severity TEXT NOT NULL,
			threshold REAL NOT NULL,
			value REAL NOT NULL,
			message TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_entity_ts ON alerts(entity_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts)`,
		`CREATE TABLE IF NOT EXISTS samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			entity_id TEXT NOT NULL,
			source TEXT NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_entity_ts ON samples(entity_id, ts)`,
	},
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:vmsentry.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection: sqlite serializes writers.
	db.SetMaxOpenConns(1)
	return newSQLStore(db, sqliteDialect), nil
}
