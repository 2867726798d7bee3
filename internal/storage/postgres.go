package storage

import (
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = dialect{
	name:     "postgres",
	numbered: true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			ts BIGINT NOT NULL,
			entity_id TEXT NOT NULL,
			display_name TEXT NOT NULL,
			metric TEXT NOT NULL,
			service TEXT NOT NULL,
			service_state TEXT NOT NULL,
			severity TEXT NOT NULL,
			threshold DOUBLE PRECISION NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			message TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_entity_ts ON alerts(entity_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts)`,
		`CREATE TABLE IF NOT EXISTS samples (
			id BIGSERIAL PRIMARY KEY,
			ts BIGINT NOT NULL,
			entity_id TEXT NOT NULL,
			source TEXT NOT NULL,
			payload JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_entity_ts ON samples(entity_id, ts)`,
	},
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/vmsentry?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return newSQLStore(db, postgresDialect), nil
}
