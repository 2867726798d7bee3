package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"vmsentry/internal/config"
	"vmsentry/internal/model"
)

var ErrUnsupportedDriver = errors.New("unsupported storage driver")

const defaultListLimit = 500

// Store persists emitted alerts and the sample history.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveAlert(ctx context.Context, alert model.Alert) (model.Alert, error)
	ListAlerts(ctx context.Context, q AlertQuery) ([]model.Alert, error)
	SaveSample(ctx context.Context, sample model.MetricSample) error
	ListSamples(ctx context.Context, q SampleQuery) ([]model.MetricSample, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// AlertQuery selects the newest Limit alerts, returned oldest first. Empty
// fields do not filter.
type AlertQuery struct {
	EntityID string
	Since    time.Time
	Limit    int
}

type SampleQuery struct {
	EntityID string
	Since    time.Time
	Limit    int
}

// NewStore returns nil when storage is disabled.
func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite", "":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
}

// dialect holds what differs between the SQL backends.
type dialect struct {
	name     string
	schema   []string
	numbered bool // $1, $2 placeholders instead of ?
}

type sqlStore struct {
	db      *sql.DB
	dialect dialect
	newID   func() string
}

func newSQLStore(db *sql.DB, d dialect) *sqlStore {
	return &sqlStore{db: db, dialect: d, newID: uuid.NewString}
}

func (s *sqlStore) Init(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s init: %w", s.dialect.name, err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *sqlStore) SaveAlert(ctx context.Context, alert model.Alert) (model.Alert, error) {
	if alert.ID == "" {
		alert.ID = s.newID()
	}
	_, err := s.db.ExecContext(ctx, s.bind(
		`INSERT INTO alerts (id, ts, entity_id, display_name, metric, service, service_state, severity, threshold, value, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		alert.ID,
		alert.Timestamp.UnixMilli(),
		alert.EntityID,
		alert.DisplayName,
		string(alert.Metric),
		alert.Service,
		string(alert.ServiceState),
		string(alert.Severity),
		alert.Threshold,
		alert.Value,
		alert.Message,
	)
	if err != nil {
		return model.Alert{}, fmt.Errorf("save alert: %w", err)
	}
	return alert, nil
}

func (s *sqlStore) ListAlerts(ctx context.Context, q AlertQuery) ([]model.Alert, error) {
	where, args := filters(q.EntityID, q.Since)
	args = append(args, limitOf(q.Limit))
	rows, err := s.db.QueryContext(ctx, s.bind(
		`SELECT id, ts, entity_id, display_name, metric, service, service_state, severity, threshold, value, message
		FROM alerts`+where+` ORDER BY ts DESC LIMIT ?`), args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		var (
			a                       model.Alert
			ts                      int64
			metric, state, severity string
		)
		if err := rows.Scan(&a.ID, &ts, &a.EntityID, &a.DisplayName, &metric, &a.Service, &state, &severity, &a.Threshold, &a.Value, &a.Message); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Timestamp = time.UnixMilli(ts).UTC()
		a.Metric = model.MetricKind(metric)
		a.ServiceState = model.ServiceState(state)
		a.Severity = model.Severity(severity)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func (s *sqlStore) SaveSample(ctx context.Context, sample model.MetricSample) error {
	payload, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("encode sample: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.bind(
		`INSERT INTO samples (ts, entity_id, source, payload) VALUES (?, ?, ?, ?)`),
		sample.Timestamp.UnixMilli(),
		sample.EntityID,
		sample.Source,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("save sample: %w", err)
	}
	return nil
}

func (s *sqlStore) ListSamples(ctx context.Context, q SampleQuery) ([]model.MetricSample, error) {
	where, args := filters(q.EntityID, q.Since)
	args = append(args, limitOf(q.Limit))
	rows, err := s.db.QueryContext(ctx, s.bind(
		`SELECT payload FROM samples`+where+` ORDER BY ts DESC, id DESC LIMIT ?`), args...)
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}
	defer rows.Close()

	var out []model.MetricSample
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		var sample model.MetricSample
		if err := json.Unmarshal(payload, &sample); err != nil {
			return nil, fmt.Errorf("decode sample: %w", err)
		}
		out = append(out, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

// Prune deletes alerts and samples older than before.
func (s *sqlStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.UnixMilli()
	var total int64
	for _, table := range []string{"alerts", "samples"} {
		res, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM `+table+` WHERE ts < ?`), cutoff)
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// bind rewrites ? placeholders for dialects that number them.
func (s *sqlStore) bind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func filters(entityID string, since time.Time) (string, []any) {
	var clauses []string
	var args []any
	if entityID != "" {
		clauses = append(clauses, "entity_id = ?")
		args = append(args, entityID)
	}
	if !since.IsZero() {
		clauses = append(clauses, "ts >= ?")
		args = append(args, since.UnixMilli())
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func limitOf(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
