package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS incidents (
    correlation_id     TEXT PRIMARY KEY,
    fingerprint        TEXT NOT NULL UNIQUE,
    resource_key       TEXT NOT NULL,
    source             TEXT NOT NULL,
    event_name         TEXT NOT NULL,
    state              TEXT NOT NULL,
    severity           INTEGER NOT NULL DEFAULT 0,
    classification     TEXT NOT NULL DEFAULT '',
    risk_score         DOUBLE PRECISION,
    approval_required  BOOLEAN NOT NULL DEFAULT FALSE,
    remediation_status TEXT NOT NULL DEFAULT '',
    suppressed         BOOLEAN NOT NULL DEFAULT FALSE,
    payload            TEXT NOT NULL DEFAULT '{}',
    event_at           BIGINT NOT NULL,
    received_at        BIGINT NOT NULL,
    updated_at         BIGINT NOT NULL,
    finalized_at       BIGINT
)`,
	},
	{
		version: 2,
		sql:     `CREATE INDEX IF NOT EXISTS idx_incidents_resource ON incidents(resource_key, event_at)`,
	},
	{
		version: 3,
		sql:     `CREATE INDEX IF NOT EXISTS idx_incidents_state ON incidents(state)`,
	},
}

const incidentColumns = `correlation_id, fingerprint, resource_key, source, event_name, state, severity,
	classification, risk_score, approval_required, remediation_status, suppressed, payload,
	event_at, received_at, updated_at, finalized_at`

// SQLStore keeps incidents in SQLite or PostgreSQL through sqlx.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore connects, applies pending migrations and returns the store.
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%s store requires a dsn", driver)
	}
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure sqlite: %w", err)
		}
	}

	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
    version    INTEGER PRIMARY KEY,
    applied_at BIGINT NOT NULL
)`); err != nil {
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
		if _, err := s.db.Exec(s.db.Rebind(`INSERT INTO schema_versions (version, applied_at) VALUES (?, ?)`), m.version, time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *SQLStore) Create(ctx context.Context, rec IncidentRecord) error {
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO incidents (`+incidentColumns+`) VALUES (
	:correlation_id, :fingerprint, :resource_key, :source, :event_name, :state, :severity,
	:classification, :risk_score, :approval_required, :remediation_status, :suppressed, :payload,
	:event_at, :received_at, :updated_at, :finalized_at)`, rec)
	if isUniqueViolation(err) {
		return ErrFingerprintExists
	}
	return err
}

func (s *SQLStore) Update(ctx context.Context, rec IncidentRecord) error {
	res, err := s.db.NamedExecContext(ctx, `UPDATE incidents SET
	state = :state, severity = :severity, classification = :classification, risk_score = :risk_score,
	approval_required = :approval_required, remediation_status = :remediation_status,
	suppressed = :suppressed, payload = :payload, updated_at = :updated_at, finalized_at = :finalized_at
	WHERE correlation_id = :correlation_id`, rec)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, correlationID string) (IncidentRecord, error) {
	return s.getOne(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE correlation_id = ?`, correlationID)
}

func (s *SQLStore) GetByFingerprint(ctx context.Context, fingerprint string) (IncidentRecord, error) {
	return s.getOne(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE fingerprint = ?`, fingerprint)
}

func (s *SQLStore) getOne(ctx context.Context, query string, arg any) (IncidentRecord, error) {
	var rec IncidentRecord
	err := s.db.GetContext(ctx, &rec, s.db.Rebind(query), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return IncidentRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *SQLStore) ListByResource(ctx context.Context, resourceKey string, from, to time.Time) ([]IncidentRecord, error) {
	var out []IncidentRecord
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`SELECT `+incidentColumns+` FROM incidents
	WHERE resource_key = ? AND event_at >= ? AND event_at <= ?
	ORDER BY event_at ASC, received_at ASC`), resourceKey, Millis(from), Millis(to))
	return out, err
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
