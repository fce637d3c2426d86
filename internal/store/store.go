// Package store persists incident records.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrFingerprintExists is returned by Create when an incident with the same
	// fingerprint is already stored.
	ErrFingerprintExists = errors.New("incident fingerprint already exists")
	// ErrNotFound is returned when no incident matches.
	ErrNotFound = errors.New("incident not found")
)

// IncidentRecord is the persisted projection of an incident. Times are unix
// milliseconds so range queries order identically on every driver.
type IncidentRecord struct {
	CorrelationID     string          `db:"correlation_id"`
	Fingerprint       string          `db:"fingerprint"`
	ResourceKey       string          `db:"resource_key"`
	Source            string          `db:"source"`
	EventName         string          `db:"event_name"`
	State             string          `db:"state"`
	Severity          int             `db:"severity"`
	Classification    string          `db:"classification"`
	RiskScore         sql.NullFloat64 `db:"risk_score"`
	ApprovalRequired  bool            `db:"approval_required"`
	RemediationStatus string          `db:"remediation_status"`
	Suppressed        bool            `db:"suppressed"`
	Payload           string          `db:"payload"`
	EventAt           int64           `db:"event_at"`
	ReceivedAt        int64           `db:"received_at"`
	UpdatedAt         int64           `db:"updated_at"`
	FinalizedAt       sql.NullInt64   `db:"finalized_at"`
}

// Store is implemented by the SQL and in-memory backends.
type Store interface {
	Create(ctx context.Context, rec IncidentRecord) error
	Update(ctx context.Context, rec IncidentRecord) error
	Get(ctx context.Context, correlationID string) (IncidentRecord, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (IncidentRecord, error)
	// ListByResource returns incidents whose event time is in [from, to],
	// oldest first.
	ListByResource(ctx context.Context, resourceKey string, from, to time.Time) ([]IncidentRecord, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open returns the backend named by driver: memory, sqlite or postgres.
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite", "postgres":
		return NewSQLStore(driver, dsn)
	}
	return nil, fmt.Errorf("unsupported store driver %q", driver)
}

// Millis converts t to unix milliseconds.
func Millis(t time.Time) int64 { return t.UnixMilli() }

// FromMillis converts unix milliseconds to a UTC time.
func FromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
