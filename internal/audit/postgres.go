package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresArchive mirrors audit entries into Postgres for retention
// beyond the process lifetime. The in-memory log stays authoritative.
type PostgresArchive struct {
	db *sql.DB
}

// NewPostgresArchive connects, verifies connectivity, and bootstraps
// the schema.
func NewPostgresArchive(connString string) (*PostgresArchive, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	archive := &PostgresArchive{db: db}
	if err := archive.initSchema(); err != nil {
		return nil, err
	}
	return archive, nil
}

func (a *PostgresArchive) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_log (
		id VARCHAR(64) PRIMARY KEY,
		ts TIMESTAMP NOT NULL,
		agent_id VARCHAR(255) NOT NULL,
		action VARCHAR(255) NOT NULL,
		resource TEXT,
		success BOOLEAN NOT NULL,
		ip_address VARCHAR(64),
		user_agent TEXT,
		details JSONB
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_agent ON audit_log(agent_id);
	CREATE INDEX IF NOT EXISTS idx_audit_log_action ON audit_log(action);
	`
	_, err := a.db.Exec(query)
	return err
}

// Store inserts one entry. Duplicate ids are ignored so replays of the
// same entry are harmless.
func (a *PostgresArchive) Store(entry Entry) error {
	var details []byte
	if entry.Details != nil {
		var err error
		details, err = json.Marshal(entry.Details)
		if err != nil {
			return err
		}
	}

	query := `
		INSERT INTO audit_log (id, ts, agent_id, action, resource, success, ip_address, user_agent, details)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := a.db.Exec(query,
		entry.ID,
		entry.Timestamp,
		entry.AgentID,
		entry.Action,
		entry.Resource,
		entry.Success,
		nullable(entry.IPAddress),
		nullable(entry.UserAgent),
		details,
	)
	return err
}

// Close closes the database connection.
func (a *PostgresArchive) Close() error {
	return a.db.Close()
}

func nullable(val string) sql.NullString {
	if val == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: val, Valid: true}
}
