// Package database provides SQLite database helpers with WAL mode.
package database

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/juanfont/impersonator/database/sqliteconfig"
	"github.com/rs/zerolog/log"
	"github.com/tailscale/squibble"

	_ "modernc.org/sqlite"
)

// Database errors.
var (
	ErrBuildConnectionURL = errors.New("failed to build SQLite connection URL")
	ErrOpenDatabase       = errors.New("failed to open database")
	ErrPingDatabase       = errors.New("failed to ping database")
	ErrApplySchema        = errors.New("failed to apply schema")
)

// Database wraps the sqlx database connection.
type Database struct {
	db *sqlx.DB
}

// New opens the database at path with the production SQLite configuration and
// applies schema.
func New(path string, schema string) (*Database, error) {
	isNewDatabase := false
	if path != ":memory:" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			isNewDatabase = true
		}
	}

	log.Debug().
		Str("path", path).
		Bool("new_database", isNewDatabase).
		Msg("Opening database")

	return NewWithConfig(sqliteconfig.Default(path), schema)
}

// NewWithConfig creates a new Database with custom configuration.
func NewWithConfig(cfg *sqliteconfig.Config, schema string) (*Database, error) {
	connectionURL, err := cfg.ToURL()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuildConnectionURL, err)
	}

	db, err := sqlx.Open("sqlite", connectionURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenDatabase, err)
	}

	// SQLite concurrency settings: single connection model
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrPingDatabase, err)
	}

	if schema != "" {
		s := &squibble.Schema{Current: schema}
		if err := s.Apply(context.Background(), db.DB); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %w", ErrApplySchema, err)
		}
	}

	log.Info().
		Str("path", cfg.Path).
		Str("config", connectionURL).
		Msg("Database opened successfully")

	return &Database{db: db}, nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// DB returns the underlying *sqlx.DB for advanced operations.
func (d *Database) DB() *sqlx.DB {
	return d.db
}

// WithTx executes a function within a database transaction.
func (d *Database) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// Schema returns the impersonator schema.
func Schema() string {
	return `
CREATE TABLE IF NOT EXISTS tenants (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    slug TEXT UNIQUE NOT NULL,
    created_at DATETIME NOT NULL,
    deleted_at DATETIME
);

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT UNIQUE NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    display_name TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL DEFAULT 'user',
    permissions TEXT NOT NULL DEFAULT '[]',
    tenant_id TEXT,
    provider_identifier TEXT UNIQUE,
    last_login DATETIME,
    created_at DATETIME NOT NULL,
    modified_at DATETIME NOT NULL,
    deleted_at DATETIME,
    FOREIGN KEY (tenant_id) REFERENCES tenants(id)
);

CREATE INDEX IF NOT EXISTS idx_users_tenant ON users(tenant_id);

CREATE TABLE IF NOT EXISTS impersonation_records (
    id TEXT PRIMARY KEY,
    session_id TEXT UNIQUE NOT NULL,
    super_admin_id TEXT NOT NULL,
    super_admin_email TEXT NOT NULL,
    target_user_id TEXT NOT NULL,
    target_user_email TEXT NOT NULL,
    target_tenant_id TEXT NOT NULL,
    target_tenant_name TEXT NOT NULL,
    target_user_role TEXT NOT NULL,
    target_user_permissions TEXT NOT NULL DEFAULT '[]',
    reason TEXT NOT NULL DEFAULT '',
    start_time DATETIME NOT NULL,
    max_duration_seconds INTEGER NOT NULL,
    end_time DATETIME,
    end_cause TEXT NOT NULL DEFAULT '',
    end_reason TEXT NOT NULL DEFAULT '',
    is_active INTEGER NOT NULL DEFAULT 1,
    ip_address TEXT NOT NULL DEFAULT '',
    user_agent TEXT NOT NULL DEFAULT '',
    risk_score INTEGER NOT NULL DEFAULT 0,
    flags TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_impersonation_actor_active ON impersonation_records(super_admin_id, is_active);
CREATE INDEX IF NOT EXISTS idx_impersonation_target ON impersonation_records(target_user_id);
CREATE INDEX IF NOT EXISTS idx_impersonation_tenant ON impersonation_records(target_tenant_id);
CREATE INDEX IF NOT EXISTS idx_impersonation_start ON impersonation_records(start_time DESC);

CREATE TABLE IF NOT EXISTS impersonation_actions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    record_id TEXT NOT NULL,
    action TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    method TEXT NOT NULL,
    status_code INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    ip_address TEXT NOT NULL DEFAULT '',
    user_agent TEXT NOT NULL DEFAULT '',
    timestamp DATETIME NOT NULL,
    FOREIGN KEY (record_id) REFERENCES impersonation_records(id)
);

CREATE INDEX IF NOT EXISTS idx_impersonation_actions_record ON impersonation_actions(record_id, id);

CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp DATETIME NOT NULL,
    actor_user_id TEXT,
    action TEXT NOT NULL,
    resource_type TEXT NOT NULL,
    resource_id TEXT NOT NULL,
    changes TEXT,
    impersonation_session_id TEXT,
    impersonated_user_id TEXT,
    ip_address TEXT,
    user_agent TEXT
);

CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_log_actor ON audit_log(actor_user_id);
CREATE INDEX IF NOT EXISTS idx_audit_log_action ON audit_log(action);
CREATE INDEX IF NOT EXISTS idx_audit_log_impersonation ON audit_log(impersonation_session_id);

CREATE TABLE IF NOT EXISTS notifications (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    type TEXT NOT NULL DEFAULT 'info',
    title TEXT NOT NULL,
    message TEXT NOT NULL,
    session_id TEXT NOT NULL DEFAULT '',
    read INTEGER NOT NULL DEFAULT 0,
    read_at DATETIME,
    created_at DATETIME NOT NULL,
    FOREIGN KEY (user_id) REFERENCES users(id)
);

CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, read);
`
}
