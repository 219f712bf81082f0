// Package store implements persistence for users, tenants, impersonation records,
// audit logs and notifications on top of the SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/juanfont/impersonator/database"
	"github.com/juanfont/impersonator/types"
)

// ErrConflict is returned when an insert collides with existing data.
var ErrConflict = errors.New("conflict")

// Store groups the sub-stores sharing one database.
type Store struct {
	db *database.Database

	Users         *UserStore
	Impersonation *ImpersonationStore
	Audit         *AuditStore
	Notifications *NotificationStore
}

// New creates a Store with all sub-stores initialized.
func New(db *database.Database) *Store {
	return &Store{
		db:            db,
		Users:         &UserStore{db: db},
		Impersonation: &ImpersonationStore{db: db},
		Audit:         &AuditStore{db: db},
		Notifications: &NotificationStore{db: db},
	}
}

// Open opens the database at path, applies the schema and returns a Store.
func Open(path string) (*Store, error) {
	db, err := database.New(path, database.Schema())
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.DB().PingContext(ctx)
}

// notFound maps sql.ErrNoRows to types.ErrNotFound and wraps everything else.
func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, types.ErrNotFound)
	}
	return fmt.Errorf("query %s: %w", what, err)
}

type queryer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}
