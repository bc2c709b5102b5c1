// Package pg provides Postgres-backed implementations of the session, cron,
// and memory stores for managed mode, behind the same interfaces the
// file/sqlite backends implement. Schema lives in migrations/ and is applied
// with the migrate command.
package pg

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver

	"github.com/nextlevelbuilder/omniclaw/internal/store"
)

// Open connects to Postgres via the pgx database/sql driver and verifies
// the connection.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// NewStores builds the store set over an existing pool. All three stores
// share it; the memory store's Close tears it down, so close that one last
// on shutdown.
func NewStores(db *sql.DB) *store.Stores {
	return &store.Stores{
		Sessions: NewSessionStore(db),
		Cron:     NewCronStore(db),
		Memory:   NewMemoryStore(db),
	}
}

// New opens the database and builds the Postgres-backed store set.
func New(dsn string) (*store.Stores, error) {
	db, err := Open(dsn)
	if err != nil {
		return nil, err
	}
	return NewStores(db), nil
}
