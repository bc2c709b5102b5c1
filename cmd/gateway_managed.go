package cmd

import (
	"database/sql"
	"fmt"

	"github.com/nextlevelbuilder/omniclaw/internal/store"
	"github.com/nextlevelbuilder/omniclaw/internal/store/pg"
)

// pgOpenChecked opens the managed-mode database and verifies its schema,
// pointing at `omniclaw migrate up` when tables are missing.
func pgOpenChecked(dsn string) (*sql.DB, error) {
	db, err := pg.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	status, err := pg.CheckSchema(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres schema check: %w", err)
	}
	if !status.Compatible {
		db.Close()
		return nil, fmt.Errorf("%s", pg.FormatSchemaError(status))
	}
	return db, nil
}

func pgStores(db *sql.DB) *store.Stores {
	return pg.NewStores(db)
}
