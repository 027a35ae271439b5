package main

import (
	"context"
	"database/sql"
	"fmt"
)

// minSchemaVersion is the lowest migration this binary runs against.
const minSchemaVersion = 1

// checkSchema checks the migration bookkeeping table, failing fast on a
// missing, outdated or dirty schema.
func checkSchema(ctx context.Context, db *sql.DB) error {
	var (
		version int
		dirty   bool
	)
	err := db.QueryRowContext(ctx, `SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return fmt.Errorf("schema version %d is dirty", version)
	}
	if version < minSchemaVersion {
		return fmt.Errorf("schema version %d is older than %d", version, minSchemaVersion)
	}
	return nil
}
