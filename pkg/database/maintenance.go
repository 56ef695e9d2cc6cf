package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// TableExists reports whether a table is present in the public schema.
func TableExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS (
		SELECT 1 FROM information_schema.tables
		WHERE table_schema = 'public' AND table_name = $1
	)`, name).Scan(&exists)
	return exists, err
}

// TableCount returns the number of rows in a table. The name must come from
// code, not user input: it is interpolated into the query.
func TableCount(ctx context.Context, db *sql.DB, name string) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", name)).Scan(&count)
	return count, err
}

// DropTables drops the given tables if they exist.
func DropTables(ctx context.Context, db *sql.DB, names ...string) error {
	for _, name := range names {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", name)); err != nil {
			return fmt.Errorf("drop table %s: %w", name, err)
		}
	}
	return nil
}

// TruncateTables empties the given tables in one statement so foreign keys
// between them do not block the truncate.
func TruncateTables(ctx context.Context, db *sql.DB, names ...string) error {
	if len(names) == 0 {
		return nil
	}
	stmt := fmt.Sprintf("TRUNCATE %s RESTART IDENTITY CASCADE", strings.Join(names, ", "))
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("truncate tables: %w", err)
	}
	return nil
}
