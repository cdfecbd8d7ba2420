package schema

import (
	"context"
	"fmt"
)

type sqliteInspector struct{}

func (sqliteInspector) ListTables(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT name
		FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	return scanNames(rows, 1)
}

func (sqliteInspector) CreateStatement(ctx context.Context, q Querier, table string) (string, error) {
	var create string
	err := q.QueryRowContext(ctx, "SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&create)
	if err != nil {
		return "", fmt.Errorf("failed to read create statement for %s: %w", table, err)
	}
	return create, nil
}

// IndexStatements returns the stored CREATE INDEX text. Automatic indexes
// backing PRIMARY KEY and UNIQUE columns have no sql and come back with the
// table itself. Triggers are not carried.
func (sqliteInspector) IndexStatements(ctx context.Context, q Querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT sql
		FROM sqlite_master
		WHERE type = 'index' AND tbl_name = ? AND sql IS NOT NULL
		ORDER BY name
	`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query indexes of %s: %w", table, err)
	}
	return scanStatements(rows)
}

// ForeignKeyStatements is empty: SQLite keeps foreign keys inside CREATE TABLE.
func (sqliteInspector) ForeignKeyStatements(context.Context, Querier, string) ([]string, error) {
	return nil, nil
}

func (sqliteInspector) QuoteIdent(name string) string {
	return quoteWith(name, `"`)
}
