package schema

import (
	"context"
	"fmt"
)

type mysqlInspector struct{}

func (mysqlInspector) ListTables(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, "SHOW FULL TABLES WHERE Table_type = 'BASE TABLE'")
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	return scanNames(rows, 2)
}

// CreateStatement returns the engine's own DDL so column types, collations
// and indexes survive exactly.
func (i mysqlInspector) CreateStatement(ctx context.Context, q Querier, table string) (string, error) {
	var name, create string
	if err := q.QueryRowContext(ctx, "SHOW CREATE TABLE "+i.QuoteIdent(table)).Scan(&name, &create); err != nil {
		return "", fmt.Errorf("failed to read create statement for %s: %w", table, err)
	}
	return create, nil
}

func (mysqlInspector) IndexStatements(context.Context, Querier, string) ([]string, error) {
	return nil, nil
}

func (mysqlInspector) ForeignKeyStatements(context.Context, Querier, string) ([]string, error) {
	return nil, nil
}

func (mysqlInspector) QuoteIdent(name string) string {
	return quoteWith(name, "`")
}
