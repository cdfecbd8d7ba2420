package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Inspector enumerates the tables of the active schema and produces the
// statements that recreate each one.
//
// IndexStatements are replayed after the table's rows and
// ForeignKeyStatements after every table, so neither depends on export
// order. Engines whose CREATE statement already carries indexes and keys
// return nothing from them.
type Inspector interface {
	ListTables(ctx context.Context, q Querier) ([]string, error)
	CreateStatement(ctx context.Context, q Querier, table string) (string, error)
	IndexStatements(ctx context.Context, q Querier, table string) ([]string, error)
	ForeignKeyStatements(ctx context.Context, q Querier, table string) ([]string, error)
	QuoteIdent(name string) string
}

func NewInspector(dbType string) (Inspector, error) {
	switch dbType {
	case "mysql":
		return mysqlInspector{}, nil
	case "postgres":
		return postgresInspector{}, nil
	case "sqlite":
		return sqliteInspector{}, nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

func scanNames(rows *sql.Rows, columns int) ([]string, error) {
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		dest := []interface{}{&name}
		for i := 1; i < columns; i++ {
			var ignored sql.RawBytes
			dest = append(dest, &ignored)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to read table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return names, nil
}

func scanStatements(rows *sql.Rows) ([]string, error) {
	defer rows.Close()

	var statements []string
	for rows.Next() {
		var stmt string
		if err := rows.Scan(&stmt); err != nil {
			return nil, fmt.Errorf("failed to read statement: %w", err)
		}
		statements = append(statements, stmt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read statements: %w", err)
	}
	return statements, nil
}

func quoteWith(name, quote string) string {
	return quote + strings.ReplaceAll(name, quote, quote+quote) + quote
}
