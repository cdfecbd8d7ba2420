package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// postgresInspector rebuilds the table body from information_schema because
// PostgreSQL has no server-side equivalent of SHOW CREATE TABLE. Columns,
// defaults, nullability and the primary key go into CREATE TABLE; secondary
// indexes and the remaining constraints use the engine's own definitions.
type postgresInspector struct{}

func (postgresInspector) ListTables(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT t.table_name
		FROM information_schema.tables t
		WHERE t.table_type = 'BASE TABLE'
		AND t.table_schema = current_schema()
		ORDER BY t.table_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	return scanNames(rows, 1)
}

func (i postgresInspector) CreateStatement(ctx context.Context, q Querier, name string) (string, error) {
	table := Table{Name: name}

	if err := extractColumns(ctx, q, &table); err != nil {
		return "", fmt.Errorf("failed to gather table details for %s: %w", name, err)
	}
	if len(table.Columns) == 0 {
		return "", fmt.Errorf("table %s has no visible columns", name)
	}
	if err := extractPrimaryKeys(ctx, q, &table); err != nil {
		return "", fmt.Errorf("failed to gather table details for %s: %w", name, err)
	}

	return BuildCreateTable(table), nil
}

// IndexStatements returns pg_indexes.indexdef for indexes that no
// constraint owns, then the unique, check and exclusion constraints.
func (postgresInspector) IndexStatements(ctx context.Context, q Querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT ix.indexdef
		FROM pg_indexes ix
		WHERE ix.schemaname = current_schema() AND ix.tablename = $1
		AND NOT EXISTS (
			SELECT 1 FROM pg_constraint con
			WHERE con.conindid = (quote_ident(ix.schemaname) || '.' || quote_ident(ix.indexname))::regclass
		)
		ORDER BY ix.indexname
	`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query indexes of %s: %w", table, err)
	}
	indexes, err := scanStatements(rows)
	if err != nil {
		return nil, err
	}

	constraints, err := constraintStatements(ctx, q, table, "'u', 'c', 'x'")
	if err != nil {
		return nil, err
	}
	return append(indexes, constraints...), nil
}

func (postgresInspector) ForeignKeyStatements(ctx context.Context, q Querier, table string) ([]string, error) {
	return constraintStatements(ctx, q, table, "'f'")
}

func (postgresInspector) QuoteIdent(name string) string {
	return quoteWith(name, `"`)
}

func constraintStatements(ctx context.Context, q Querier, table, types string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT
			'ALTER TABLE ONLY ' || quote_ident(c.relname) ||
			' ADD CONSTRAINT ' || quote_ident(con.conname) ||
			' ' || pg_get_constraintdef(con.oid)
		FROM pg_constraint con
		JOIN pg_class c ON c.oid = con.conrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = current_schema() AND c.relname = $1
		AND con.contype IN (`+types+`)
		ORDER BY con.conname
	`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query constraints of %s: %w", table, err)
	}
	return scanStatements(rows)
}

func extractColumns(ctx context.Context, q Querier, table *Table) error {
	query := `
		SELECT
			column_name,
			data_type,
			is_nullable,
			column_default,
			character_maximum_length,
			numeric_precision,
			numeric_scale,
			ordinal_position
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		ORDER BY ordinal_position
	`

	rows, err := q.QueryContext(ctx, query, table.Name)
	if err != nil {
		return fmt.Errorf("failed to query column metadata: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var col Column
		var isNullable string
		var defaultValue sql.NullString
		var maxLength, precision, scale sql.NullInt64

		err := rows.Scan(
			&col.Name,
			&col.DataType,
			&isNullable,
			&defaultValue,
			&maxLength,
			&precision,
			&scale,
			&col.Position,
		)
		if err != nil {
			return fmt.Errorf("failed to read column metadata: %w", err)
		}

		col.IsNullable = isNullable == "YES"
		if defaultValue.Valid {
			col.DefaultValue = &defaultValue.String
		}
		col.MaxLength = optionalInt(maxLength)
		if col.DataType == "numeric" {
			col.Precision = optionalInt(precision)
			col.Scale = optionalInt(scale)
		}

		table.Columns = append(table.Columns, col)
	}

	return rows.Err()
}

func extractPrimaryKeys(ctx context.Context, q Querier, table *Table) error {
	query := `
		SELECT column_name
		FROM information_schema.key_column_usage
		WHERE table_schema = current_schema() AND table_name = $1
		AND constraint_name IN (
			SELECT constraint_name
			FROM information_schema.table_constraints
			WHERE table_schema = current_schema() AND table_name = $1
			AND constraint_type = 'PRIMARY KEY'
		)
		ORDER BY ordinal_position
	`

	rows, err := q.QueryContext(ctx, query, table.Name)
	if err != nil {
		return fmt.Errorf("failed to query primary key metadata: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var columnName string
		if err := rows.Scan(&columnName); err != nil {
			return fmt.Errorf("failed to read primary key metadata: %w", err)
		}
		table.PrimaryKeys = append(table.PrimaryKeys, columnName)
	}

	return rows.Err()
}

// BuildCreateTable renders a CREATE TABLE statement for table. Columns whose
// default draws from a sequence become serial types so the statement replays
// into a database where that sequence does not exist yet.
func BuildCreateTable(table Table) string {
	var columnDefs []string

	for _, col := range table.Columns {
		dataType := columnType(col)
		defaultValue := col.DefaultValue

		if defaultValue != nil && strings.HasPrefix(*defaultValue, "nextval(") {
			if serial, ok := serialTypes[col.DataType]; ok {
				dataType = serial
				defaultValue = nil
			}
		}

		colDef := fmt.Sprintf("%s %s", quoteWith(col.Name, `"`), dataType)

		if !col.IsNullable {
			colDef += " NOT NULL"
		}

		if defaultValue != nil {
			colDef += fmt.Sprintf(" DEFAULT %s", *defaultValue)
		}

		columnDefs = append(columnDefs, colDef)
	}

	if len(table.PrimaryKeys) > 0 {
		pkCols := make([]string, len(table.PrimaryKeys))
		for i, pk := range table.PrimaryKeys {
			pkCols[i] = quoteWith(pk, `"`)
		}
		columnDefs = append(columnDefs, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(pkCols, ", ")))
	}

	return fmt.Sprintf(
		"CREATE TABLE %s (\n  %s\n)",
		quoteWith(table.Name, `"`),
		strings.Join(columnDefs, ",\n  "),
	)
}

var serialTypes = map[string]string{
	"smallint": "smallserial",
	"integer":  "serial",
	"bigint":   "bigserial",
}

func columnType(col Column) string {
	switch col.DataType {
	case "character varying", "varchar", "character", "char", "bit", "bit varying":
		if col.MaxLength != nil {
			return fmt.Sprintf("%s(%d)", col.DataType, *col.MaxLength)
		}
	case "numeric":
		if col.Precision != nil && col.Scale != nil {
			return fmt.Sprintf("numeric(%d,%d)", *col.Precision, *col.Scale)
		}
		if col.Precision != nil {
			return fmt.Sprintf("numeric(%d)", *col.Precision)
		}
	case "USER-DEFINED", "ARRAY":
		// information_schema hides the concrete type; text replays the values.
		return "text"
	}
	return col.DataType
}

func optionalInt(value sql.NullInt64) *int {
	if !value.Valid {
		return nil
	}
	v := int(value.Int64)
	return &v
}
