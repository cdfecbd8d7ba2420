package dump

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kadirbelkuyu/sitevault/internal/schema"
	"github.com/kadirbelkuyu/sitevault/pkg/logger"
)

const headerTimeLayout = "2006-01-02 15:04:05"

type Options struct {
	AddDropTable bool
	// Now stamps the header; defaults to time.Now.
	Now func() time.Time
}

// Summary describes what an export wrote.
type Summary struct {
	Tables int
	Rows   int64
	Bytes  int64
}

// Exporter streams a database as a replayable SQL script: a header comment,
// then every base table's CREATE statement followed by one INSERT per row and
// the table's indexes. Foreign keys close the script.
type Exporter struct {
	db        schema.Querier
	inspector schema.Inspector
	dialect   Dialect
	opts      Options
	log       *logger.Logger
}

func NewExporter(db schema.Querier, dbType string, opts Options, log *logger.Logger) (*Exporter, error) {
	inspector, err := schema.NewInspector(dbType)
	if err != nil {
		return nil, err
	}
	dialect, err := DialectFor(dbType)
	if err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = logger.NewDiscard()
	}

	return &Exporter{
		db:        db,
		inspector: inspector,
		dialect:   dialect,
		opts:      opts,
		log:       log,
	}, nil
}

func (e *Exporter) Export(ctx context.Context, w io.Writer) (*Summary, error) {
	counter := &countingWriter{w: w}
	out := bufio.NewWriterSize(counter, 64*1024)
	summary := &Summary{}

	fmt.Fprintf(out, "-- Site Database Backup\n-- Exported on: %s\n\n", e.opts.Now().Format(headerTimeLayout))

	tables, err := e.inspector.ListTables(ctx, e.db)
	if err != nil {
		return nil, err
	}

	var foreignKeys []string
	for _, table := range tables {
		rows, err := e.exportTable(ctx, out, table)
		if err != nil {
			return nil, err
		}
		summary.Tables++
		summary.Rows += rows
		e.log.WithField("table", table).Debugf("exported %d rows", rows)

		keys, err := e.inspector.ForeignKeyStatements(ctx, e.db, table)
		if err != nil {
			return nil, fmt.Errorf("failed to read foreign keys of table %s: %w", table, err)
		}
		foreignKeys = append(foreignKeys, keys...)
	}
	writeStatements(out, foreignKeys)

	if err := out.Flush(); err != nil {
		return nil, fmt.Errorf("failed to write dump: %w", err)
	}
	summary.Bytes = counter.n

	return summary, nil
}

// WriteFile exports into a temporary file next to path and renames it into
// place once the export succeeded, so path never holds a partial dump.
func (e *Exporter) WriteFile(ctx context.Context, path string) (*Summary, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare dump directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create dump file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	summary, err := e.Export(ctx, tmp)
	if err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close dump file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return nil, fmt.Errorf("failed to move dump into place: %w", err)
	}

	return summary, nil
}

func (e *Exporter) exportTable(ctx context.Context, out *bufio.Writer, table string) (int64, error) {
	create, err := e.inspector.CreateStatement(ctx, e.db, table)
	if err != nil {
		return 0, fmt.Errorf("failed to read structure of table %s: %w", table, err)
	}

	indexes, err := e.inspector.IndexStatements(ctx, e.db, table)
	if err != nil {
		return 0, fmt.Errorf("failed to read indexes of table %s: %w", table, err)
	}

	quoted := e.inspector.QuoteIdent(table)
	if e.opts.AddDropTable {
		if e.dialect.Name() == "postgres" {
			// Foreign keys from tables not yet dropped would block a plain drop.
			fmt.Fprintf(out, "DROP TABLE IF EXISTS %s CASCADE;\n", quoted)
		} else {
			fmt.Fprintf(out, "DROP TABLE IF EXISTS %s;\n", quoted)
		}
	}
	out.WriteString(strings.TrimRight(create, "; \n\t"))
	out.WriteString(";\n\n")

	rows, err := e.db.QueryContext(ctx, "SELECT * FROM "+quoted)
	if err != nil {
		return 0, fmt.Errorf("failed to query rows of table %s: %w", table, err)
	}
	defer rows.Close()

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return 0, fmt.Errorf("failed to fetch column metadata for %s: %w", table, err)
	}

	values := make([]interface{}, len(columnTypes))
	valuePtrs := make([]interface{}, len(columnTypes))
	for i := range values {
		valuePtrs[i] = &values[i]
	}
	literals := make([]string, len(columnTypes))

	var count int64
	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return count, fmt.Errorf("failed to scan row of table %s: %w", table, err)
		}
		for i, value := range values {
			literals[i] = e.dialect.Literal(value, columnTypes[i].DatabaseTypeName())
		}

		out.WriteString("INSERT INTO ")
		out.WriteString(quoted)
		out.WriteString(" VALUES (")
		out.WriteString(strings.Join(literals, ","))
		out.WriteString(");\n")
		count++
	}
	if err := rows.Err(); err != nil {
		return count, fmt.Errorf("failed to read rows of table %s: %w", table, err)
	}

	if count > 0 {
		out.WriteString("\n")
	}
	writeStatements(out, indexes)

	return count, nil
}

func writeStatements(out *bufio.Writer, statements []string) {
	for _, stmt := range statements {
		out.WriteString(strings.TrimRight(stmt, "; \n\t"))
		out.WriteString(";\n")
	}
	if len(statements) > 0 {
		out.WriteString("\n")
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
