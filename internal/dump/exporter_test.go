package dump_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirbelkuyu/sitevault/internal/dump"

	_ "modernc.org/sqlite"
)

func openSQLite(t *testing.T, name string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), name))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedSite(t *testing.T, db *sql.DB) {
	t.Helper()
	ctx := context.Background()

	statements := []string{
		`CREATE TABLE wp_options (option_id INTEGER PRIMARY KEY, option_name TEXT NOT NULL, option_value TEXT, payload BLOB, weight REAL)`,
		`CREATE TABLE wp_empty (id INTEGER PRIMARY KEY, note TEXT)`,
	}
	for _, stmt := range statements {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	rows := []struct {
		name    string
		value   interface{}
		payload interface{}
		weight  interface{}
	}{
		{"siteurl", "https://example.com", nil, 1.5},
		{"blogname", "It's; a -- \"tricky\" /* name */", []byte{0x00, 0x27, 0x3b, 0xff}, nil},
		{"multiline", "line one\nline two\r\n\\backslash", []byte("\n"), int64(3)},
		{"nothing", nil, nil, nil},
	}
	for _, row := range rows {
		_, err := db.ExecContext(ctx,
			`INSERT INTO wp_options (option_name, option_value, payload, weight) VALUES (?, ?, ?, ?)`,
			row.name, row.value, row.payload, row.weight)
		require.NoError(t, err)
	}
}

type optionRow struct {
	ID      int64
	Name    string
	Value   sql.NullString
	Payload []byte
	Weight  sql.NullFloat64
}

func readOptions(t *testing.T, db *sql.DB) []optionRow {
	t.Helper()
	rows, err := db.Query(`SELECT option_id, option_name, option_value, payload, weight FROM wp_options ORDER BY option_id`)
	require.NoError(t, err)
	defer rows.Close()

	var result []optionRow
	for rows.Next() {
		var row optionRow
		require.NoError(t, rows.Scan(&row.ID, &row.Name, &row.Value, &row.Payload, &row.Weight))
		result = append(result, row)
	}
	require.NoError(t, rows.Err())
	return result
}

func fixedNow() time.Time {
	return time.Date(2024, 3, 7, 9, 5, 0, 0, time.UTC)
}

func TestExportReplayRoundTrip(t *testing.T) {
	ctx := context.Background()
	source := openSQLite(t, "source.db")
	seedSite(t, source)

	exporter, err := dump.NewExporter(source, "sqlite", dump.Options{Now: fixedNow}, nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "database-backup.sql")
	summary, err := exporter.WriteFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Tables)
	assert.Equal(t, int64(4), summary.Rows)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	script := string(content)
	assert.Equal(t, int64(len(content)), summary.Bytes)

	assert.True(t, strings.HasPrefix(script, "-- Site Database Backup\n-- Exported on: 2024-03-07 09:05:00\n\n"))
	assert.Contains(t, script, "CREATE TABLE wp_empty (id INTEGER PRIMARY KEY, note TEXT);\n")
	assert.NotContains(t, script, `INSERT INTO "wp_empty"`, "empty tables only carry their structure")
	assert.Equal(t, 4, strings.Count(script, `INSERT INTO "wp_options" VALUES (`))
	assert.NotContains(t, script, "DROP TABLE")

	target := openSQLite(t, "target.db")
	replayer, err := dump.NewReplayer(target, "sqlite", nil)
	require.NoError(t, err)

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	report, err := replayer.ReplayTx(ctx, file)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 6, report.Executed)

	assert.Equal(t, readOptions(t, source), readOptions(t, target))

	var emptyCount int
	require.NoError(t, target.QueryRow(`SELECT COUNT(*) FROM wp_empty`).Scan(&emptyCount))
	assert.Zero(t, emptyCount)
}

func TestExportKeepsIndexes(t *testing.T) {
	ctx := context.Background()
	source := openSQLite(t, "source.db")
	for _, stmt := range []string{
		`CREATE TABLE wp_posts (ID INTEGER PRIMARY KEY, post_name TEXT NOT NULL, post_status TEXT)`,
		`CREATE UNIQUE INDEX wp_posts_slug ON wp_posts (post_name)`,
		`CREATE INDEX wp_posts_status ON wp_posts (post_status)`,
		`INSERT INTO wp_posts (post_name, post_status) VALUES ('hello-world', 'publish'), ('draft', 'draft')`,
	} {
		_, err := source.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	exporter, err := dump.NewExporter(source, "sqlite", dump.Options{AddDropTable: true, Now: fixedNow}, nil)
	require.NoError(t, err)

	var out strings.Builder
	_, err = exporter.Export(ctx, &out)
	require.NoError(t, err)
	script := out.String()

	assert.Contains(t, script, "CREATE UNIQUE INDEX wp_posts_slug ON wp_posts (post_name);\n")
	assert.Contains(t, script, "CREATE INDEX wp_posts_status ON wp_posts (post_status);\n")
	assert.Greater(t, strings.Index(script, "CREATE UNIQUE INDEX"), strings.LastIndex(script, "INSERT INTO"),
		"indexes are created after the rows")

	target := openSQLite(t, "target.db")
	replayer, err := dump.NewReplayer(target, "sqlite", nil)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		report, err := replayer.ReplayTx(ctx, strings.NewReader(script))
		require.NoError(t, err)
		assert.True(t, report.OK())
	}

	var indexes int
	require.NoError(t, target.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND tbl_name = 'wp_posts' AND sql IS NOT NULL`).Scan(&indexes))
	assert.Equal(t, 2, indexes)

	_, err = target.ExecContext(ctx, `INSERT INTO wp_posts (post_name) VALUES ('hello-world')`)
	require.Error(t, err, "the unique index is enforced after restore")
}

func TestExportWithDropTable(t *testing.T) {
	source := openSQLite(t, "source.db")
	seedSite(t, source)

	exporter, err := dump.NewExporter(source, "sqlite", dump.Options{AddDropTable: true, Now: fixedNow}, nil)
	require.NoError(t, err)

	var out strings.Builder
	_, err = exporter.Export(context.Background(), &out)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "DROP TABLE IF EXISTS \"wp_options\";\nCREATE TABLE wp_options")

	// Replaying twice over the same database works because each table is dropped first.
	target := openSQLite(t, "target.db")
	replayer, err := dump.NewReplayer(target, "sqlite", nil)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		report, err := replayer.ReplayTx(context.Background(), strings.NewReader(out.String()))
		require.NoError(t, err)
		assert.True(t, report.OK())
	}
	assert.Len(t, readOptions(t, target), 4)
}

func TestWriteFileLeavesNothingOnFailure(t *testing.T) {
	source := openSQLite(t, "source.db")
	seedSite(t, source)

	exporter, err := dump.NewExporter(source, "sqlite", dump.Options{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dir := t.TempDir()
	_, err = exporter.WriteFile(ctx, filepath.Join(dir, "database-backup.sql"))
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no partial or temporary file is left behind")
}

func TestReplayLenientContinuesPastFailures(t *testing.T) {
	db := openSQLite(t, "target.db")
	replayer, err := dump.NewReplayer(db, "sqlite", nil)
	require.NoError(t, err)

	script := `CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT);
INSERT INTO t VALUES (1, 'one');
INSERT INTO missing VALUES (2);
INSERT INTO t VALUES (3, 'three');`

	report, err := replayer.Replay(context.Background(), strings.NewReader(script))
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Equal(t, 3, report.Executed)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, 2, report.Failed[0].Index)
	assert.Equal(t, "INSERT INTO missing VALUES (2)", report.Failed[0].Statement)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM t`).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestReplayTxStopsAndRollsBack(t *testing.T) {
	db := openSQLite(t, "target.db")
	replayer, err := dump.NewReplayer(db, "sqlite", nil)
	require.NoError(t, err)

	script := `CREATE TABLE t (id INTEGER PRIMARY KEY);
INSERT INTO missing VALUES (2);
INSERT INTO t VALUES (3);`

	report, err := replayer.ReplayTx(context.Background(), strings.NewReader(script))
	require.Error(t, err)

	var replayErr *dump.ReplayError
	require.True(t, errors.As(err, &replayErr))
	assert.Equal(t, 1, replayErr.Index)
	assert.Equal(t, 1, report.Executed)

	var name string
	err = db.QueryRow(`SELECT name FROM sqlite_master WHERE name = 't'`).Scan(&name)
	assert.ErrorIs(t, err, sql.ErrNoRows, "the created table is rolled back")
}
