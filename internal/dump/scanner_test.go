package dump_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirbelkuyu/sitevault/internal/dump"
)

func dialect(t *testing.T, dbType string) dump.Dialect {
	t.Helper()
	d, err := dump.DialectFor(dbType)
	require.NoError(t, err)
	return d
}

func TestSplitStatements(t *testing.T) {
	cases := []struct {
		name     string
		dbType   string
		script   string
		expected []string
	}{
		{
			name:     "terminator inside a string does not split",
			dbType:   "sqlite",
			script:   "CREATE TABLE a (x text);\nINSERT INTO a VALUES ('a;b');",
			expected: []string{"CREATE TABLE a (x text)", "INSERT INTO a VALUES ('a;b')"},
		},
		{
			name:     "backslash escaped quote on mysql",
			dbType:   "mysql",
			script:   `INSERT INTO t VALUES ('it\'s; fine');SELECT 1`,
			expected: []string{`INSERT INTO t VALUES ('it\'s; fine')`, "SELECT 1"},
		},
		{
			name:     "doubled quote",
			dbType:   "sqlite",
			script:   "INSERT INTO t VALUES ('it''s; fine');",
			expected: []string{"INSERT INTO t VALUES ('it''s; fine')"},
		},
		{
			name:     "comments are dropped",
			dbType:   "mysql",
			script:   "-- Site Database Backup;\n/* block; */\nSELECT 1;\n# hash; comment\nSELECT 2;\n-- trailing",
			expected: []string{"SELECT 1", "SELECT 2"},
		},
		{
			name:     "double dash without space is not a mysql comment",
			dbType:   "mysql",
			script:   "SELECT 1--1;",
			expected: []string{"SELECT 1--1"},
		},
		{
			name:     "postgres escape string",
			dbType:   "postgres",
			script:   `INSERT INTO t VALUES ( E'a\';b');SELECT 2`,
			expected: []string{`INSERT INTO t VALUES ( E'a\';b')`, "SELECT 2"},
		},
		{
			name:     "postgres dollar quoted body",
			dbType:   "postgres",
			script:   "CREATE FUNCTION f() RETURNS int AS $body$ SELECT 1; $body$ LANGUAGE sql;SELECT $1",
			expected: []string{"CREATE FUNCTION f() RETURNS int AS $body$ SELECT 1; $body$ LANGUAGE sql", "SELECT $1"},
		},
		{
			name:     "empty statements are skipped",
			dbType:   "sqlite",
			script:   ";;  ;\nSELECT 1;;",
			expected: []string{"SELECT 1"},
		},
		{
			name:     "quoted identifiers",
			dbType:   "mysql",
			script:   "CREATE TABLE `we;ird` (id int);",
			expected: []string{"CREATE TABLE `we;ird` (id int)"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, dump.SplitStatements(tc.script, dialect(t, tc.dbType)))
		})
	}
}

func TestSplitStatementsEmptyScript(t *testing.T) {
	assert.Empty(t, dump.SplitStatements("-- nothing here\n\n", dialect(t, "mysql")))
}
