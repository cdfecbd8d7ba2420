package dump

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Dialect renders Go values as SQL literals for one engine and tells the
// statement scanner how that engine treats backslashes inside strings.
type Dialect interface {
	Name() string
	// Literal renders value; columnType is the driver-reported database type
	// name and may be empty.
	Literal(value interface{}, columnType string) string
	BackslashEscapes() bool
}

func DialectFor(dbType string) (Dialect, error) {
	switch dbType {
	case "mysql":
		return mysqlDialect{}, nil
	case "postgres":
		return postgresDialect{}, nil
	case "sqlite":
		return sqliteDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

type mysqlDialect struct{}

func (mysqlDialect) Name() string           { return "mysql" }
func (mysqlDialect) BackslashEscapes() bool { return true }

// mysqlBinaryTypes hold raw bytes that may not be valid utf8mb4, so they go
// out as hex literals instead of strings.
var mysqlBinaryTypes = map[string]bool{
	"BINARY":     true,
	"VARBINARY":  true,
	"TINYBLOB":   true,
	"BLOB":       true,
	"MEDIUMBLOB": true,
	"LONGBLOB":   true,
	"BIT":        true,
	"GEOMETRY":   true,
}

func (mysqlDialect) Literal(value interface{}, columnType string) string {
	switch v := value.(type) {
	case []byte:
		if mysqlBinaryTypes[strings.ToUpper(columnType)] {
			return "X'" + strings.ToUpper(hex.EncodeToString(v)) + "'"
		}
		return "'" + EscapeMySQL(string(v)) + "'"
	case string:
		return "'" + EscapeMySQL(v) + "'"
	case bool:
		if v {
			return "1"
		}
		return "0"
	case time.Time:
		return "'" + v.Format("2006-01-02 15:04:05.999999") + "'"
	}
	if literal, ok := numericLiteral(value); ok {
		return literal
	}
	if value == nil {
		return "NULL"
	}
	return "'" + EscapeMySQL(fmt.Sprint(value)) + "'"
}

// EscapeMySQL applies mysql_real_escape_string semantics, the same escaping
// the MySQL client library performs.
func EscapeMySQL(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case 0:
			b.WriteString(`\0`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		case '"':
			b.WriteString(`\"`)
		case 0x1a:
			b.WriteString(`\Z`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

// BackslashEscapes is false: standard_conforming_strings is on by default
// and pq.QuoteLiteral marks backslash-bearing literals with E'' itself.
func (postgresDialect) BackslashEscapes() bool { return false }

func (postgresDialect) Literal(value interface{}, columnType string) string {
	switch v := value.(type) {
	case []byte:
		if strings.EqualFold(columnType, "BYTEA") {
			return `'\x` + hex.EncodeToString(v) + `'::bytea`
		}
		return pq.QuoteLiteral(string(v))
	case string:
		return pq.QuoteLiteral(v)
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	case time.Time:
		return pq.QuoteLiteral(v.Format("2006-01-02 15:04:05.999999999Z07:00"))
	case float64:
		switch {
		case math.IsNaN(v):
			return "'NaN'"
		case math.IsInf(v, 1):
			return "'Infinity'"
		case math.IsInf(v, -1):
			return "'-Infinity'"
		}
	}
	if literal, ok := numericLiteral(value); ok {
		return literal
	}
	if value == nil {
		return "NULL"
	}
	return pq.QuoteLiteral(fmt.Sprint(value))
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string           { return "sqlite" }
func (sqliteDialect) BackslashEscapes() bool { return false }

func (sqliteDialect) Literal(value interface{}, _ string) string {
	switch v := value.(type) {
	case []byte:
		return "X'" + strings.ToUpper(hex.EncodeToString(v)) + "'"
	case string:
		return quoteStandard(v)
	case bool:
		if v {
			return "1"
		}
		return "0"
	case time.Time:
		return quoteStandard(v.Format("2006-01-02 15:04:05.999999999-07:00"))
	}
	if literal, ok := numericLiteral(value); ok {
		return literal
	}
	if value == nil {
		return "NULL"
	}
	return quoteStandard(fmt.Sprint(value))
}

func quoteStandard(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func numericLiteral(value interface{}) (string, bool) {
	switch v := value.(type) {
	case int64:
		return strconv.FormatInt(v, 10), true
	case int32:
		return strconv.FormatInt(int64(v), 10), true
	case int:
		return strconv.Itoa(v), true
	case uint64:
		return strconv.FormatUint(v, 10), true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "NULL", true
		}
		return strconv.FormatFloat(v, 'g', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32), true
	}
	return "", false
}
