package backup

import (
	"errors"
	"fmt"

	"github.com/kadirbelkuyu/sitevault/internal/config"
)

const (
	DatabaseFileName = "database-backup.sql"
	ThemeFileName    = "theme-backup.zip"
	PluginsFileName  = "plugins-backup.zip"

	ExceptionMessage = "An exception occurred during the backup process."
)

// ErrInvalidAPIKey is returned when the supplied key does not match the
// configured one. Nothing is purged or exported in that case.
var ErrInvalidAPIKey = errors.New("invalid API key")

type Kind int

const (
	KindSQLDump Kind = iota
	KindDirectoryArchive
)

func (k Kind) String() string {
	switch k {
	case KindSQLDump:
		return "sql-dump"
	case KindDirectoryArchive:
		return "directory-archive"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Target is one artifact a backup run produces. SourcePath is unused for SQL
// dumps, which read from the configured database.
type Target struct {
	Key        string
	SourcePath string
	Kind       Kind
	FileName   string
}

// DefaultTargets returns the database, theme and plugins targets in that
// order.
func DefaultTargets(site config.SiteConfig) []Target {
	return []Target{
		{Key: "database", Kind: KindSQLDump, FileName: DatabaseFileName},
		{Key: "theme", SourcePath: site.ThemeDir, Kind: KindDirectoryArchive, FileName: ThemeFileName},
		{Key: "plugins", SourcePath: site.PluginsDir, Kind: KindDirectoryArchive, FileName: PluginsFileName},
	}
}

// Result reports the outcome of one target. FileURL is set only on success.
type Result struct {
	Key      string `json:"-"`
	Success  bool   `json:"success"`
	FileURL  string `json:"file,omitempty"`
	Error    string `json:"error,omitempty"`
	Details  string `json:"details,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// ExportError wraps the failure of a single target's export.
type ExportError struct {
	Target string
	Err    error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export of %s failed: %v", e.Target, e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}
