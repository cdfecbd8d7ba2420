package restore

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kadirbelkuyu/sitevault/internal/backup"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindSQL
	KindThemeArchive
	KindPluginArchive
)

func (k Kind) String() string {
	switch k {
	case KindSQL:
		return "database"
	case KindThemeArchive:
		return "theme"
	case KindPluginArchive:
		return "plugins"
	default:
		return "unknown"
	}
}

// FileName is the artifact name a backup run gives this kind.
func (k Kind) FileName() string {
	switch k {
	case KindSQL:
		return backup.DatabaseFileName
	case KindThemeArchive:
		return backup.ThemeFileName
	case KindPluginArchive:
		return backup.PluginsFileName
	default:
		return ""
	}
}

// Classify tags an uploaded file by name. Anything carrying ".sql" is a
// database script, otherwise the archive names decide.
func Classify(fileName string) Kind {
	name := filepath.Base(fileName)
	switch {
	case strings.Contains(name, ".sql"):
		return KindSQL
	case strings.Contains(name, backup.ThemeFileName):
		return KindThemeArchive
	case strings.Contains(name, backup.PluginsFileName):
		return KindPluginArchive
	default:
		return KindUnknown
	}
}

// Bundle is a set of uploaded restore files with at most one file per kind.
type Bundle struct {
	files   map[Kind]string
	ignored []string
}

func NewBundle() *Bundle {
	return &Bundle{files: map[Kind]string{}}
}

// Add classifies path and stores it. Unknown files are remembered as ignored
// and reported with KindUnknown.
func (b *Bundle) Add(path string) (Kind, error) {
	kind := Classify(path)
	if kind == KindUnknown {
		b.ignored = append(b.ignored, filepath.Base(path))
		return kind, nil
	}
	if existing, ok := b.files[kind]; ok {
		return kind, fmt.Errorf("bundle already holds a %s file: %s", kind, filepath.Base(existing))
	}
	b.files[kind] = path
	return kind, nil
}

func (b *Bundle) Path(kind Kind) (string, bool) {
	path, ok := b.files[kind]
	return path, ok
}

func (b *Bundle) Empty() bool {
	return len(b.files) == 0
}

func (b *Bundle) Ignored() []string {
	return append([]string(nil), b.ignored...)
}
