package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrUnsafePath marks an entry whose name would land outside the extraction
// directory.
var ErrUnsafePath = errors.New("entry escapes destination directory")

type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("archive %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Stats struct {
	Files int
	// Bytes counts uncompressed file content.
	Bytes int64
	// Skipped lists relative paths of symlinks and special files that were
	// left out.
	Skipped []string
}

// Entry is a top-level item of an archive.
type Entry struct {
	Name string
	Dir  bool
}

// Build writes every regular file below sourceDir into a deflate zip at
// archivePath. Entry names are slash separated and relative to sourceDir.
// Directories are implied by their files. A symlinked sourceDir is resolved;
// symlinks below it are never followed.
//
// The archive is assembled in a temporary file and renamed into place only
// when every file was read, so archivePath is either complete or untouched.
func Build(sourceDir, archivePath string) (*Stats, error) {
	info, err := os.Stat(sourceDir)
	if err != nil {
		return nil, &Error{Op: "build", Path: sourceDir, Err: err}
	}
	if !info.IsDir() {
		return nil, &Error{Op: "build", Path: sourceDir, Err: errors.New("not a directory")}
	}
	root, err := filepath.EvalSymlinks(sourceDir)
	if err != nil {
		return nil, &Error{Op: "build", Path: sourceDir, Err: err}
	}

	dir := filepath.Dir(archivePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &Error{Op: "build", Path: archivePath, Err: err}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(archivePath)+".*.tmp")
	if err != nil {
		return nil, &Error{Op: "build", Path: archivePath, Err: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	exclude := map[string]bool{}
	for _, p := range []string{tmpName, archivePath} {
		if abs, err := filepath.Abs(p); err == nil {
			exclude[abs] = true
		}
		if resolved, err := filepath.EvalSymlinks(filepath.Dir(p)); err == nil {
			if abs, err := filepath.Abs(filepath.Join(resolved, filepath.Base(p))); err == nil {
				exclude[abs] = true
			}
		}
	}

	stats, err := writeTree(tmp, root, exclude)
	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = &Error{Op: "build", Path: archivePath, Err: closeErr}
	}
	if err != nil {
		return nil, err
	}

	if err := os.Rename(tmpName, archivePath); err != nil {
		return nil, &Error{Op: "build", Path: archivePath, Err: err}
	}
	return stats, nil
}

func writeTree(w io.Writer, sourceDir string, exclude map[string]bool) (*Stats, error) {
	stats := &Stats{}
	zw := zip.NewWriter(w)

	err := filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return &Error{Op: "build", Path: path, Err: walkErr}
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return &Error{Op: "build", Path: path, Err: err}
		}
		rel = filepath.ToSlash(rel)

		if !d.Type().IsRegular() {
			stats.Skipped = append(stats.Skipped, rel)
			return nil
		}
		if abs, err := filepath.Abs(path); err == nil && exclude[abs] {
			return nil
		}

		n, err := addFile(zw, path, rel)
		if err != nil {
			return err
		}
		stats.Files++
		stats.Bytes += n
		return nil
	})
	if err != nil {
		zw.Close()
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, &Error{Op: "build", Path: sourceDir, Err: err}
	}
	return stats, nil
}

func addFile(zw *zip.Writer, path, name string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, &Error{Op: "build", Path: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, &Error{Op: "build", Path: path, Err: err}
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return 0, &Error{Op: "build", Path: path, Err: err}
	}
	header.Name = name
	header.Method = zip.Deflate

	writer, err := zw.CreateHeader(header)
	if err != nil {
		return 0, &Error{Op: "build", Path: path, Err: err}
	}
	n, err := io.Copy(writer, f)
	if err != nil {
		return n, &Error{Op: "build", Path: path, Err: err}
	}
	return n, nil
}

// Extract recreates every file stored in the archive below destDir and
// returns the extracted entry names. Existing files are overwritten. Entry
// names are validated up front: an absolute name or one that climbs out of
// destDir fails the extraction before anything is written.
func Extract(archivePath, destDir string) ([]string, error) {
	reader, err := zip.OpenReader(archivePath)
	if errors.Is(err, zip.ErrInsecurePath) {
		reader.Close()
		return nil, &Error{Op: "extract", Path: archivePath, Err: ErrUnsafePath}
	}
	if err != nil {
		return nil, &Error{Op: "extract", Path: archivePath, Err: err}
	}
	defer reader.Close()

	root, err := filepath.Abs(destDir)
	if err != nil {
		return nil, &Error{Op: "extract", Path: destDir, Err: err}
	}

	targets := make([]string, len(reader.File))
	for i, f := range reader.File {
		target, err := safeTarget(root, f.Name)
		if err != nil {
			return nil, &Error{Op: "extract", Path: f.Name, Err: err}
		}
		targets[i] = target
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &Error{Op: "extract", Path: destDir, Err: err}
	}

	var extracted []string
	for i, f := range reader.File {
		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(targets[i], 0o755); err != nil {
				return extracted, &Error{Op: "extract", Path: f.Name, Err: err}
			}
		case mode.IsRegular():
			if err := extractFile(f, targets[i]); err != nil {
				return extracted, err
			}
			extracted = append(extracted, f.Name)
		}
	}

	return extracted, nil
}

func safeTarget(root, name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", ErrUnsafePath
	}
	target := filepath.Join(root, filepath.FromSlash(name))
	if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", ErrUnsafePath
	}
	return target, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return &Error{Op: "extract", Path: f.Name, Err: err}
	}

	src, err := f.Open()
	if err != nil {
		return &Error{Op: "extract", Path: f.Name, Err: err}
	}
	defer src.Close()

	perm := f.Mode().Perm()
	if perm == 0 {
		perm = 0o644
	}

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return &Error{Op: "extract", Path: f.Name, Err: err}
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return &Error{Op: "extract", Path: f.Name, Err: err}
	}
	if err := dst.Close(); err != nil {
		return &Error{Op: "extract", Path: f.Name, Err: err}
	}

	// The content is in place; a filesystem that refuses timestamps keeps
	// the extraction time.
	if !f.Modified.IsZero() {
		_ = os.Chtimes(target, f.Modified, f.Modified)
	}
	return nil
}

// List returns the stored entry names in archive order.
func List(archivePath string) ([]string, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, &Error{Op: "list", Path: archivePath, Err: err}
	}
	defer reader.Close()

	names := make([]string, 0, len(reader.File))
	for _, f := range reader.File {
		names = append(names, f.Name)
	}
	return names, nil
}

// TopLevel returns the distinct first path segments of an archive, sorted.
// A segment is a directory when any entry lives below it.
func TopLevel(archivePath string) ([]Entry, error) {
	names, err := List(archivePath)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	for _, name := range names {
		name = strings.TrimPrefix(name, "./")
		head, _, isDir := strings.Cut(name, "/")
		if head == "" {
			continue
		}
		seen[head] = seen[head] || isDir
	}

	entries := make([]Entry, 0, len(seen))
	for name, dir := range seen {
		entries = append(entries, Entry{Name: name, Dir: dir})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}
