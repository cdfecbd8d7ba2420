package restore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kadirbelkuyu/sitevault/internal/archive"
)

// overlay records what extracting an archive over an existing directory is
// about to change, so the extraction can be undone without touching
// anything the archive does not name. Entries that would be overwritten are
// moved into a sibling directory first.
type overlay struct {
	root    string
	aside   string
	created []string
	moved   []string
	dirs    []string
}

func prepareOverlay(root, archivePath string) (*overlay, error) {
	names, err := archive.List(archivePath)
	if err != nil {
		return nil, err
	}

	ov := &overlay{
		root:  root,
		aside: filepath.Join(filepath.Dir(root), fmt.Sprintf(".%s.previous-%d", filepath.Base(root), time.Now().UnixNano())),
	}

	fail := func(err error) (*overlay, error) {
		if rbErr := ov.undo(); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		return nil, err
	}

	dirs := map[string]bool{}
	noteMissingDirs := func(dir string) {
		for {
			if dirs[dir] {
				return
			}
			if _, err := os.Lstat(dir); err == nil {
				return
			}
			dirs[dir] = true
			if dir == root || dir == filepath.Dir(dir) {
				return
			}
			dir = filepath.Dir(dir)
		}
	}

	for _, name := range names {
		rel := filepath.FromSlash(strings.TrimSuffix(name, "/"))
		if !filepath.IsLocal(rel) {
			return fail(&archive.Error{Op: "extract", Path: name, Err: archive.ErrUnsafePath})
		}
		target := filepath.Join(root, rel)

		if strings.HasSuffix(name, "/") {
			noteMissingDirs(target)
			continue
		}
		noteMissingDirs(filepath.Dir(target))

		info, err := os.Lstat(target)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			ov.created = append(ov.created, target)
		case err != nil:
			return fail(fmt.Errorf("failed to inspect %s: %w", target, err))
		case info.IsDir():
			// Extraction fails on this entry; nothing to preserve.
		default:
			if err := ov.moveAside(rel); err != nil {
				return fail(err)
			}
		}
	}

	for dir := range dirs {
		ov.dirs = append(ov.dirs, dir)
	}
	// Deepest first.
	sort.Slice(ov.dirs, func(i, j int) bool { return len(ov.dirs[i]) > len(ov.dirs[j]) })
	return ov, nil
}

func (ov *overlay) moveAside(rel string) error {
	dest := filepath.Join(ov.aside, rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to prepare %s: %w", ov.aside, err)
	}
	if err := os.Rename(filepath.Join(ov.root, rel), dest); err != nil {
		return fmt.Errorf("failed to move %s aside: %w", rel, err)
	}
	ov.moved = append(ov.moved, rel)
	return nil
}

// undo removes what the extraction created and puts moved entries back.
// Directories are only removed when they end up empty.
func (ov *overlay) undo() error {
	var errs []error
	for _, path := range ov.created {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	for _, rel := range ov.moved {
		target := filepath.Join(ov.root, rel)
		if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Rename(filepath.Join(ov.aside, rel), target); err != nil {
			errs = append(errs, err)
		}
	}
	for _, dir := range ov.dirs {
		os.Remove(dir)
	}
	if len(errs) == 0 {
		os.RemoveAll(ov.aside)
		ov.moved = nil
		ov.created = nil
		return nil
	}
	return fmt.Errorf("failed to undo extraction into %s: %w", ov.root, errors.Join(errs...))
}

// discard drops the moved-aside originals once the extraction is kept.
func (ov *overlay) discard() {
	os.RemoveAll(ov.aside)
}
