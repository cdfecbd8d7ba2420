package archive_test

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirbelkuyu/sitevault/internal/archive"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func writeRawZip(t *testing.T, path string, names ...string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte("payload of " + name))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestBuildExtractRoundTrip(t *testing.T) {
	src := filepath.Join(t.TempDir(), "twentytwenty")
	files := map[string]string{
		"style.css":              "body { color: red; }",
		"inc/functions.php":      "<?php // functions",
		"assets/img/logo.bin":    string([]byte{0x00, 0x01, 0x02, 0xff}),
		"assets/fonts/Inter.txt": "",
	}
	writeTree(t, src, files)
	require.NoError(t, os.MkdirAll(filepath.Join(src, "empty-dir"), 0o755))

	zipPath := filepath.Join(t.TempDir(), "theme-backup.zip")
	stats, err := archive.Build(src, zipPath)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Files)
	assert.Equal(t, int64(len("body { color: red; }")+len("<?php // functions")+4), stats.Bytes)
	assert.Empty(t, stats.Skipped)

	names, err := archive.List(zipPath)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"assets/fonts/Inter.txt",
		"assets/img/logo.bin",
		"inc/functions.php",
		"style.css",
	}, names, "entries are sorted and carry no leading directory segment")

	dest := filepath.Join(t.TempDir(), "restored")
	extracted, err := archive.Extract(zipPath, dest)
	require.NoError(t, err)
	assert.ElementsMatch(t, names, extracted)

	for name, content := range files {
		data, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(name)))
		require.NoError(t, err)
		assert.Equal(t, content, string(data), name)
	}

	_, err = os.Stat(filepath.Join(dest, "empty-dir"))
	assert.True(t, os.IsNotExist(err), "empty directories are not archived")
}

func TestBuildEmptyDirectory(t *testing.T) {
	src := t.TempDir()
	zipPath := filepath.Join(t.TempDir(), "plugins-backup.zip")

	stats, err := archive.Build(src, zipPath)
	require.NoError(t, err)
	assert.Zero(t, stats.Files)

	names, err := archive.List(zipPath)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestBuildSkipsSymlinks(t *testing.T) {
	outside := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o600))

	src := t.TempDir()
	writeTree(t, src, map[string]string{"plugin.php": "<?php"})
	require.NoError(t, os.Symlink(outside, filepath.Join(src, "link.txt")))

	zipPath := filepath.Join(t.TempDir(), "plugins-backup.zip")
	stats, err := archive.Build(src, zipPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"link.txt"}, stats.Skipped)

	names, err := archive.List(zipPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"plugin.php"}, names)
}

func TestBuildFollowsSymlinkedRoot(t *testing.T) {
	target := filepath.Join(t.TempDir(), "real-theme")
	writeTree(t, target, map[string]string{"style.css": "body {}", "inc/setup.php": "<?php"})

	link := filepath.Join(t.TempDir(), "backup-theme")
	require.NoError(t, os.Symlink(target, link))

	zipPath := filepath.Join(t.TempDir(), "theme-backup.zip")
	stats, err := archive.Build(link, zipPath)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Files)
	assert.Empty(t, stats.Skipped)

	names, err := archive.List(zipPath)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"style.css", "inc/setup.php"}, names)
}

func TestBuildFailsWithoutPartialArchive(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can read files regardless of permissions")
	}

	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "a", "b.txt": "b"})
	require.NoError(t, os.Chmod(filepath.Join(src, "b.txt"), 0o000))
	t.Cleanup(func() { os.Chmod(filepath.Join(src, "b.txt"), 0o644) })

	outDir := t.TempDir()
	zipPath := filepath.Join(outDir, "theme-backup.zip")
	_, err := archive.Build(src, zipPath)
	require.Error(t, err)

	var archiveErr *archive.Error
	require.True(t, errors.As(err, &archiveErr))
	assert.Equal(t, "build", archiveErr.Op)

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBuildRejectsMissingSource(t *testing.T) {
	_, err := archive.Build(filepath.Join(t.TempDir(), "missing"), filepath.Join(t.TempDir(), "x.zip"))
	require.Error(t, err)
	assert.True(t, os.IsNotExist(errors.Unwrap(err)))
}

func TestExtractRejectsZipSlip(t *testing.T) {
	for _, evil := range []string{"../evil.txt", "nested/../../evil.txt", "/abs/evil.txt"} {
		t.Run(evil, func(t *testing.T) {
			zipPath := filepath.Join(t.TempDir(), "evil.zip")
			writeRawZip(t, zipPath, "ok.txt", evil)

			parent := t.TempDir()
			dest := filepath.Join(parent, "dest")
			_, err := archive.Extract(zipPath, dest)
			require.Error(t, err)
			assert.ErrorIs(t, err, archive.ErrUnsafePath)

			_, statErr := os.Stat(filepath.Join(dest, "ok.txt"))
			assert.True(t, os.IsNotExist(statErr), "nothing is written when any entry is unsafe")
			_, statErr = os.Stat(filepath.Join(parent, "evil.txt"))
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestExtractOverwritesExistingFiles(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "theme-backup.zip")
	writeRawZip(t, zipPath, "style.css")

	dest := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dest, "style.css"), []byte("old content that is longer"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "keep.txt"), []byte("untouched"), 0o644))

	_, err := archive.Extract(zipPath, dest)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dest, "style.css"))
	require.NoError(t, err)
	assert.Equal(t, "payload of style.css", string(data))

	data, err = os.ReadFile(filepath.Join(dest, "keep.txt"))
	require.NoError(t, err)
	assert.Equal(t, "untouched", string(data))
}

func TestTopLevel(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "plugins-backup.zip")
	writeRawZip(t, zipPath, "akismet/akismet.php", "akismet/readme.txt", "hello.php", "index.php", "woocommerce/")

	entries, err := archive.TopLevel(zipPath)
	require.NoError(t, err)
	assert.Equal(t, []archive.Entry{
		{Name: "akismet", Dir: true},
		{Name: "hello.php", Dir: false},
		{Name: "index.php", Dir: false},
		{Name: "woocommerce", Dir: true},
	}, entries)
}
