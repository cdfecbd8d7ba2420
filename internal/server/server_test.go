package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirbelkuyu/sitevault/internal/backup"
	"github.com/kadirbelkuyu/sitevault/internal/config"
	"github.com/kadirbelkuyu/sitevault/internal/metrics"
	"github.com/kadirbelkuyu/sitevault/internal/restore"
	"github.com/kadirbelkuyu/sitevault/internal/server"
	"github.com/kadirbelkuyu/sitevault/pkg/logger"
)

const testKey = "s3cret"

type writingExporter struct {
	fail bool
}

func (e writingExporter) Export(ctx context.Context, target backup.Target, destPath string) error {
	if e.fail && target.Key == "theme" {
		return os.ErrPermission
	}
	return os.WriteFile(destPath, []byte("artifact for "+target.Key), 0o644)
}

type panickingRunner struct{}

func (panickingRunner) Run(context.Context, string, string) (*backup.Manifest, error) {
	panic("disk on fire")
}
func (panickingRunner) Authenticate(string) bool { return true }
func (panickingRunner) RecordRejection()         {}

type fakeRestorer struct {
	mu      sync.Mutex
	bundles []*restore.Bundle
	report  *restore.Report
	err     error
}

func (f *fakeRestorer) Restore(ctx context.Context, bundle *restore.Bundle) (*restore.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bundles = append(f.bundles, bundle)
	if f.err != nil {
		return nil, f.err
	}
	if f.report != nil {
		return f.report, nil
	}
	return &restore.Report{Mode: config.RestoreModeLenient, Success: true}, nil
}

type fixture struct {
	uploads  string
	logFile  string
	restorer *fakeRestorer
	cfg      config.ServerConfig
	handler  http.Handler
}

func newFixture(t *testing.T, mutate func(*config.ServerConfig), exporter backup.Exporter) *fixture {
	t.Helper()

	root := t.TempDir()
	uploads := filepath.Join(root, "uploads")
	require.NoError(t, os.MkdirAll(uploads, 0o755))
	logFile := filepath.Join(uploads, config.DefaultLogFileName)

	activity, err := logger.NewActivityLog(logFile)
	require.NoError(t, err)
	t.Cleanup(func() { activity.Close() })

	site := config.SiteConfig{
		UploadsDir: uploads,
		ThemeDir:   filepath.Join(root, "themes", "twentytwenty"),
		PluginsDir: filepath.Join(root, "plugins"),
	}
	if exporter == nil {
		exporter = writingExporter{}
	}
	orch, err := backup.NewOrchestrator(backup.Options{
		APIKey:    testKey,
		OutputDir: uploads,
		Targets:   backup.DefaultTargets(site),
		Exporters: map[backup.Kind]backup.Exporter{
			backup.KindSQLDump:          exporter,
			backup.KindDirectoryArchive: exporter,
		},
		Activity: activity,
		Log:      logger.NewDiscard(),
	})
	require.NoError(t, err)

	cfg := config.ServerConfig{
		Listen:         ":0",
		APIKey:         testKey,
		DownloadPath:   config.DefaultDownloadPath,
		RestorePath:    config.DefaultRestorePath,
		LogsPath:       config.DefaultLogsPath,
		MaxUploadBytes: 1 << 20,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	restorer := &fakeRestorer{}
	srv, err := server.NewServer(server.Options{
		Config:     cfg,
		UploadsDir: uploads,
		LogFile:    logFile,
		Backup:     orch,
		Restore:    restorer,
		Log:        logger.NewDiscard(),
	})
	require.NoError(t, err)

	return &fixture{uploads: uploads, logFile: logFile, restorer: restorer, cfg: cfg, handler: srv}
}

func (f *fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

type upload struct {
	field string
	name  string
	body  string
}

func multipartRequest(t *testing.T, target string, files ...upload) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for _, f := range files {
		part, err := writer.CreateFormFile(f.field, f.name)
		require.NoError(t, err)
		_, err = io.WriteString(part, f.body)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestDownloadReturnsOrderedManifest(t *testing.T) {
	f := newFixture(t, nil, nil)

	req := httptest.NewRequest(http.MethodGet, config.DefaultDownloadPath+"?key="+testKey, nil)
	req.Host = "site.example"
	rec := f.do(t, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Less(t, strings.Index(body, `"database"`), strings.Index(body, `"theme"`))
	assert.Less(t, strings.Index(body, `"theme"`), strings.Index(body, `"plugins"`))

	var manifest backup.Manifest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &manifest))
	database, ok := manifest.Get("database")
	require.True(t, ok)
	assert.True(t, database.Success)
	assert.Equal(t, "http://site.example/uploads/database-backup.sql", database.FileURL)

	// The artifact is then served from the uploads route.
	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/uploads/database-backup.sql", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "artifact for database", rec.Body.String())
}

func TestDownloadUsesPublicURLAndHeaderKey(t *testing.T) {
	f := newFixture(t, func(cfg *config.ServerConfig) {
		cfg.PublicURL = "https://cdn.example/files/"
	}, nil)

	req := httptest.NewRequest(http.MethodGet, config.DefaultDownloadPath, nil)
	req.Header.Set("X-API-Key", testKey)
	rec := f.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var manifest backup.Manifest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &manifest))
	theme, _ := manifest.Get("theme")
	assert.Equal(t, "https://cdn.example/files/theme-backup.zip", theme.FileURL)
}

func TestDownloadInvalidKeyCompatibility(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(t, httptest.NewRequest(http.MethodGet, config.DefaultDownloadPath+"?key=wrong", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"Invalid API key"}`, rec.Body.String())

	entries, err := os.ReadDir(f.uploads)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), "-backup.", "no artifact should be produced")
	}

	logs, err := logger.ReadActivityLog(f.logFile)
	require.NoError(t, err)
	assert.Contains(t, logs, "Unauthorized access attempt with invalid API key.")
}

func TestDownloadInvalidKeyStrictStatus(t *testing.T) {
	f := newFixture(t, func(cfg *config.ServerConfig) { cfg.StrictStatusCodes = true }, nil)

	rec := f.do(t, httptest.NewRequest(http.MethodGet, config.DefaultDownloadPath, nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid API key", decodeEnvelope(t, rec.Body.Bytes())["error"])
}

func TestDownloadReportsPartialFailure(t *testing.T) {
	f := newFixture(t, nil, writingExporter{fail: true})

	rec := f.do(t, httptest.NewRequest(http.MethodGet, config.DefaultDownloadPath+"?key="+testKey, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var manifest backup.Manifest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &manifest))
	theme, _ := manifest.Get("theme")
	assert.False(t, theme.Success)
	assert.Empty(t, theme.FileURL)
	plugins, _ := manifest.Get("plugins")
	assert.True(t, plugins.Success)
}

func TestDownloadPanicBecomesEnvelope(t *testing.T) {
	uploads := t.TempDir()
	srv, err := server.NewServer(server.Options{
		Config: config.ServerConfig{
			DownloadPath: config.DefaultDownloadPath,
			RestorePath:  config.DefaultRestorePath,
			LogsPath:     config.DefaultLogsPath,
		},
		UploadsDir: uploads,
		Backup:     panickingRunner{},
		Restore:    &fakeRestorer{},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, config.DefaultDownloadPath, nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeEnvelope(t, rec.Body.Bytes())
	assert.Equal(t, false, body["success"])
	assert.Equal(t, backup.ExceptionMessage, body["error"])
	assert.Equal(t, "disk on fire", body["details"])
}

func TestRestoreSavesAndClassifiesUploads(t *testing.T) {
	f := newFixture(t, nil, nil)

	req := multipartRequest(t, config.DefaultRestorePath+"?key="+testKey,
		upload{"backup_files[]", "plugins-backup.zip", "PK-plugins"},
		upload{"backup_files", "database-backup.sql", "SELECT 1;"},
		upload{"backup_files", "readme.txt", "ignored"},
	)
	rec := f.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, f.restorer.bundles, 1)
	bundle := f.restorer.bundles[0]

	sqlPath, ok := bundle.Path(restore.KindSQL)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(f.uploads, "database-backup.sql"), sqlPath)
	data, err := os.ReadFile(sqlPath)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1;", string(data))

	_, ok = bundle.Path(restore.KindPluginArchive)
	assert.True(t, ok)
	_, ok = bundle.Path(restore.KindThemeArchive)
	assert.False(t, ok)
	assert.Equal(t, []string{"readme.txt"}, bundle.Ignored())
	assert.NoFileExists(t, filepath.Join(f.uploads, "readme.txt"))
}

func TestRestoreRejections(t *testing.T) {
	f := newFixture(t, nil, nil)

	t.Run("invalid key", func(t *testing.T) {
		req := multipartRequest(t, config.DefaultRestorePath+"?key=wrong", upload{"backup_files", "database-backup.sql", "x"})
		rec := f.do(t, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing key", func(t *testing.T) {
		req := multipartRequest(t, config.DefaultRestorePath, upload{"backup_files", "database-backup.sql", "x"})
		rec := f.do(t, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("key only in the form body", func(t *testing.T) {
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		require.NoError(t, writer.WriteField("key", testKey))
		part, err := writer.CreateFormFile("backup_files", "database-backup.sql")
		require.NoError(t, err)
		_, err = io.WriteString(part, "SELECT 1;")
		require.NoError(t, err)
		require.NoError(t, writer.Close())

		req := httptest.NewRequest(http.MethodPost, config.DefaultRestorePath, &buf)
		req.Header.Set("Content-Type", writer.FormDataContentType())
		rec := f.do(t, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "the body is not read before authentication")
		assert.Empty(t, f.restorer.bundles)
		assert.NoFileExists(t, filepath.Join(f.uploads, "database-backup.sql"))
	})

	t.Run("no files", func(t *testing.T) {
		req := multipartRequest(t, config.DefaultRestorePath+"?key="+testKey)
		rec := f.do(t, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("duplicate kind", func(t *testing.T) {
		req := multipartRequest(t, config.DefaultRestorePath+"?key="+testKey,
			upload{"backup_files", "database-backup.sql", "a"},
			upload{"backup_files", "old.sql", "b"},
		)
		rec := f.do(t, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.NoFileExists(t, filepath.Join(f.uploads, "old.sql"))
	})

	t.Run("only unknown files", func(t *testing.T) {
		req := multipartRequest(t, config.DefaultRestorePath+"?key="+testKey, upload{"backup_files", "notes.txt", "a"})
		rec := f.do(t, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	assert.Empty(t, f.restorer.bundles)
}

func TestRestoreStatusCodes(t *testing.T) {
	failed := &restore.Report{
		Mode:  config.RestoreModeStrict,
		Steps: []restore.StepResult{{Name: restore.StepDatabase, Status: restore.StatusFailed}},
	}

	t.Run("busy", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		f.restorer.err = restore.ErrBusy
		rec := f.do(t, multipartRequest(t, config.DefaultRestorePath+"?key="+testKey, upload{"backup_files", "database-backup.sql", "x"}))
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("failed report is 200 by default", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		f.restorer.report = failed
		rec := f.do(t, multipartRequest(t, config.DefaultRestorePath+"?key="+testKey, upload{"backup_files", "database-backup.sql", "x"}))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("failed report is 207 with strict codes", func(t *testing.T) {
		f := newFixture(t, func(cfg *config.ServerConfig) { cfg.StrictStatusCodes = true }, nil)
		f.restorer.report = failed
		rec := f.do(t, multipartRequest(t, config.DefaultRestorePath+"?key="+testKey, upload{"backup_files", "database-backup.sql", "x"}))
		assert.Equal(t, http.StatusMultiStatus, rec.Code)
	})

	t.Run("upload too large", func(t *testing.T) {
		f := newFixture(t, func(cfg *config.ServerConfig) { cfg.MaxUploadBytes = 64 }, nil)
		rec := f.do(t, multipartRequest(t, config.DefaultRestorePath+"?key="+testKey,
			upload{"backup_files", "database-backup.sql", strings.Repeat("x", 4096)}))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func TestLogsEndpoint(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(t, httptest.NewRequest(http.MethodGet, config.DefaultLogsPath+"?key=wrong", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, httptest.NewRequest(http.MethodGet, config.DefaultDownloadPath+"?key="+testKey, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, httptest.NewRequest(http.MethodGet, config.DefaultLogsPath+"?key="+testKey, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Starting backup process...")
	assert.Contains(t, rec.Body.String(), "Backup process completed.")
}

func TestLogsEndpointWithoutLog(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, os.Remove(f.logFile))

	rec := f.do(t, httptest.NewRequest(http.MethodGet, config.DefaultLogsPath+"?key="+testKey, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "No logs available.", rec.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sitevault_http_requests_total")
}

func TestRejectionsAreCountedPerRoute(t *testing.T) {
	f := newFixture(t, nil, nil)

	runsBefore := testutil.ToFloat64(metrics.BackupRuns.WithLabelValues("rejected"))
	logsBefore := testutil.ToFloat64(metrics.AuthRejections.WithLabelValues("logs"))
	restoreBefore := testutil.ToFloat64(metrics.AuthRejections.WithLabelValues("restore"))

	f.do(t, httptest.NewRequest(http.MethodGet, config.DefaultLogsPath+"?key=wrong", nil))
	f.do(t, multipartRequest(t, config.DefaultRestorePath+"?key=wrong", upload{"backup_files", "database-backup.sql", "x"}))

	assert.Equal(t, runsBefore, testutil.ToFloat64(metrics.BackupRuns.WithLabelValues("rejected")),
		"only the download route counts as a rejected backup run")
	assert.Equal(t, logsBefore+1, testutil.ToFloat64(metrics.AuthRejections.WithLabelValues("logs")))
	assert.Equal(t, restoreBefore+1, testutil.ToFloat64(metrics.AuthRejections.WithLabelValues("restore")))
}

func TestUploadsServesOnlyArtifacts(t *testing.T) {
	f := newFixture(t, nil, nil)

	// Produce artifacts and an activity log entry.
	rec := f.do(t, httptest.NewRequest(http.MethodGet, config.DefaultDownloadPath+"?key="+testKey, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	f.do(t, httptest.NewRequest(http.MethodGet, config.DefaultLogsPath+"?key=wrong", nil))
	require.NoError(t, os.WriteFile(filepath.Join(f.uploads, ".database-backup.sql.123.upload"), []byte("partial"), 0o644))

	for _, name := range []string{"database-backup.sql", "theme-backup.zip", "plugins-backup.zip"} {
		rec := f.do(t, httptest.NewRequest(http.MethodGet, "/uploads/"+name, nil))
		assert.Equal(t, http.StatusOK, rec.Code, name)
	}

	for _, path := range []string{
		"/uploads/" + config.DefaultLogFileName,
		"/uploads/",
		"/uploads/.database-backup.sql.123.upload",
		"/uploads/../sitevault.yaml",
	} {
		rec := f.do(t, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.NotContains(t, rec.Body.String(), "Unauthorized access attempt", path)
		assert.NotContains(t, rec.Body.String(), config.DefaultLogFileName, path)
	}
}
