package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/kadirbelkuyu/sitevault/internal/backup"
	"github.com/kadirbelkuyu/sitevault/internal/config"
	"github.com/kadirbelkuyu/sitevault/internal/metrics"
	"github.com/kadirbelkuyu/sitevault/pkg/logger"
	"github.com/kadirbelkuyu/sitevault/pkg/progress"
)

// TimestampLayout names the per-poll directory, e.g. 2024-03-07-09-05.
const TimestampLayout = "2006-01-02-15-04"

const maxManifestBytes = 1 << 20

var ErrChecksumMismatch = errors.New("checksum mismatch")

type Project = config.ProjectConfig

// TransportError is a network failure or an unexpected HTTP status while
// talking to a project.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("request to %s returned status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RejectedError is a top-level {"success": false} answer from the server,
// such as an invalid API key.
type RejectedError struct {
	Message string
	Details string
}

func (e *RejectedError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("backup rejected: %s (%s)", e.Message, e.Details)
	}
	return fmt.Sprintf("backup rejected: %s", e.Message)
}

type Options struct {
	OutputDir      string
	Timeout        time.Duration
	VerifyChecksum bool
	// Progress receives download bars; nil disables them.
	Progress   io.Writer
	HTTPClient *http.Client
	Log        *logger.Logger
	Now        func() time.Time
}

type Client struct {
	outputDir      string
	verifyChecksum bool
	progress       io.Writer
	http           *http.Client
	log            *logger.Logger
	now            func() time.Time
}

func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	log := opts.Log
	if log == nil {
		log = logger.NewDiscard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	outputDir := opts.OutputDir
	if outputDir == "" {
		outputDir = "."
	}

	return &Client{
		outputDir:      outputDir,
		verifyChecksum: opts.VerifyChecksum,
		progress:       opts.Progress,
		http:           httpClient,
		log:            log,
		now:            now,
	}
}

// Download is one artifact written to disk.
type Download struct {
	Key   string
	Path  string
	Bytes int64
}

// EntryFailure is a manifest entry that was not stored, either because the
// server reported a failure or because the download itself failed.
type EntryFailure struct {
	Key     string
	Error   string
	Details string
}

type PollResult struct {
	Project    string
	Dir        string
	Downloaded []Download
	Failed     []EntryFailure
}

func Timestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// BackupDir is <root>/<project>/<user>/<timestamp>.
func BackupDir(root string, p Project, t time.Time) string {
	return filepath.Join(root, p.Name, p.User, Timestamp(t))
}

// FileName picks the local name for an artifact: database-backup.sql when
// the URL path ends in .sql, otherwise <key>-backup.zip.
func FileName(key, fileURL string) string {
	p := fileURL
	if u, err := url.Parse(fileURL); err == nil {
		p = u.Path
	} else if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if strings.HasSuffix(p, ".sql") {
		return backup.DatabaseFileName
	}
	return key + "-backup.zip"
}

// FetchManifest requests a backup from the project's endpoint.
func (c *Client) FetchManifest(ctx context.Context, p Project) (*backup.Manifest, error) {
	endpoint, err := url.Parse(p.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid project url %q: %w", p.URL, err)
	}
	query := endpoint.Query()
	query.Set("key", p.APIKey)
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{URL: p.URL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxManifestBytes))
		return nil, &TransportError{URL: p.URL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return nil, &TransportError{URL: p.URL, Err: err}
	}

	var envelope struct {
		Success *bool  `json:"success"`
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Success != nil && !*envelope.Success {
		return nil, &RejectedError{Message: envelope.Error, Details: envelope.Details}
	}

	var manifest backup.Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return nil, fmt.Errorf("failed to decode manifest from %s: %w", p.URL, err)
	}
	return &manifest, nil
}

// PollProject fetches a manifest and downloads every successful entry into
// a fresh timestamped directory. Entry level failures are reported in the
// result; only a failure to obtain the manifest is returned as an error.
func (c *Client) PollProject(ctx context.Context, p Project) (*PollResult, error) {
	log := c.log.WithField("project", p.Name)
	log.Infof("Fetching backup data for project: %s", p.Name)

	manifest, err := c.FetchManifest(ctx, p)
	if err != nil {
		return nil, err
	}

	dir := BackupDir(c.outputDir, p, c.now())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	result := &PollResult{Project: p.Name, Dir: dir}
	for _, entry := range manifest.Results() {
		entryLog := log.WithField("target", entry.Key)

		if !entry.Success {
			entryLog.Errorf("Error in %s for project %s: %s %s", entry.Key, p.Name, entry.Error, entry.Details)
			result.Failed = append(result.Failed, EntryFailure{Key: entry.Key, Error: entry.Error, Details: entry.Details})
			metrics.ClientDownloads.WithLabelValues(p.Name, "reported_failure").Inc()
			continue
		}

		download, err := c.download(ctx, p, entry, dir, entryLog)
		if err != nil {
			entryLog.Errorf("Failed to download %s: %v", entry.Key, err)
			result.Failed = append(result.Failed, EntryFailure{Key: entry.Key, Error: "download failed", Details: err.Error()})
			metrics.ClientDownloads.WithLabelValues(p.Name, "failed").Inc()
			continue
		}

		entryLog.Infof("Downloaded %s to %s (%s)", filepath.Base(download.Path), download.Path, humanize.Bytes(uint64(download.Bytes)))
		result.Downloaded = append(result.Downloaded, *download)
		metrics.ClientDownloads.WithLabelValues(p.Name, "downloaded").Inc()
		metrics.ClientDownloadBytes.WithLabelValues(p.Name).Add(float64(download.Bytes))
	}

	log.Infof("Backup completed for project: %s", p.Name)
	return result, nil
}

func (c *Client) download(ctx context.Context, p Project, entry backup.Result, dir string, log *logrus.Entry) (*Download, error) {
	if entry.FileURL == "" {
		return nil, fmt.Errorf("manifest entry has no file url")
	}
	name := FileName(entry.Key, entry.FileURL)
	dest := filepath.Join(dir, name)
	log.Infof("Downloading %s for project: %s", entry.Key, p.Name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.FileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{URL: entry.FileURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{URL: entry.FileURL, StatusCode: resp.StatusCode}
	}

	tmp, err := os.CreateTemp(dir, "."+name+".*.part")
	if err != nil {
		return nil, fmt.Errorf("failed to create download file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hasher := sha256.New()
	writers := []io.Writer{tmp, hasher}
	var bar *progress.Bar
	if c.progress != nil {
		bar = progress.NewDownloadBar(resp.ContentLength, fmt.Sprintf("%s %s", p.Name, name), c.progress)
		writers = append(writers, bar)
	}

	n, err := io.Copy(io.MultiWriter(writers...), resp.Body)
	bar.Finish()
	if err != nil {
		tmp.Close()
		return nil, &TransportError{URL: entry.FileURL, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", name, err)
	}

	if c.verifyChecksum && entry.Checksum != "" {
		got := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(got, entry.Checksum) {
			return nil, fmt.Errorf("%w for %s: expected %s, got %s", ErrChecksumMismatch, name, entry.Checksum, got)
		}
	}

	if err := os.Rename(tmpName, dest); err != nil {
		return nil, fmt.Errorf("failed to move %s into place: %w", name, err)
	}

	return &Download{Key: entry.Key, Path: dest, Bytes: n}, nil
}

// Sweep polls every project in order. A failing project is logged and the
// sweep moves on; the returned results cover the projects that answered.
func (c *Client) Sweep(ctx context.Context, projects []Project) []*PollResult {
	var results []*PollResult
	for _, p := range projects {
		if ctx.Err() != nil {
			c.log.Warn("Sweep cancelled")
			break
		}

		result, err := c.PollProject(ctx, p)
		if err != nil {
			c.log.WithField("project", p.Name).Errorf("Error during backup for project %s: %v", p.Name, err)
			metrics.ClientDownloads.WithLabelValues(p.Name, "poll_failed").Inc()
			continue
		}
		results = append(results, result)
	}
	return results
}
