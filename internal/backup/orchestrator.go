package backup

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/kadirbelkuyu/sitevault/internal/metrics"
	"github.com/kadirbelkuyu/sitevault/pkg/logger"
)

type Options struct {
	APIKey    string
	OutputDir string
	Targets   []Target
	Exporters map[Kind]Exporter
	Activity  *logger.ActivityLog
	Log       *logger.Logger
}

// Orchestrator runs authenticated backups: purge the previous artifacts,
// export every target in order and report one Result per target.
type Orchestrator struct {
	apiKey    []byte
	outputDir string
	targets   []Target
	exporters map[Kind]Exporter
	activity  *logger.ActivityLog
	log       *logger.Logger

	group singleflight.Group
}

func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if opts.OutputDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}

	seen := make(map[string]bool, len(opts.Targets))
	for _, target := range opts.Targets {
		if target.Key == "" || target.FileName == "" {
			return nil, fmt.Errorf("target %q needs a key and a file name", target.Key)
		}
		if filepath.Base(target.FileName) != target.FileName {
			return nil, fmt.Errorf("target %s file name must not contain a path: %s", target.Key, target.FileName)
		}
		if seen[target.Key] {
			return nil, fmt.Errorf("duplicate target key: %s", target.Key)
		}
		seen[target.Key] = true
		if _, ok := opts.Exporters[target.Kind]; !ok {
			return nil, fmt.Errorf("no exporter registered for %s targets", target.Kind)
		}
	}

	log := opts.Log
	if log == nil {
		log = logger.NewDiscard()
	}

	targets := make([]Target, len(opts.Targets))
	copy(targets, opts.Targets)

	return &Orchestrator{
		apiKey:    []byte(opts.APIKey),
		outputDir: opts.OutputDir,
		targets:   targets,
		exporters: opts.Exporters,
		activity:  opts.Activity,
		log:       log,
	}, nil
}

// Authenticate compares key against the configured key in constant time.
func (o *Orchestrator) Authenticate(key string) bool {
	return subtle.ConstantTimeCompare([]byte(key), o.apiKey) == 1
}

// RecordRejection notes an unauthorized attempt in the activity log.
func (o *Orchestrator) RecordRejection() {
	o.activity.Record("Unauthorized access attempt with invalid API key.")
}

func (o *Orchestrator) Targets() []Target {
	out := make([]Target, len(o.targets))
	copy(out, o.targets)
	return out
}

func (o *Orchestrator) ArtifactPath(target Target) string {
	return filepath.Join(o.outputDir, target.FileName)
}

// Run authenticates key and performs a backup. File URLs in the manifest are
// baseURL joined with each artifact's file name.
//
// Callers that overlap share a single run: the second caller waits for the
// first run and receives the same results.
func (o *Orchestrator) Run(ctx context.Context, key, baseURL string) (*Manifest, error) {
	if !o.Authenticate(key) {
		o.RecordRejection()
		metrics.BackupRuns.WithLabelValues("rejected").Inc()
		return nil, ErrInvalidAPIKey
	}

	v, err, shared := o.group.Do("backup", func() (interface{}, error) {
		return o.run(context.WithoutCancel(ctx)), nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		o.log.Debug("joined an in-flight backup run")
	}

	results := v.([]Result)
	base := strings.TrimRight(baseURL, "/")
	out := make([]Result, len(results))
	for i, result := range results {
		out[i] = result
		if result.Success {
			out[i].FileURL = base + "/" + o.targets[i].FileName
		}
	}

	return NewManifest(out...), nil
}

func (o *Orchestrator) run(ctx context.Context) []Result {
	started := time.Now()
	runLog := o.log.WithField("run_id", uuid.NewString())

	o.activity.Record("Starting backup process...")
	runLog.Info("Starting backup process")

	if err := os.MkdirAll(o.outputDir, 0o755); err != nil {
		runLog.Warnf("failed to prepare output directory: %v", err)
	}
	o.purge(runLog)

	results := make([]Result, 0, len(o.targets))
	for _, target := range o.targets {
		result := o.exportTarget(ctx, target, runLog.WithField("target", target.Key))
		results = append(results, result)

		outcome := "success"
		if !result.Success {
			outcome = "failure"
		}
		metrics.BackupTargets.WithLabelValues(target.Key, outcome).Inc()
	}

	o.activity.Record("Backup process completed.")
	runLog.WithField("duration", time.Since(started).Round(time.Millisecond)).Info("Backup process completed")
	metrics.BackupRuns.WithLabelValues("completed").Inc()
	metrics.BackupDuration.Observe(time.Since(started).Seconds())

	return results
}

// purge removes every target's previous artifact. Missing files are fine and
// other failures are only logged.
func (o *Orchestrator) purge(log *logrus.Entry) {
	for _, target := range o.targets {
		path := o.ArtifactPath(target)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.WithField("target", target.Key).Warnf("failed to remove previous artifact %s: %v", path, err)
		}
	}
}

func (o *Orchestrator) exportTarget(ctx context.Context, target Target, log *logrus.Entry) (result Result) {
	result.Key = target.Key

	defer func() {
		if r := recover(); r != nil {
			err := &ExportError{Target: target.Key, Err: fmt.Errorf("panic: %v", r)}
			log.Errorf("%v", err)
			o.activity.Record("Exception encountered: %v", r)
			result = Result{Key: target.Key, Error: ExceptionMessage, Details: fmt.Sprint(r)}
		}
	}()

	path := o.ArtifactPath(target)
	if err := o.exporters[target.Kind].Export(ctx, target, path); err != nil {
		err = &ExportError{Target: target.Key, Err: err}
		log.Errorf("%v", err)
		return Result{
			Key:     target.Key,
			Error:   fmt.Sprintf("%s export failed", target.Key),
			Details: err.Error(),
		}
	}

	size, checksum, err := describeArtifact(path)
	if err != nil {
		err = &ExportError{Target: target.Key, Err: err}
		log.Errorf("%v", err)
		return Result{
			Key:     target.Key,
			Error:   fmt.Sprintf("%s export failed", target.Key),
			Details: err.Error(),
		}
	}

	result.Success = true
	result.Size = size
	result.Checksum = checksum
	return result
}
