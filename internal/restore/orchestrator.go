package restore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kadirbelkuyu/sitevault/internal/archive"
	"github.com/kadirbelkuyu/sitevault/internal/config"
	"github.com/kadirbelkuyu/sitevault/internal/metrics"
	"github.com/kadirbelkuyu/sitevault/pkg/logger"
)

// ErrBusy is returned while another restore is running.
var ErrBusy = errors.New("a restore is already in progress")

const maxFailureDetails = 10

// skipped is returned by a step that found nothing to do at run time.
type skipped string

func (s skipped) Error() string { return string(s) }

type Options struct {
	Mode       string
	ThemeRoot  string
	ThemeName  string
	PluginsDir string
	Database   DatabaseRestorer
	// Activator may be nil, in which case activation steps are skipped.
	Activator Activator
	Activity  *logger.ActivityLog
	Log       *logger.Logger
}

// Orchestrator applies a restore bundle as a fixed sequence of steps:
// database replay, theme extraction, plugin extraction, theme activation and
// plugin activation.
//
// In lenient mode every step is attempted and failures are only recorded. In
// strict mode the first failure stops the sequence and the steps that
// already completed are rolled back in reverse order: the previous theme is
// reactivated, plugins this run switched on are switched off and extracted
// files are undone.
type Orchestrator struct {
	opts Options
	log  *logger.Logger
	mu   sync.Mutex
}

func NewOrchestrator(opts Options) (*Orchestrator, error) {
	switch opts.Mode {
	case "":
		opts.Mode = config.RestoreModeLenient
	case config.RestoreModeLenient, config.RestoreModeStrict:
	default:
		return nil, fmt.Errorf("unknown restore mode: %s", opts.Mode)
	}
	if opts.ThemeName == "" {
		opts.ThemeName = config.DefaultThemeName
	}
	if filepath.Base(opts.ThemeName) != opts.ThemeName {
		return nil, fmt.Errorf("theme name must be a single directory name: %s", opts.ThemeName)
	}
	if opts.ThemeRoot == "" || opts.PluginsDir == "" {
		return nil, fmt.Errorf("theme root and plugins directory are required")
	}

	log := opts.Log
	if log == nil {
		log = logger.NewDiscard()
	}

	return &Orchestrator{opts: opts, log: log}, nil
}

func (o *Orchestrator) Mode() string {
	return o.opts.Mode
}

func (o *Orchestrator) strict() bool {
	return o.opts.Mode == config.RestoreModeStrict
}

// step is one unit of the saga. run reports details for the report and
// undoes its own partial work before returning an error; compensate undoes a
// completed run.
type step struct {
	name       string
	skipReason string
	run        func(ctx context.Context) ([]string, error)
	compensate func(ctx context.Context) error
	finalize   func()
}

func (o *Orchestrator) Restore(ctx context.Context, bundle *Bundle) (*Report, error) {
	if !o.mu.TryLock() {
		return nil, ErrBusy
	}
	defer o.mu.Unlock()

	started := time.Now()
	log := o.log.WithField("mode", o.opts.Mode)
	o.opts.Activity.Record("Starting restore process...")
	for _, name := range bundle.Ignored() {
		log.Warnf("Ignoring unrecognised restore file %s", name)
	}

	state := &sagaState{}
	steps := []*step{
		o.databaseStep(bundle),
		o.themeExtractStep(bundle, state),
		o.pluginsExtractStep(bundle, state),
		o.themeActivateStep(bundle, state),
		o.pluginsActivateStep(bundle, state),
	}

	report := &Report{Mode: o.opts.Mode, Ignored: bundle.Ignored()}
	results := make([]StepResult, len(steps))
	aborted := false

	for i, s := range steps {
		results[i].Name = s.name
		entry := log.WithField("step", s.name)

		switch {
		case aborted:
			results[i].Status = StatusSkipped
			results[i].Error = "not attempted after an earlier failure"
			continue
		case s.skipReason != "":
			results[i].Status = StatusSkipped
			results[i].Details = []string{s.skipReason}
			entry.Debug(s.skipReason)
			continue
		}

		details, err := s.run(ctx)
		results[i].Details = details
		if err == nil {
			results[i].Status = StatusSucceeded
			entry.Info("Restore step succeeded")
			continue
		}
		var skip skipped
		if errors.As(err, &skip) {
			results[i].Status = StatusSkipped
			results[i].Details = append(results[i].Details, string(skip))
			entry.Debug(string(skip))
			continue
		}

		results[i].Status = StatusFailed
		results[i].Error = err.Error()
		entry.Errorf("Restore step failed: %v", err)

		if o.strict() {
			aborted = true
			// Rollback runs to completion even if the request is gone.
			o.compensate(context.WithoutCancel(ctx), steps[:i], results[:i], log)
		}
	}

	for _, s := range steps {
		if s.finalize != nil {
			s.finalize()
		}
	}

	for _, result := range results {
		metrics.RestoreSteps.WithLabelValues(result.Name, string(result.Status)).Inc()
	}

	report.Steps = results
	report.Success = report.OK()

	o.opts.Activity.Record("Restore process completed.")
	log.WithFields(logrus.Fields{
		"success":  report.Success,
		"duration": time.Since(started).Round(time.Millisecond),
	}).Info("Restore process completed")

	return report, nil
}

func (o *Orchestrator) compensate(ctx context.Context, steps []*step, results []StepResult, log *logrus.Entry) {
	for i := len(steps) - 1; i >= 0; i-- {
		if results[i].Status != StatusSucceeded || steps[i].compensate == nil {
			continue
		}
		entry := log.WithField("step", steps[i].name)
		if err := steps[i].compensate(ctx); err != nil {
			results[i].Status = StatusFailed
			results[i].Error = fmt.Sprintf("rollback failed: %v", err)
			entry.Errorf("Rollback failed: %v", err)
			continue
		}
		results[i].Status = StatusCompensated
		entry.Info("Rolled back")
	}
}

// sagaState carries what the extraction steps learned to the activation
// steps and to compensation.
type sagaState struct {
	themeExtracted   bool
	pluginsExtracted bool
}

func (o *Orchestrator) databaseStep(bundle *Bundle) *step {
	s := &step{name: StepDatabase}
	path, ok := bundle.Path(KindSQL)
	switch {
	case !ok:
		s.skipReason = "no database script in bundle"
		return s
	case o.opts.Database == nil:
		s.skipReason = "no database configured"
		return s
	}

	s.run = func(ctx context.Context) ([]string, error) {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open database script: %w", err)
		}
		defer file.Close()

		report, err := o.opts.Database.Replay(ctx, file, o.strict())
		var details []string
		if report != nil {
			details = append(details, fmt.Sprintf("%d statements executed", report.Executed))
			for i, failure := range report.Failed {
				if i == maxFailureDetails {
					details = append(details, fmt.Sprintf("... %d more failures", len(report.Failed)-i))
					break
				}
				details = append(details, fmt.Sprintf("statement %d: %v (%s)", failure.Index+1, failure.Err, failure.Preview()))
			}
		}
		if err != nil {
			return details, err
		}
		if len(report.Failed) > 0 {
			return details, fmt.Errorf("%d statements failed", len(report.Failed))
		}
		return details, nil
	}
	return s
}

func (o *Orchestrator) themeExtractStep(bundle *Bundle, state *sagaState) *step {
	s := &step{name: StepThemeExtract}
	path, ok := bundle.Path(KindThemeArchive)
	if !ok {
		s.skipReason = "no theme archive in bundle"
		return s
	}

	dest := filepath.Join(o.opts.ThemeRoot, o.opts.ThemeName)
	var aside string

	restorePrevious := func() error {
		if err := os.RemoveAll(dest); err != nil {
			return fmt.Errorf("failed to remove restored theme: %w", err)
		}
		if aside == "" {
			return nil
		}
		if err := os.Rename(aside, dest); err != nil {
			return fmt.Errorf("failed to put previous theme back: %w", err)
		}
		aside = ""
		return nil
	}

	s.run = func(ctx context.Context) ([]string, error) {
		if _, err := os.Stat(dest); err == nil {
			aside = filepath.Join(o.opts.ThemeRoot, fmt.Sprintf(".%s.previous-%d", o.opts.ThemeName, time.Now().UnixNano()))
			if err := os.Rename(dest, aside); err != nil {
				aside = ""
				return nil, fmt.Errorf("failed to move existing theme aside: %w", err)
			}
		}

		files, err := archive.Extract(path, dest)
		if err != nil {
			if rbErr := restorePrevious(); rbErr != nil {
				o.log.Errorf("%v", rbErr)
			}
			return nil, err
		}
		state.themeExtracted = true
		return []string{fmt.Sprintf("%d files extracted into %s", len(files), dest)}, nil
	}
	s.compensate = func(context.Context) error {
		state.themeExtracted = false
		return restorePrevious()
	}
	s.finalize = func() {
		if aside != "" {
			os.RemoveAll(aside)
		}
	}
	return s
}

func (o *Orchestrator) pluginsExtractStep(bundle *Bundle, state *sagaState) *step {
	s := &step{name: StepPluginsExtract}
	path, ok := bundle.Path(KindPluginArchive)
	if !ok {
		s.skipReason = "no plugins archive in bundle"
		return s
	}

	dir := o.opts.PluginsDir
	var ov *overlay

	s.run = func(ctx context.Context) ([]string, error) {
		// Only strict mode rolls back, so only strict mode records the overlay.
		if o.strict() {
			var err error
			if ov, err = prepareOverlay(dir, path); err != nil {
				return nil, fmt.Errorf("failed to prepare plugins directory: %w", err)
			}
		}

		files, err := archive.Extract(path, dir)
		if err != nil {
			if ov != nil {
				if rbErr := ov.undo(); rbErr != nil {
					o.log.Errorf("%v", rbErr)
				}
			}
			return nil, err
		}
		state.pluginsExtracted = true
		return []string{fmt.Sprintf("%d files extracted into %s", len(files), dir)}, nil
	}
	s.compensate = func(context.Context) error {
		state.pluginsExtracted = false
		if ov == nil {
			return fmt.Errorf("no record of the plugins extraction was kept")
		}
		return ov.undo()
	}
	s.finalize = func() {
		if ov != nil {
			ov.discard()
		}
	}
	return s
}

func (o *Orchestrator) themeActivateStep(bundle *Bundle, state *sagaState) *step {
	s := &step{name: StepThemeActivate}
	if _, ok := bundle.Path(KindThemeArchive); !ok {
		s.skipReason = "no theme archive in bundle"
		return s
	}
	if o.opts.Activator == nil {
		s.skipReason = "activation disabled"
		return s
	}

	name := o.opts.ThemeName
	var previous string

	s.run = func(ctx context.Context) ([]string, error) {
		if !state.themeExtracted {
			return nil, skipped("theme was not extracted")
		}
		if o.strict() {
			current, err := o.opts.Activator.ActiveTheme(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to read the active theme: %w", err)
			}
			previous = current
		}
		if err := o.opts.Activator.ActivateTheme(ctx, name); err != nil {
			return nil, err
		}
		o.opts.Activity.Record("Activated theme: %s", name)
		return []string{name}, nil
	}
	s.compensate = func(ctx context.Context) error {
		if previous == "" || previous == name {
			return nil
		}
		if err := o.opts.Activator.ActivateTheme(ctx, previous); err != nil {
			return fmt.Errorf("failed to switch back to theme %s: %w", previous, err)
		}
		o.opts.Activity.Record("Reactivated theme: %s", previous)
		return nil
	}
	return s
}

func (o *Orchestrator) pluginsActivateStep(bundle *Bundle, state *sagaState) *step {
	s := &step{name: StepPluginsActivate}
	path, ok := bundle.Path(KindPluginArchive)
	if !ok {
		s.skipReason = "no plugins archive in bundle"
		return s
	}
	if o.opts.Activator == nil {
		s.skipReason = "activation disabled"
		return s
	}

	// newlyActive holds plugins this run switched on; only those are
	// switched off again on rollback.
	var newlyActive []string
	deactivate := func(ctx context.Context) error {
		var failed []string
		for i := len(newlyActive) - 1; i >= 0; i-- {
			slug := newlyActive[i]
			if err := o.opts.Activator.DeactivatePlugin(ctx, slug); err != nil {
				o.log.Errorf("Failed to deactivate plugin %s: %v", slug, err)
				failed = append(failed, slug)
				continue
			}
			o.opts.Activity.Record("Deactivated plugin: %s", slug)
		}
		newlyActive = nil
		if len(failed) > 0 {
			return fmt.Errorf("failed to deactivate plugins: %s", strings.Join(failed, ", "))
		}
		return nil
	}

	s.run = func(ctx context.Context) ([]string, error) {
		if !state.pluginsExtracted {
			return nil, skipped("plugins were not extracted")
		}

		slugs, err := PluginSlugs(path)
		if err != nil {
			return nil, err
		}

		var details []string
		var failed []string
		for _, slug := range slugs {
			wasActive := false
			if o.strict() {
				active, err := o.opts.Activator.PluginActive(ctx, slug)
				if err != nil {
					// Unknown state is treated as active so rollback leaves it alone.
					o.log.Warnf("Could not read state of plugin %s: %v", slug, err)
					active = true
				}
				wasActive = active
			}

			if err := o.opts.Activator.ActivatePlugin(ctx, slug); err != nil {
				failed = append(failed, slug)
				details = append(details, fmt.Sprintf("%s: %v", slug, err))
				if o.strict() {
					break
				}
				continue
			}
			if o.strict() && !wasActive {
				newlyActive = append(newlyActive, slug)
			}
			o.opts.Activity.Record("Activated plugin: %s", slug)
			details = append(details, slug)
		}

		if len(failed) > 0 {
			if o.strict() {
				if rbErr := deactivate(context.WithoutCancel(ctx)); rbErr != nil {
					details = append(details, rbErr.Error())
				}
			}
			return details, fmt.Errorf("failed to activate plugins: %s", strings.Join(failed, ", "))
		}
		o.opts.Activity.Record("Activated all plugins.")
		return details, nil
	}
	s.compensate = deactivate
	return s
}

// PluginSlugs lists the plugins packaged in a plugins archive: each
// top-level directory, and each top-level PHP file other than index.php.
func PluginSlugs(archivePath string) ([]string, error) {
	entries, err := archive.TopLevel(archivePath)
	if err != nil {
		return nil, err
	}

	var slugs []string
	for _, entry := range entries {
		switch {
		case entry.Dir:
			slugs = append(slugs, entry.Name)
		case strings.HasSuffix(entry.Name, ".php") && entry.Name != "index.php":
			slugs = append(slugs, strings.TrimSuffix(entry.Name, ".php"))
		}
	}
	return slugs, nil
}
