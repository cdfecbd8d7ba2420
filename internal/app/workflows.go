package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/kadirbelkuyu/sitevault/internal/backup"
	"github.com/kadirbelkuyu/sitevault/internal/client"
	"github.com/kadirbelkuyu/sitevault/internal/config"
	"github.com/kadirbelkuyu/sitevault/internal/database"
	"github.com/kadirbelkuyu/sitevault/internal/projects"
	"github.com/kadirbelkuyu/sitevault/internal/restore"
	"github.com/kadirbelkuyu/sitevault/internal/schema"
	"github.com/kadirbelkuyu/sitevault/internal/server"
	"github.com/kadirbelkuyu/sitevault/pkg/logger"
)

const schedulerStopTimeout = 30 * time.Second

type Service struct {
	out io.Writer
}

func NewService(out io.Writer) *Service {
	if out == nil {
		out = os.Stdout
	}
	return &Service{out: out}
}

// Serve runs the HTTP surface until ctx is cancelled.
func (s *Service) Serve(ctx context.Context, cfg *config.Config, verboseFlag bool) error {
	if err := cfg.ValidateServer(); err != nil {
		return err
	}

	log := logger.NewLogger(verboseFlag)
	activity, err := logger.NewActivityLog(cfg.Site.LogFile)
	if err != nil {
		return err
	}
	defer activity.Close()

	backups, err := newBackupOrchestrator(cfg, cfg.Server.APIKey, activity, log)
	if err != nil {
		return fmt.Errorf("failed to initialize backup service: %w", err)
	}
	restores, err := newRestoreOrchestrator(cfg, activity, log)
	if err != nil {
		return fmt.Errorf("failed to initialize restore service: %w", err)
	}

	var artifacts []string
	for _, target := range backups.Targets() {
		artifacts = append(artifacts, target.FileName)
	}

	srv, err := server.NewServer(server.Options{
		Config:     cfg.Server,
		UploadsDir: cfg.Site.UploadsDir,
		Artifacts:  artifacts,
		LogFile:    cfg.Site.LogFile,
		Backup:     backups,
		Restore:    restores,
		Log:        log,
	})
	if err != nil {
		return err
	}

	return srv.ListenAndServe(ctx)
}

// Backup performs a single backup run against the local site and prints the
// manifest.
func (s *Service) Backup(ctx context.Context, cfg *config.Config, verboseFlag bool) (*backup.Manifest, error) {
	if err := cfg.ValidateSite(); err != nil {
		return nil, err
	}

	log := logger.NewLogger(verboseFlag)
	log.Info("Starting backup...")

	activity, err := logger.NewActivityLog(cfg.Site.LogFile)
	if err != nil {
		return nil, err
	}
	defer activity.Close()

	// A local run has no caller to authenticate; a throwaway key satisfies
	// the orchestrator when none is configured.
	key := cfg.Server.APIKey
	if key == "" {
		key = uuid.NewString()
	}

	orchestrator, err := newBackupOrchestrator(cfg, key, activity, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize backup service: %w", err)
	}

	baseURL := cfg.Server.PublicURL
	if baseURL == "" {
		abs, err := filepath.Abs(cfg.Site.UploadsDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve uploads directory: %w", err)
		}
		baseURL = "file://" + filepath.ToSlash(abs)
	}

	manifest, err := orchestrator.Run(ctx, key, baseURL)
	if err != nil {
		return nil, fmt.Errorf("backup failed: %w", err)
	}

	s.printManifest(manifest)
	return manifest, nil
}

// Restore applies the given backup files to the local site.
func (s *Service) Restore(ctx context.Context, cfg *config.Config, files []string, verboseFlag bool) (*restore.Report, error) {
	if err := cfg.ValidateSite(); err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no backup files given")
	}

	log := logger.NewLogger(verboseFlag)
	log.Info("Starting restore...")

	bundle := restore.NewBundle()
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			return nil, fmt.Errorf("cannot read backup file: %w", err)
		}
		if _, err := bundle.Add(file); err != nil {
			return nil, err
		}
	}
	if bundle.Empty() {
		return nil, fmt.Errorf("none of the given files is a recognised backup file")
	}

	activity, err := logger.NewActivityLog(cfg.Site.LogFile)
	if err != nil {
		return nil, err
	}
	defer activity.Close()

	orchestrator, err := newRestoreOrchestrator(cfg, activity, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize restore service: %w", err)
	}

	report, err := orchestrator.Restore(ctx, bundle)
	if err != nil {
		return nil, fmt.Errorf("restore failed: %w", err)
	}

	s.printReport(report)
	if !report.OK() {
		return report, fmt.Errorf("restore finished with failures")
	}
	return report, nil
}

// Poll downloads backups for every configured project, either once or on
// the configured schedule until ctx is cancelled.
func (s *Service) Poll(ctx context.Context, cfg *config.Config, once, verboseFlag bool) error {
	if err := cfg.ValidateClient(); err != nil {
		return err
	}

	log := logger.NewLogger(verboseFlag)
	opts := client.Options{
		OutputDir:      cfg.Client.OutputDir,
		Timeout:        cfg.Client.Timeout,
		VerifyChecksum: cfg.Client.VerifyChecksum,
		Log:            log,
	}
	if cfg.Client.Progress {
		opts.Progress = os.Stderr
	}
	poller := client.New(opts)
	source := projectSource(cfg)

	if once {
		list, err := source()
		if err != nil {
			return err
		}
		if len(list) == 0 {
			return fmt.Errorf("no projects configured")
		}
		results := poller.Sweep(ctx, list)
		s.printPollResults(results, len(list))
		return nil
	}

	scheduler, err := client.NewScheduler(poller, source, client.ScheduleOptions{
		Interval:   cfg.Client.Interval,
		Schedule:   cfg.Client.Schedule,
		RunOnStart: cfg.RunOnStart(),
	}, log)
	if err != nil {
		return err
	}

	scheduler.Start()
	<-ctx.Done()
	log.Info("Stopping poller")
	return scheduler.Stop(schedulerStopTimeout)
}

// AddProject stores a project definition, prompting for missing fields when
// a prompter is given.
func (s *Service) AddProject(cfg *config.Config, project config.ProjectConfig, prompter *Prompter) error {
	if prompter != nil {
		completed, err := prompter.CompleteProject(project)
		if err != nil {
			return err
		}
		project = completed
	}

	entry, err := projects.NewStore(cfg.Client.ProjectsDir).Save(project)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Saved project %s to %s\n", entry.Project.Name, entry.Path)
	return nil
}

func (s *Service) ListProjects(cfg *config.Config) error {
	store := projects.NewStore(cfg.Client.ProjectsDir)
	entries, skipped, err := store.List()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(s.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tUSER\tURL\tSOURCE")
	for _, p := range cfg.Client.Projects {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Name, p.User, p.URL, "config")
	}
	for _, entry := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", entry.Project.Name, entry.Project.User, entry.Project.URL, entry.Path)
	}
	w.Flush()

	for _, path := range skipped {
		fmt.Fprintf(s.out, "Skipped unreadable project file: %s\n", path)
	}
	fmt.Fprintf(s.out, "\nTotal projects: %d\n", len(cfg.Client.Projects)+len(entries))
	return nil
}

func (s *Service) RemoveProject(cfg *config.Config, name string, prompter *Prompter) error {
	if prompter != nil {
		ok, err := prompter.Confirm(fmt.Sprintf("Remove project %s?", name), false)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(s.out, "Operation cancelled.")
			return nil
		}
	}

	if err := projects.NewStore(cfg.Client.ProjectsDir).Delete(name); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Removed project %s\n", name)
	return nil
}

// ListTables prints the tables a database backup would export.
func (s *Service) ListTables(ctx context.Context, cfg *config.Config) error {
	conn, err := database.NewConnection(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close()

	inspector, err := schema.NewInspector(conn.Type())
	if err != nil {
		return err
	}
	tables, err := inspector.ListTables(ctx, conn.DB)
	if err != nil {
		return err
	}

	fmt.Fprintf(s.out, "\nTables in %s (%s):\n", conn.GetDatabaseName(), conn.Type())
	fmt.Fprintln(s.out, strings.Repeat("=", 36))
	for i, table := range tables {
		fmt.Fprintf(s.out, "%d. %s\n", i+1, table)
	}
	fmt.Fprintf(s.out, "\nTotal tables: %d\n", len(tables))
	return nil
}

func newBackupOrchestrator(cfg *config.Config, key string, activity *logger.ActivityLog, log *logger.Logger) (*backup.Orchestrator, error) {
	return backup.NewOrchestrator(backup.Options{
		APIKey:    key,
		OutputDir: cfg.Site.UploadsDir,
		Targets:   backup.DefaultTargets(cfg.Site),
		Exporters: map[backup.Kind]backup.Exporter{
			backup.KindSQLDump:          backup.NewDatabaseExporter(cfg, log),
			backup.KindDirectoryArchive: backup.NewDirectoryExporter(log),
		},
		Activity: activity,
		Log:      log,
	})
}

func newRestoreOrchestrator(cfg *config.Config, activity *logger.ActivityLog, log *logger.Logger) (*restore.Orchestrator, error) {
	var activator restore.Activator
	if cfg.Restore.Activation.Enabled {
		activator = restore.NewCommandActivator(cfg.Restore.Activation, log)
	}

	return restore.NewOrchestrator(restore.Options{
		Mode:       cfg.Restore.Mode,
		ThemeRoot:  cfg.Site.ThemeRoot,
		ThemeName:  cfg.Restore.ThemeName,
		PluginsDir: cfg.Site.PluginsDir,
		Database:   restore.NewConfigDatabase(cfg, log),
		Activator:  activator,
		Activity:   activity,
		Log:        log,
	})
}

// projectSource merges projects from the config file with the project store.
// A stored project whose name is already in the config file is ignored.
func projectSource(cfg *config.Config) client.ProjectSource {
	store := projects.NewStore(cfg.Client.ProjectsDir)
	return func() ([]client.Project, error) {
		stored, err := store.Projects()
		if err != nil {
			return nil, err
		}

		seen := make(map[string]bool, len(cfg.Client.Projects))
		list := make([]client.Project, 0, len(cfg.Client.Projects)+len(stored))
		for _, p := range cfg.Client.Projects {
			seen[p.Name] = true
			list = append(list, p)
		}
		for _, p := range stored {
			if seen[p.Name] {
				continue
			}
			list = append(list, p)
		}
		return list, nil
	}
}

func (s *Service) printManifest(manifest *backup.Manifest) {
	fmt.Fprintln(s.out)
	w := tabwriter.NewWriter(s.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TARGET\tSTATUS\tSIZE\tCHECKSUM\tFILE")
	for _, result := range manifest.Results() {
		if !result.Success {
			fmt.Fprintf(w, "%s\tfailed\t-\t-\t%s: %s\n", result.Key, result.Error, result.Details)
			continue
		}
		fmt.Fprintf(w, "%s\tok\t%s\t%s\t%s\n", result.Key, humanize.Bytes(uint64(result.Size)), shortChecksum(result.Checksum), result.FileURL)
	}
	w.Flush()
}

func (s *Service) printReport(report *restore.Report) {
	fmt.Fprintf(s.out, "\nRestore (%s mode):\n", report.Mode)
	for _, step := range report.Steps {
		line := fmt.Sprintf("  %-18s %s", step.Name, step.Status)
		if step.Error != "" {
			line += ": " + step.Error
		}
		fmt.Fprintln(s.out, line)
		for _, detail := range step.Details {
			fmt.Fprintf(s.out, "    - %s\n", detail)
		}
	}
	for _, name := range report.Ignored {
		fmt.Fprintf(s.out, "  ignored %s\n", name)
	}
}

func (s *Service) printPollResults(results []*client.PollResult, total int) {
	fmt.Fprintln(s.out)
	for _, result := range results {
		fmt.Fprintf(s.out, "%s -> %s\n", result.Project, result.Dir)
		for _, d := range result.Downloaded {
			fmt.Fprintf(s.out, "  %-10s %s (%s)\n", d.Key, filepath.Base(d.Path), humanize.Bytes(uint64(d.Bytes)))
		}
		for _, f := range result.Failed {
			fmt.Fprintf(s.out, "  %-10s failed: %s %s\n", f.Key, f.Error, f.Details)
		}
	}
	fmt.Fprintf(s.out, "\n%d of %d projects answered\n", len(results), total)
}

func shortChecksum(checksum string) string {
	if len(checksum) <= 16 {
		return checksum
	}
	return checksum[:16] + "..."
}
