package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kadirbelkuyu/sitevault/pkg/logger"
)

// ProjectSource returns the projects to poll. It is consulted on every
// sweep so newly added project files are picked up without a restart.
type ProjectSource func() ([]Project, error)

type ScheduleOptions struct {
	// Interval is used when Schedule is empty.
	Interval time.Duration
	// Schedule is a standard five field cron expression.
	Schedule   string
	RunOnStart bool
}

// Scheduler runs a sweep over all projects on a fixed cadence. A sweep that
// is still running when the next one is due causes the next to be skipped.
type Scheduler struct {
	client *Client
	source ProjectSource
	cron   *cron.Cron
	entry  cron.EntryID
	opts   ScheduleOptions
	log    *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	running sync.WaitGroup
	mu      sync.Mutex
	sweeps  int
}

func NewScheduler(client *Client, source ProjectSource, opts ScheduleOptions, log *logger.Logger) (*Scheduler, error) {
	if client == nil || source == nil {
		return nil, fmt.Errorf("scheduler requires a client and a project source")
	}
	if log == nil {
		log = logger.NewDiscard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		client: client,
		source: source,
		opts:   opts,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}

	cronLogger := cron.PrintfLogger(log)
	s.cron = cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))

	job := cron.FuncJob(s.sweep)
	switch {
	case opts.Schedule != "":
		id, err := s.cron.AddJob(opts.Schedule, job)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid schedule %q: %w", opts.Schedule, err)
		}
		s.entry = id
	case opts.Interval >= time.Second:
		s.entry = s.cron.Schedule(cron.Every(opts.Interval), job)
	default:
		cancel()
		return nil, fmt.Errorf("poll interval must be at least one second, got %s", opts.Interval)
	}

	return s, nil
}

func (s *Scheduler) Start() {
	if s.opts.Schedule != "" {
		s.log.Infof("Polling projects on schedule %q", s.opts.Schedule)
	} else {
		s.log.Infof("Polling projects every %s", s.opts.Interval)
	}

	s.cron.Start()

	if s.opts.RunOnStart {
		// Run through the wrapped job so an immediate sweep and the first
		// scheduled one never overlap.
		wrapped := s.cron.Entry(s.entry).WrappedJob
		s.running.Add(1)
		go func() {
			defer s.running.Done()
			wrapped.Run()
		}()
	}
}

// Stop halts scheduling and waits up to timeout for a running sweep. If the
// sweep does not finish in time its context is cancelled.
func (s *Scheduler) Stop(timeout time.Duration) error {
	stopped := s.cron.Stop()
	defer s.cancel()

	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		s.cancel()
		<-done
		return fmt.Errorf("sweep did not finish within %s and was cancelled", timeout)
	}
}

// Sweeps reports how many sweeps have completed.
func (s *Scheduler) Sweeps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweeps
}

// Next is the time of the next scheduled sweep.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

func (s *Scheduler) sweep() {
	started := time.Now()
	projects, err := s.source()
	if err != nil {
		s.log.Errorf("Failed to load projects: %v", err)
	} else if len(projects) == 0 {
		s.log.Warn("No projects configured, nothing to poll")
	} else {
		results := s.client.Sweep(s.ctx, projects)
		s.log.Infof("Sweep finished: %d of %d projects answered in %s", len(results), len(projects), time.Since(started).Round(time.Millisecond))
	}

	s.mu.Lock()
	s.sweeps++
	s.mu.Unlock()
}
