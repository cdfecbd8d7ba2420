package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kadirbelkuyu/sitevault/internal/backup"
	"github.com/kadirbelkuyu/sitevault/internal/config"
	"github.com/kadirbelkuyu/sitevault/internal/metrics"
	"github.com/kadirbelkuyu/sitevault/internal/restore"
	"github.com/kadirbelkuyu/sitevault/pkg/logger"
)

const (
	UploadsRoute   = "/uploads"
	shutdownPeriod = 30 * time.Second
)

// BackupRunner is the part of the backup orchestrator the HTTP layer needs.
type BackupRunner interface {
	Run(ctx context.Context, key, baseURL string) (*backup.Manifest, error)
	Authenticate(key string) bool
	RecordRejection()
}

type Restorer interface {
	Restore(ctx context.Context, bundle *restore.Bundle) (*restore.Report, error)
}

type Options struct {
	Config     config.ServerConfig
	UploadsDir string
	// Artifacts are the file names served below UploadsRoute. Defaults to
	// the standard backup artifacts.
	Artifacts []string
	LogFile   string
	Backup     BackupRunner
	Restore    Restorer
	Log        *logger.Logger
}

type Server struct {
	router     chi.Router
	cfg        config.ServerConfig
	uploadsDir string
	artifacts  map[string]bool
	logFile    string
	backup     BackupRunner
	restore    Restorer
	log        *logger.Logger
}

func NewServer(opts Options) (*Server, error) {
	if opts.Backup == nil || opts.Restore == nil {
		return nil, fmt.Errorf("server requires backup and restore orchestrators")
	}
	if opts.UploadsDir == "" {
		return nil, fmt.Errorf("server requires an uploads directory")
	}
	log := opts.Log
	if log == nil {
		log = logger.NewDiscard()
	}

	names := opts.Artifacts
	if len(names) == 0 {
		names = []string{backup.DatabaseFileName, backup.ThemeFileName, backup.PluginsFileName}
	}
	artifacts := make(map[string]bool, len(names))
	for _, name := range names {
		artifacts[name] = true
	}

	s := &Server{
		router:     chi.NewRouter(),
		cfg:        opts.Config,
		uploadsDir: opts.UploadsDir,
		artifacts:  artifacts,
		logFile:    opts.LogFile,
		backup:     opts.Backup,
		restore:    opts.Restore,
		log:        log,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.log))
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.Middleware)
}

func (s *Server) setupRoutes() {
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Get("/healthz", s.handleHealthz)

	s.router.Get(s.cfg.DownloadPath, s.handleDownload)
	s.router.Post(s.cfg.RestorePath, s.handleRestore)
	s.router.Get(s.cfg.LogsPath, s.handleLogs)

	// Only artifact names are served: the uploads directory also holds the
	// activity log, temp files and restore uploads.
	s.router.Get(UploadsRoute+"/{name}", s.handleArtifact)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is cancelled and then shuts down
// gracefully, giving in-flight requests time to finish.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("Starting server on %s", s.cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownPeriod)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}
