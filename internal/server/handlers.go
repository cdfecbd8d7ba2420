package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kadirbelkuyu/sitevault/internal/backup"
	"github.com/kadirbelkuyu/sitevault/internal/metrics"
	"github.com/kadirbelkuyu/sitevault/internal/restore"
	"github.com/kadirbelkuyu/sitevault/pkg/logger"
)

const (
	uploadField       = "backup_files"
	maxMultipartParts = 32 << 20
	noLogsMessage     = "No logs available."
)

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDownload runs a backup and answers with the manifest. For
// compatibility with existing pollers an invalid key is reported with 200
// unless strict status codes are enabled.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.WithField("request_id", middleware.GetReqID(r.Context())).Errorf("backup handler panic: %v", rec)
			writeFailure(w, http.StatusInternalServerError, backup.ExceptionMessage, fmt.Sprint(rec))
		}
	}()

	manifest, err := s.backup.Run(r.Context(), requestKey(r), s.artifactBaseURL(r))
	switch {
	case errors.Is(err, backup.ErrInvalidAPIKey):
		s.log.Warnf("Rejected backup request from %s: invalid API key", r.RemoteAddr)
		writeFailure(w, s.rejectionStatus(), invalidKeyMessage, "")
		return
	case err != nil:
		writeFailure(w, http.StatusInternalServerError, backup.ExceptionMessage, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, manifest)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.artifacts[name] {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.uploadsDir, name))
}

// handleRestore accepts a multipart upload of backup files and applies them.
// The key must come from the query or the X-API-Key header so nothing is
// read from the body before the caller is authenticated.
func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "restore", requestKey(r)) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(maxMultipartParts); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeFailure(w, http.StatusRequestEntityTooLarge, "Upload too large", fmt.Sprintf("limit is %d bytes", tooLarge.Limit))
			return
		}
		writeFailure(w, http.StatusBadRequest, "Invalid upload", err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	var headers []*multipart.FileHeader
	headers = append(headers, r.MultipartForm.File[uploadField]...)
	headers = append(headers, r.MultipartForm.File[uploadField+"[]"]...)
	if len(headers) == 0 {
		writeFailure(w, http.StatusBadRequest, "No files uploaded", "")
		return
	}

	// Classify by name first so a rejected bundle never touches disk.
	names := make([]string, len(headers))
	check := restore.NewBundle()
	for i, header := range headers {
		name, err := uploadName(header.Filename)
		if err != nil {
			writeFailure(w, http.StatusBadRequest, "Invalid file name", err.Error())
			return
		}
		if _, err := check.Add(name); err != nil {
			writeFailure(w, http.StatusBadRequest, "Duplicate backup file", err.Error())
			return
		}
		names[i] = name
	}
	if check.Empty() {
		writeFailure(w, http.StatusBadRequest, "No recognised backup files", strings.Join(check.Ignored(), ", "))
		return
	}

	bundle := restore.NewBundle()
	for i, header := range headers {
		if restore.Classify(names[i]) == restore.KindUnknown {
			bundle.Add(names[i])
			continue
		}
		path, err := saveUpload(header, s.uploadsDir, names[i])
		if err != nil {
			s.log.Errorf("Failed to store upload %s: %v", names[i], err)
			writeFailure(w, http.StatusInternalServerError, "Failed to store upload", err.Error())
			return
		}
		if _, err := bundle.Add(path); err != nil {
			writeFailure(w, http.StatusBadRequest, "Duplicate backup file", err.Error())
			return
		}
	}

	// A client disconnect must not interrupt a restore half way.
	report, err := s.restore.Restore(context.WithoutCancel(r.Context()), bundle)
	switch {
	case errors.Is(err, restore.ErrBusy):
		writeFailure(w, http.StatusConflict, "Restore already in progress", "")
		return
	case err != nil:
		writeFailure(w, http.StatusInternalServerError, "Restore failed", err.Error())
		return
	}

	status := http.StatusOK
	if s.cfg.StrictStatusCodes && !report.OK() {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, report)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "logs", requestKey(r)) {
		return
	}

	content, err := logger.ReadActivityLog(s.logFile)
	if err != nil {
		s.log.Errorf("Failed to read activity log: %v", err)
		writeText(w, http.StatusInternalServerError, "Failed to read logs.")
		return
	}
	if content == "" {
		content = noLogsMessage
	}
	writeText(w, http.StatusOK, content)
}

// authorize checks key and writes a 401 on mismatch. Only the download
// route keeps the legacy 200 rejection.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, route, key string) bool {
	if s.backup.Authenticate(key) {
		return true
	}
	s.backup.RecordRejection()
	metrics.AuthRejections.WithLabelValues(route).Inc()
	s.log.Warnf("Rejected %s %s from %s: invalid API key", r.Method, r.URL.Path, r.RemoteAddr)
	writeFailure(w, http.StatusUnauthorized, invalidKeyMessage, "")
	return false
}

func (s *Server) rejectionStatus() int {
	if s.cfg.StrictStatusCodes {
		return http.StatusUnauthorized
	}
	return http.StatusOK
}

// artifactBaseURL is the prefix for manifest file URLs.
func (s *Server) artifactBaseURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return strings.TrimRight(s.cfg.PublicURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	return scheme + "://" + r.Host + UploadsRoute
}

func requestKey(r *http.Request) string {
	if key := r.URL.Query().Get("key"); key != "" {
		return key
	}
	return r.Header.Get("X-API-Key")
}

// uploadName reduces a client supplied file name to its base name.
func uploadName(raw string) (string, error) {
	name := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(raw, `\`, "/")))
	if name == "/" || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("unusable file name %q", raw)
	}
	return name, nil
}

func saveUpload(header *multipart.FileHeader, dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create uploads directory: %w", err)
	}

	src, err := header.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open upload: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(dir, "."+name+".*.upload")
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write upload: %w", err)
	}

	dest := filepath.Join(dir, name)
	if err := os.Rename(tmpName, dest); err != nil {
		return "", fmt.Errorf("failed to move upload into place: %w", err)
	}
	return dest, nil
}
