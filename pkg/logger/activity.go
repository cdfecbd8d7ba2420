package logger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

const activityTimeLayout = "2006-01-02 15:04:05"

// ActivityFormatter renders entries as "[<datetime>] <message>" lines.
type ActivityFormatter struct{}

func (ActivityFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return []byte(fmt.Sprintf("[%s] %s\n", entry.Time.Format(activityTimeLayout), entry.Message)), nil
}

// ActivityLog is the append-only event log operators read to see when
// backups ran, who was rejected and what a restore activated.
// A nil *ActivityLog is valid and records nothing.
type ActivityLog struct {
	log    *logrus.Logger
	closer io.Closer
	path   string
}

// NewActivityLog opens (or creates) path for appending.
func NewActivityLog(path string) (*ActivityLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare activity log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open activity log: %w", err)
	}

	activity := NewActivityLogWriter(file)
	activity.closer = file
	activity.path = path
	return activity, nil
}

// NewActivityLogWriter records activity lines to w.
func NewActivityLogWriter(w io.Writer) *ActivityLog {
	log := logrus.New()
	log.SetOutput(w)
	log.SetFormatter(ActivityFormatter{})
	log.SetLevel(logrus.InfoLevel)
	return &ActivityLog{log: log}
}

func (a *ActivityLog) Record(format string, args ...interface{}) {
	if a == nil || a.log == nil {
		return
	}
	a.log.Infof(format, args...)
}

func (a *ActivityLog) Path() string {
	if a == nil {
		return ""
	}
	return a.path
}

func (a *ActivityLog) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	return a.closer.Close()
}

// ReadActivityLog returns the whole log, or "" with a nil error when the
// log has not been written yet.
func ReadActivityLog(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read activity log: %w", err)
	}
	return string(data), nil
}
