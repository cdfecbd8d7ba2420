package backup

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/kadirbelkuyu/sitevault/internal/archive"
	"github.com/kadirbelkuyu/sitevault/internal/config"
	"github.com/kadirbelkuyu/sitevault/internal/database"
	"github.com/kadirbelkuyu/sitevault/internal/dump"
	"github.com/kadirbelkuyu/sitevault/pkg/logger"
)

// Exporter produces the artifact for one kind of target at destPath.
type Exporter interface {
	Export(ctx context.Context, target Target, destPath string) error
}

// DatabaseExporter dumps the configured database. It connects per export so
// an unreachable database fails only the database target.
type DatabaseExporter struct {
	cfg *config.Config
	log *logger.Logger
}

func NewDatabaseExporter(cfg *config.Config, log *logger.Logger) *DatabaseExporter {
	return &DatabaseExporter{cfg: cfg, log: log}
}

func (e *DatabaseExporter) Export(ctx context.Context, target Target, destPath string) error {
	conn, err := database.NewConnection(e.cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	exporter, err := dump.NewExporter(conn.DB, conn.Type(), dump.Options{
		AddDropTable: e.cfg.Database.AddDropTable,
	}, e.log)
	if err != nil {
		return err
	}

	summary, err := exporter.WriteFile(ctx, destPath)
	if err != nil {
		return err
	}

	e.log.WithField("target", target.Key).Infof("Dumped %s: %d tables, %s rows, %s",
		conn.GetDatabaseName(), summary.Tables, humanize.Comma(summary.Rows), humanize.Bytes(uint64(summary.Bytes)))
	return nil
}

// DirectoryExporter zips the target's source directory.
type DirectoryExporter struct {
	log *logger.Logger
}

func NewDirectoryExporter(log *logger.Logger) *DirectoryExporter {
	return &DirectoryExporter{log: log}
}

func (e *DirectoryExporter) Export(ctx context.Context, target Target, destPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(target.SourcePath) == "" {
		return fmt.Errorf("no source directory configured for %s", target.Key)
	}

	stats, err := archive.Build(target.SourcePath, destPath)
	if err != nil {
		return err
	}

	entry := e.log.WithField("target", target.Key)
	for _, skipped := range stats.Skipped {
		entry.Debugf("skipped non-regular file %s", skipped)
	}
	entry.Infof("Archived %s: %d files, %s", target.SourcePath, stats.Files, humanize.Bytes(uint64(stats.Bytes)))
	return nil
}
