package restore

import (
	"context"
	"io"

	"github.com/kadirbelkuyu/sitevault/internal/config"
	"github.com/kadirbelkuyu/sitevault/internal/database"
	"github.com/kadirbelkuyu/sitevault/internal/dump"
	"github.com/kadirbelkuyu/sitevault/pkg/logger"
)

// DatabaseRestorer replays a SQL script. With atomic set the script runs in
// one transaction and stops at the first failing statement.
type DatabaseRestorer interface {
	Replay(ctx context.Context, script io.Reader, atomic bool) (*dump.ReplayReport, error)
}

// ConfigDatabase connects with the site's database configuration for each
// replay.
type ConfigDatabase struct {
	cfg *config.Config
	log *logger.Logger
}

func NewConfigDatabase(cfg *config.Config, log *logger.Logger) *ConfigDatabase {
	return &ConfigDatabase{cfg: cfg, log: log}
}

func (d *ConfigDatabase) Replay(ctx context.Context, script io.Reader, atomic bool) (*dump.ReplayReport, error) {
	conn, err := database.NewConnection(d.cfg)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	replayer, err := dump.NewReplayer(conn.DB, conn.Type(), d.log)
	if err != nil {
		return nil, err
	}

	if atomic {
		return replayer.ReplayTx(ctx, script)
	}
	return replayer.Replay(ctx, script)
}
