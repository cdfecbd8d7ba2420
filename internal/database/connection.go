package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kadirbelkuyu/sitevault/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type Connection struct {
	DB     *sql.DB
	Config *config.Config
}

// DriverName maps a normalised database type to its database/sql driver.
func DriverName(dbType string) (string, error) {
	switch dbType {
	case "mysql":
		return "mysql", nil
	case "postgres":
		return "postgres", nil
	case "sqlite":
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unsupported database type: %s", dbType)
	}
}

func NewConnection(cfg *config.Config) (*Connection, error) {
	driver, err := DriverName(cfg.Database.Type)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, cfg.GetConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if cfg.Database.Type == "sqlite" {
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}

	return &Connection{
		DB:     db,
		Config: cfg,
	}, nil
}

func (c *Connection) Close() error {
	return c.DB.Close()
}

func (c *Connection) GetDatabaseName() string {
	return c.Config.Database.Database
}

func (c *Connection) Type() string {
	return c.Config.Database.Type
}
