package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-sql-driver/mysql"
	"gopkg.in/yaml.v3"
)

const (
	RestoreModeLenient = "lenient"
	RestoreModeStrict  = "strict"

	DefaultDownloadPath = "/wp-json/backup/v1/download"
	DefaultRestorePath  = "/wp-json/backup/v1/restore"
	DefaultLogsPath     = "/wp-json/backup/v1/logs"
	DefaultLogFileName  = "backup-log.txt"
	DefaultThemeName    = "backup-theme"
)

var validate = validator.New()

type DatabaseConfig struct {
	Type         string `yaml:"type" validate:"oneof=mysql postgres sqlite"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Database     string `yaml:"database" validate:"required"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	SSLMode      string `yaml:"sslmode"`
	AddDropTable bool   `yaml:"add_drop_table"`
}

type ServerConfig struct {
	Listen            string        `yaml:"listen" validate:"required"`
	APIKey            string        `yaml:"api_key" validate:"required"`
	PublicURL         string        `yaml:"public_url" validate:"omitempty,url"`
	DownloadPath      string        `yaml:"download_path" validate:"startswith=/"`
	RestorePath       string        `yaml:"restore_path" validate:"startswith=/"`
	LogsPath          string        `yaml:"logs_path" validate:"startswith=/"`
	StrictStatusCodes bool          `yaml:"strict_status_codes"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	MaxUploadBytes    int64         `yaml:"max_upload_bytes"`
}

// SiteConfig locates the directories that make up the site being backed up.
type SiteConfig struct {
	UploadsDir string `yaml:"uploads_dir" validate:"required"`
	ThemeDir   string `yaml:"theme_dir" validate:"required"`
	ThemeRoot  string `yaml:"theme_root"`
	PluginsDir string `yaml:"plugins_dir" validate:"required"`
	LogFile    string `yaml:"log_file"`
}

type ActivationConfig struct {
	Enabled bool     `yaml:"enabled"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type RestoreConfig struct {
	Mode       string           `yaml:"mode" validate:"oneof=lenient strict"`
	ThemeName  string           `yaml:"theme_name" validate:"required"`
	Activation ActivationConfig `yaml:"activation"`
}

type ProjectConfig struct {
	Name   string `yaml:"name" validate:"required"`
	URL    string `yaml:"url" validate:"required,url"`
	APIKey string `yaml:"api_key" validate:"required"`
	User   string `yaml:"user" validate:"required"`
}

type ClientConfig struct {
	OutputDir      string          `yaml:"output_dir"`
	Interval       time.Duration   `yaml:"interval"`
	Schedule       string          `yaml:"schedule"`
	Timeout        time.Duration   `yaml:"timeout"`
	RunOnStart     *bool           `yaml:"run_on_start"`
	VerifyChecksum bool            `yaml:"verify_checksum"`
	Progress       bool            `yaml:"progress"`
	ProjectsDir    string          `yaml:"projects_dir"`
	Projects       []ProjectConfig `yaml:"projects" validate:"dive"`
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Site     SiteConfig     `yaml:"site"`
	Database DatabaseConfig `yaml:"database"`
	Restore  RestoreConfig  `yaml:"restore"`
	Client   ClientConfig   `yaml:"client"`
}

func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := applyEnvOverrides(&config); err != nil {
		return nil, err
	}
	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	c.Database.Type = normalizeDatabaseType(c.Database.Type)

	switch c.Database.Type {
	case "postgres":
		if c.Database.SSLMode == "" {
			c.Database.SSLMode = "disable"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 5432
		}
	case "mysql":
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
	}

	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.DownloadPath == "" {
		c.Server.DownloadPath = DefaultDownloadPath
	}
	if c.Server.RestorePath == "" {
		c.Server.RestorePath = DefaultRestorePath
	}
	if c.Server.LogsPath == "" {
		c.Server.LogsPath = DefaultLogsPath
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if c.Server.MaxUploadBytes == 0 {
		c.Server.MaxUploadBytes = 2 << 30
	}

	if c.Site.ThemeRoot == "" && c.Site.ThemeDir != "" {
		c.Site.ThemeRoot = filepath.Dir(c.Site.ThemeDir)
	}
	if c.Site.LogFile == "" && c.Site.UploadsDir != "" {
		c.Site.LogFile = filepath.Join(c.Site.UploadsDir, DefaultLogFileName)
	}

	if c.Restore.Mode == "" {
		c.Restore.Mode = RestoreModeLenient
	}
	c.Restore.Mode = strings.ToLower(strings.TrimSpace(c.Restore.Mode))
	if c.Restore.ThemeName == "" {
		c.Restore.ThemeName = DefaultThemeName
	}
	if c.Restore.Activation.Command == "" {
		c.Restore.Activation.Command = "wp"
	}

	if c.Client.OutputDir == "" {
		c.Client.OutputDir = "."
	}
	if c.Client.Interval == 0 && c.Client.Schedule == "" {
		c.Client.Interval = 24 * time.Hour
	}
	if c.Client.Timeout == 0 {
		c.Client.Timeout = 10 * time.Minute
	}
	if c.Client.RunOnStart == nil {
		runOnStart := true
		c.Client.RunOnStart = &runOnStart
	}
}

// ValidateServer checks the sections the exporter and restore paths need.
func (c *Config) ValidateServer() error {
	if err := validate.Struct(c.Server); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}
	return c.ValidateSite()
}

// ValidateSite checks the sections a local one-shot backup or restore needs.
func (c *Config) ValidateSite() error {
	if err := validate.Struct(c.Site); err != nil {
		return fmt.Errorf("invalid site config: %w", err)
	}
	if err := validate.Struct(c.Database); err != nil {
		return fmt.Errorf("invalid database config: %w", err)
	}
	if err := validate.Struct(c.Restore); err != nil {
		return fmt.Errorf("invalid restore config: %w", err)
	}
	return nil
}

func (c *Config) ValidateClient() error {
	if err := validate.Struct(c.Client); err != nil {
		return fmt.Errorf("invalid client config: %w", err)
	}
	if c.Client.Interval > 0 && c.Client.Interval < time.Second {
		return fmt.Errorf("invalid client config: interval must be at least 1s")
	}
	return nil
}

// ValidateProject checks a single project definition.
func ValidateProject(p ProjectConfig) error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid project %q: %w", p.Name, err)
	}
	return nil
}

func (c *Config) RunOnStart() bool {
	return c.Client.RunOnStart == nil || *c.Client.RunOnStart
}

func (c *Config) GetConnectionString() string {
	switch c.Database.Type {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Database.Host,
			c.Database.Port,
			c.Database.Username,
			c.Database.Password,
			c.Database.Database,
			c.Database.SSLMode,
		)
	case "mysql":
		dsn := mysql.NewConfig()
		dsn.User = c.Database.Username
		dsn.Passwd = c.Database.Password
		dsn.Net = "tcp"
		dsn.Addr = fmt.Sprintf("%s:%d", c.Database.Host, c.Database.Port)
		dsn.DBName = c.Database.Database
		dsn.Params = map[string]string{"charset": "utf8mb4"}
		return dsn.FormatDSN()
	case "sqlite":
		return c.Database.Database
	default:
		return ""
	}
}

func normalizeDatabaseType(dbType string) string {
	dbType = strings.ToLower(strings.TrimSpace(dbType))
	if dbType == "" {
		return "mysql"
	}

	switch dbType {
	case "postgres", "postgresql":
		return "postgres"
	case "mysql", "mariadb":
		return "mysql"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return dbType
	}
}
