package config

import (
	"fmt"
	"os"

	"github.com/spf13/cast"
)

const envPrefix = "SITEVAULT_"

// applyEnvOverrides lets secrets and deployment-specific values come from
// the environment instead of the YAML file.
func applyEnvOverrides(c *Config) error {
	if value, ok := lookupEnv("API_KEY"); ok {
		c.Server.APIKey = value
	}
	if value, ok := lookupEnv("LISTEN"); ok {
		c.Server.Listen = value
	}
	if value, ok := lookupEnv("PUBLIC_URL"); ok {
		c.Server.PublicURL = value
	}
	if value, ok := lookupEnv("STRICT_STATUS"); ok {
		strict, err := cast.ToBoolE(value)
		if err != nil {
			return fmt.Errorf("invalid %sSTRICT_STATUS: %w", envPrefix, err)
		}
		c.Server.StrictStatusCodes = strict
	}

	if value, ok := lookupEnv("DB_TYPE"); ok {
		c.Database.Type = value
	}
	if value, ok := lookupEnv("DB_HOST"); ok {
		c.Database.Host = value
	}
	if value, ok := lookupEnv("DB_PORT"); ok {
		port, err := cast.ToIntE(value)
		if err != nil {
			return fmt.Errorf("invalid %sDB_PORT: %w", envPrefix, err)
		}
		c.Database.Port = port
	}
	if value, ok := lookupEnv("DB_USER"); ok {
		c.Database.Username = value
	}
	if value, ok := lookupEnv("DB_PASSWORD"); ok {
		c.Database.Password = value
	}
	if value, ok := lookupEnv("DB_NAME"); ok {
		c.Database.Database = value
	}

	if value, ok := lookupEnv("CLIENT_INTERVAL"); ok {
		interval, err := cast.ToDurationE(value)
		if err != nil {
			return fmt.Errorf("invalid %sCLIENT_INTERVAL: %w", envPrefix, err)
		}
		c.Client.Interval = interval
	}
	if value, ok := lookupEnv("CLIENT_OUTPUT_DIR"); ok {
		c.Client.OutputDir = value
	}

	return nil
}

func lookupEnv(name string) (string, bool) {
	value, ok := os.LookupEnv(envPrefix + name)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}
