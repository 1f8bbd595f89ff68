package config

import (
	"os"
	"strconv"
)

// ApplyEnv applies environment variable overrides to the configuration.
// Environment variables take precedence over the TOML config but are
// overridden by command-line flags. The config file path itself is
// resolved separately; see Flags.Path.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("CHAPPS_LOG_LEVEL"); v != "" {
		cfg.Chapps.LogLevel = v
	}
	if v := os.Getenv("CHAPPS_DB_HOST"); v != "" {
		cfg.Adapter.DBHost = v
	}
	if v := os.Getenv("CHAPPS_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Adapter.DBPort = port
		}
	}
	if v := os.Getenv("CHAPPS_DB_NAME"); v != "" {
		cfg.Adapter.DBName = v
	}
	if v := os.Getenv("CHAPPS_DB_USER"); v != "" {
		cfg.Adapter.DBUser = v
	}
	if v := os.Getenv("CHAPPS_DB_PASS"); v != "" {
		cfg.Adapter.DBPass = v
	}
	if v := os.Getenv("CHAPPS_REDIS_SERVER"); v != "" {
		cfg.Redis.Server = v
	}
	if v := os.Getenv("CHAPPS_REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Redis.Port = port
		}
	}
	if v := os.Getenv("CHAPPS_SENTINEL_SERVERS"); v != "" {
		cfg.Redis.SentinelServers = v
	}
	if v := os.Getenv("CHAPPS_SENTINEL_DATASET"); v != "" {
		cfg.Redis.SentinelDataset = v
	}
	return cfg
}
