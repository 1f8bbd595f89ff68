package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// DefaultPath is where the daemon looks for its configuration when
// neither the -config flag nor CHAPPS_CONFIG is given.
const DefaultPath = "/etc/chapps/chapps.toml"

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath string
	LogLevel   string
	Policies   string
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "", "Path to configuration file")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.Policies, "policies", "", "Comma-separated policy services to run (quota, greylist, sda, spf, outbound, inbound)")

	flag.Parse()
	return f
}

// Path resolves the configuration file path: the -config flag wins,
// then the CHAPPS_CONFIG environment variable, then DefaultPath.
func (f *Flags) Path() string {
	if f.ConfigPath != "" {
		return f.ConfigPath
	}
	if p := os.Getenv("CHAPPS_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Load parses a TOML configuration file and returns the Config.
// If the file does not exist, returns the default configuration.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	// Unmarshalling over the defaults leaves absent keys at their
	// default values.
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// ApplyFlags merges command-line flag values into the config.
// Non-empty flag values override config file values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.LogLevel != "" {
		cfg.Chapps.LogLevel = f.LogLevel
	}
	return cfg
}

// LoadWithFlags loads configuration from the resolved path, then applies
// environment and flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.Path())
	if err != nil {
		return cfg, err
	}
	cfg = ApplyEnv(cfg)
	return ApplyFlags(cfg, f), nil
}
