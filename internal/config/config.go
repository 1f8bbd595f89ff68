// Package config provides configuration management for the policy daemon.
package config

import (
	"errors"
	"fmt"
)

// SecondsPerDay is the default enforcement interval and cache TTL.
const SecondsPerDay = 24 * 3600

// Config holds the complete daemon configuration.
type Config struct {
	Chapps     CoreConfig       `toml:"chapps"`
	Adapter    AdapterConfig    `toml:"adapter"`
	Redis      RedisConfig      `toml:"redis"`
	Quota      QuotaConfig      `toml:"outbound_quota"`
	Greylist   GreylistConfig   `toml:"greylisting"`
	SDA        SDAConfig        `toml:"sender_domain_auth"`
	SPF        SPFConfig        `toml:"spf"`
	SPFActions SPFActionsConfig `toml:"spf_actions"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// CoreConfig holds daemon-wide settings.
type CoreConfig struct {
	LogLevel          string   `toml:"log_level"`
	PayloadEncoding   string   `toml:"payload_encoding"`
	UserKey           string   `toml:"user_key"`
	RequireUserKey    bool     `toml:"require_user_key"`
	NoUserKeyResponse string   `toml:"no_user_key_response"`
	ListenerBacklog   int      `toml:"listener_backlog"`
	Password          string `toml:"password"`
	// HELOWhitelist maps a HELO name onto the client address it is
	// expected to connect from. Matching requests bypass the inbound
	// policies.
	HELOWhitelist map[string]string `toml:"helo_whitelist"`
}

// AdapterConfig describes the relational policy-config store.
type AdapterConfig struct {
	Adapter string `toml:"adapter"`
	DBHost  string `toml:"db_host"`
	DBPort  int    `toml:"db_port"`
	DBName  string `toml:"db_name"`
	DBUser  string `toml:"db_user"`
	DBPass  string `toml:"db_pass"`
}

// RedisConfig describes the runtime state store. When SentinelServers is
// non-empty, sentinel discovery is used and Server/Port become the
// fallback for discovery failure.
type RedisConfig struct {
	Server          string `toml:"server"`
	Port            int    `toml:"port"`
	SentinelServers string `toml:"sentinel_servers"`
	SentinelDataset string `toml:"sentinel_dataset"`
}

// ListenerConfig holds the settings shared by every policy listener.
type ListenerConfig struct {
	ListenAddress     string `toml:"listen_address"`
	ListenPort        int    `toml:"listen_port"`
	AcceptanceMessage string `toml:"acceptance_message"`
	RejectionMessage  string `toml:"rejection_message"`
	NullSenderOK      bool   `toml:"null_sender_ok"`
}

// Addr returns the host:port string for the listener.
func (l ListenerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.ListenAddress, l.ListenPort)
}

// QuotaConfig configures the outbound quota policy.
type QuotaConfig struct {
	ListenerConfig
	// Margin may be an absolute count, a fraction of the quota in (0,1],
	// or a percentage when >1 and <100.
	Margin             float64 `toml:"margin"`
	MinDelta           float64 `toml:"min_delta"`
	CountingRecipients bool    `toml:"counting_recipients"`
	Interval           int     `toml:"interval"`
}

// GreylistConfig configures the greylisting policy.
type GreylistConfig struct {
	ListenerConfig
	MinimumDeferral      int  `toml:"minimum_deferral"`
	CacheTTL             int  `toml:"cache_ttl"`
	AutoAllowAfter       int  `toml:"auto_allow_after"`
	EnforceUnknownDomain bool `toml:"enforce_unknown_domain"`
}

// SDAConfig configures the sender-domain authorization policy.
type SDAConfig struct {
	ListenerConfig
}

// SPFConfig configures the SPF enforcement policy.
type SPFConfig struct {
	ListenerConfig
	// HELOEnforce lists the SPF results of the HELO check which are taken
	// as final, skipping the MAIL FROM check.
	HELOEnforce          []string `toml:"helo_enforce"`
	EnforceUnknownDomain bool     `toml:"enforce_unknown_domain"`
}

// SPFActionsConfig maps SPF results onto directive templates. A template
// is either a directive head recognized by the actions package (such as
// "prepend" or "greylist") or a literal directive line in which
// "{reason}" is replaced by the SPF explanation.
type SPFActionsConfig struct {
	Passing     string `toml:"passing"`
	Fail        string `toml:"fail"`
	SoftFail    string `toml:"softfail"`
	TempError   string `toml:"temperror"`
	PermError   string `toml:"permerror"`
	NoneNeutral string `toml:"none_neutral"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Chapps: CoreConfig{
			LogLevel:          "info",
			PayloadEncoding:   "utf-8",
			UserKey:           "sasl_username",
			RequireUserKey:    false,
			NoUserKeyResponse: "REJECT Rejected - Authentication failed",
			ListenerBacklog:   100,
		},
		Adapter: AdapterConfig{
			Adapter: "mariadb",
			DBHost:  "localhost",
			DBPort:  3306,
			DBName:  "chapps",
			DBUser:  "chapps",
		},
		Redis: RedisConfig{
			Server: "localhost",
			Port:   6379,
		},
		Quota: QuotaConfig{
			ListenerConfig: ListenerConfig{
				ListenAddress:     "localhost",
				ListenPort:        10225,
				AcceptanceMessage: "DUNNO",
				RejectionMessage:  "REJECT Rejected - outbound quota fulfilled",
			},
			Margin:             0.10,
			CountingRecipients: true,
			Interval:           SecondsPerDay,
		},
		Greylist: GreylistConfig{
			ListenerConfig: ListenerConfig{
				ListenAddress:     "localhost",
				ListenPort:        10226,
				AcceptanceMessage: "DUNNO",
				RejectionMessage:  "DEFER_IF_PERMIT Service temporarily unavailable - greylisted",
			},
			MinimumDeferral: 60,
			CacheTTL:        SecondsPerDay,
			AutoAllowAfter:  10,
		},
		SDA: SDAConfig{
			ListenerConfig: ListenerConfig{
				ListenAddress:     "localhost",
				ListenPort:        10227,
				AcceptanceMessage: "DUNNO",
				RejectionMessage:  "REJECT Rejected - not allowed to send mail from this domain",
			},
		},
		SPF: SPFConfig{
			ListenerConfig: ListenerConfig{
				ListenAddress: "localhost",
				ListenPort:    10228,
			},
			HELOEnforce: []string{"fail"},
		},
		SPFActions: SPFActionsConfig{
			Passing:     "prepend",
			Fail:        "550 5.7.1 SPF check failed: {reason}",
			SoftFail:    "greylist",
			TempError:   "451 4.4.3 SPF record(s) temporarily unavailable: {reason}",
			PermError:   "550 5.5.2 SPF record(s) are malformed: {reason}",
			NoneNeutral: "greylist",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9100",
			Path:    "/metrics",
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Chapps.PayloadEncoding == "" {
		return errors.New("payload_encoding is required")
	}
	if enc := c.Chapps.PayloadEncoding; enc != "utf-8" && enc != "ascii" {
		return fmt.Errorf("unsupported payload_encoding %q (valid: utf-8, ascii)", enc)
	}
	if c.Chapps.ListenerBacklog <= 0 {
		return errors.New("listener_backlog must be positive")
	}
	if c.Chapps.RequireUserKey && c.Chapps.UserKey == "" {
		return errors.New("user_key must be set when require_user_key is true")
	}

	switch c.Adapter.Adapter {
	case "mariadb", "mysql":
	default:
		return fmt.Errorf("invalid adapter %q (valid: mariadb, mysql)", c.Adapter.Adapter)
	}

	for _, l := range []struct {
		name string
		lc   ListenerConfig
	}{
		{"outbound_quota", c.Quota.ListenerConfig},
		{"greylisting", c.Greylist.ListenerConfig},
		{"sender_domain_auth", c.SDA.ListenerConfig},
		{"spf", c.SPF.ListenerConfig},
	} {
		if l.lc.ListenPort <= 0 || l.lc.ListenPort > 65535 {
			return fmt.Errorf("%s: invalid listen_port %d", l.name, l.lc.ListenPort)
		}
	}

	if c.Quota.Interval <= 0 {
		return errors.New("outbound_quota: interval must be positive")
	}
	if c.Quota.Margin < 0 {
		return errors.New("outbound_quota: margin must not be negative")
	}
	if c.Quota.Margin >= 100 {
		return errors.New("outbound_quota: a fractional margin must be below 100 percent")
	}
	if c.Quota.MinDelta < 0 {
		return errors.New("outbound_quota: min_delta must not be negative")
	}

	if c.Greylist.CacheTTL <= 0 {
		return errors.New("greylisting: cache_ttl must be positive")
	}
	if c.Greylist.MinimumDeferral >= c.Greylist.CacheTTL {
		return fmt.Errorf("greylisting: minimum_deferral (%ds) must be below cache_ttl (%ds)",
			c.Greylist.MinimumDeferral, c.Greylist.CacheTTL)
	}
	if c.Greylist.AutoAllowAfter < 0 {
		return errors.New("greylisting: auto_allow_after must not be negative")
	}

	if len(c.SPF.HELOEnforce) > 0 {
		for _, r := range c.SPF.HELOEnforce {
			switch r {
			case "pass", "fail", "softfail", "neutral", "none", "temperror", "permerror":
			default:
				return fmt.Errorf("spf: unknown result %q in helo_enforce", r)
			}
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	return nil
}
