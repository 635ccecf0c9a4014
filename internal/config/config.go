// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Tracker TrackerConfig `mapstructure:"tracker"`
	Manager ManagerConfig `mapstructure:"manager"`
	Scrape  ScrapeConfig  `mapstructure:"scrape"`
	Save    SaveConfig    `mapstructure:"save"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Sweep   SweepConfig   `mapstructure:"sweep"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// TrackerConfig selects and tunes the tracker backend.
type TrackerConfig struct {
	// Backend is memory or postgres.
	Backend     string `mapstructure:"backend"`
	DSN         string `mapstructure:"dsn"`
	MaxConns    int    `mapstructure:"max_conns"`
	MinConns    int    `mapstructure:"min_conns"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

// ManagerConfig governs the processing loop.
type ManagerConfig struct {
	Workers        int  `mapstructure:"workers"`
	BatchSize      int  `mapstructure:"batch_size"`
	LeaseSeconds   int  `mapstructure:"lease_seconds"`
	PollIntervalMs int  `mapstructure:"poll_interval_ms"`
	ExitWhenIdle   bool `mapstructure:"exit_when_idle"`
}

// Lease returns the lease duration requested per grant.
func (c ManagerConfig) Lease() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// PollInterval returns the idle wait between empty work requests.
func (c ManagerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// ScrapeConfig selects and tunes the scraper.
type ScrapeConfig struct {
	// Mode is link, id or null.
	Mode           string `mapstructure:"mode"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	Concurrency    int    `mapstructure:"concurrency"`
	RateLimit      int    `mapstructure:"rate_limit"`
	// LinkPattern extracts discoveries in link mode.
	LinkPattern string `mapstructure:"link_pattern"`
	// URLFormat expands ids into URLs in id mode; must contain %s.
	URLFormat string `mapstructure:"url_format"`
	// IDPattern extracts discoveries in id mode.
	IDPattern string `mapstructure:"id_pattern"`
}

// Timeout returns the per-fetch deadline.
func (c ScrapeConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LinkRegexp returns the compiled link pattern, or nil when unset. The
// pattern must have passed Validate.
func (c ScrapeConfig) LinkRegexp() *regexp.Regexp {
	if c.LinkPattern == "" {
		return nil
	}
	return regexp.MustCompile(c.LinkPattern)
}

// IDRegexp returns the compiled id pattern, or nil when unset. The
// pattern must have passed Validate.
func (c ScrapeConfig) IDRegexp() *regexp.Regexp {
	if c.IDPattern == "" {
		return nil
	}
	return regexp.MustCompile(c.IDPattern)
}

// SaveConfig selects and tunes content persistence.
type SaveConfig struct {
	// Backend is file, tar, gcs, memory or null.
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Archive string `mapstructure:"archive"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig holds the event bus settings.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// SweepConfig sets the lease reclamation cadence.
type SweepConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
}

// Interval returns the sweep cadence.
func (c SweepConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk and environment. An explicit path must
// exist; with no path, a distscrape.{yaml,...} file is searched for and
// plain defaults plus environment variables carry the run when none is
// found.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DISTSCRAPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("distscrape")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/distscrape/")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("tracker.backend", "memory")
	v.SetDefault("tracker.max_conns", 8)
	v.SetDefault("tracker.min_conns", 2)
	v.SetDefault("tracker.max_attempts", 3)
	v.SetDefault("manager.workers", 4)
	v.SetDefault("manager.batch_size", 8)
	v.SetDefault("manager.lease_seconds", 120)
	v.SetDefault("manager.poll_interval_ms", 2000)
	v.SetDefault("scrape.mode", "link")
	v.SetDefault("scrape.user_agent", "distscrape/1.0")
	v.SetDefault("scrape.timeout_seconds", 30)
	v.SetDefault("scrape.concurrency", 4)
	v.SetDefault("save.backend", "file")
	v.SetDefault("save.base_dir", "./data")
	v.SetDefault("save.prefix", "pages")
	v.SetDefault("pubsub.topic", "crawl-events")
	v.SetDefault("sweep.interval_seconds", 30)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}

	switch c.Tracker.Backend {
	case "memory":
	case "postgres":
		if c.Tracker.DSN == "" {
			return fmt.Errorf("tracker.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("tracker.backend must be memory or postgres, got %q", c.Tracker.Backend)
	}

	if c.Manager.Workers <= 0 {
		return fmt.Errorf("manager.workers must be > 0")
	}
	if c.Manager.LeaseSeconds <= 0 {
		return fmt.Errorf("manager.lease_seconds must be > 0")
	}

	switch c.Scrape.Mode {
	case "link":
	case "id":
		if !strings.Contains(c.Scrape.URLFormat, "%s") {
			return fmt.Errorf("scrape.url_format must contain %%s in id mode")
		}
	case "null":
	default:
		return fmt.Errorf("scrape.mode must be link, id or null, got %q", c.Scrape.Mode)
	}
	if c.Scrape.LinkPattern != "" {
		if _, err := regexp.Compile(c.Scrape.LinkPattern); err != nil {
			return fmt.Errorf("scrape.link_pattern does not compile: %w", err)
		}
	}
	if c.Scrape.IDPattern != "" {
		if _, err := regexp.Compile(c.Scrape.IDPattern); err != nil {
			return fmt.Errorf("scrape.id_pattern does not compile: %w", err)
		}
	}

	switch c.Save.Backend {
	case "file":
		if c.Save.BaseDir == "" {
			return fmt.Errorf("save.base_dir must be set for the file backend")
		}
	case "tar":
		if c.Save.Archive == "" {
			return fmt.Errorf("save.archive must be set for the tar backend")
		}
	case "gcs":
		if c.Save.Bucket == "" {
			return fmt.Errorf("save.bucket must be set for the gcs backend")
		}
	case "memory", "null":
	default:
		return fmt.Errorf("save.backend must be file, tar, gcs, memory or null, got %q", c.Save.Backend)
	}

	if c.PubSub.Enabled {
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id must be set when pubsub is enabled")
		}
		if c.PubSub.Topic == "" {
			return fmt.Errorf("pubsub.topic must be set when pubsub is enabled")
		}
	}

	if c.Sweep.IntervalSeconds <= 0 {
		return fmt.Errorf("sweep.interval_seconds must be > 0")
	}
	return nil
}
