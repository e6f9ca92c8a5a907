// Package config provides YAML-based configuration loading for Switchboard.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "500ms" or "2m" decode.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level Switchboard configuration, loaded from config.yaml.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Server     ServerConfig     `yaml:"server"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Assignment AssignmentConfig `yaml:"assignment"`
	Media      MediaConfig      `yaml:"media"`
	Events     EventsConfig     `yaml:"events"`
}

// DatabaseConfig selects and configures the storage backend.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" or "mysql"
	Path     string `yaml:"path"`   // sqlite file path
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// SupervisorConfig tunes connection management.
type SupervisorConfig struct {
	MaxRestarts    int      `yaml:"max_restarts"`
	BaseBackoff    Duration `yaml:"base_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
	StopTimeout    Duration `yaml:"stop_timeout"`
	GatewayURL     string   `yaml:"gateway_url"`      // session transport endpoint
	BotAPIBaseURL  string   `yaml:"bot_api_base_url"` // callback transport endpoint
	SendTimeout    Duration `yaml:"send_timeout"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	PollInterval   Duration `yaml:"poll_interval"` // pause between getUpdates polls
	PollTimeout    Duration `yaml:"poll_timeout"`  // long-poll window per getUpdates call
}

// AssignmentConfig selects how fresh conversations acquire an owner.
type AssignmentConfig struct {
	Policy string `yaml:"policy"` // "manual" or "round_robin"
}

// MediaConfig controls asynchronous media fetching.
type MediaConfig struct {
	Dir         string   `yaml:"dir"`
	Workers     int      `yaml:"workers"`
	MaxAttempts int      `yaml:"max_attempts"`
	ReapCron    string   `yaml:"reap_cron"` // requeue tasks stuck in running
	StaleAfter  Duration `yaml:"stale_after"`
}

// EventsConfig enables mirroring normalized events to RabbitMQ.
type EventsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a Config with all defaults applied, for local use
// without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "switchboard.db"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Database.Database == "" {
		c.Database.Database = "switchboard"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Supervisor.MaxRestarts == 0 {
		c.Supervisor.MaxRestarts = 5
	}
	if c.Supervisor.BaseBackoff == 0 {
		c.Supervisor.BaseBackoff = Duration(2 * time.Second)
	}
	if c.Supervisor.MaxBackoff == 0 {
		c.Supervisor.MaxBackoff = Duration(2 * time.Minute)
	}
	if c.Supervisor.StopTimeout == 0 {
		c.Supervisor.StopTimeout = Duration(10 * time.Second)
	}
	if c.Supervisor.SendTimeout == 0 {
		c.Supervisor.SendTimeout = Duration(30 * time.Second)
	}
	if c.Supervisor.ConnectTimeout == 0 {
		c.Supervisor.ConnectTimeout = Duration(30 * time.Second)
	}
	if c.Supervisor.PollInterval == 0 {
		c.Supervisor.PollInterval = Duration(time.Second)
	}
	if c.Supervisor.PollTimeout == 0 {
		c.Supervisor.PollTimeout = Duration(25 * time.Second)
	}
	if c.Assignment.Policy == "" {
		c.Assignment.Policy = "manual"
	}
	if c.Media.Dir == "" {
		c.Media.Dir = "media"
	}
	if c.Media.Workers == 0 {
		c.Media.Workers = 4
	}
	if c.Media.MaxAttempts == 0 {
		c.Media.MaxAttempts = 3
	}
	if c.Media.ReapCron == "" {
		c.Media.ReapCron = "*/5 * * * *"
	}
	if c.Media.StaleAfter == 0 {
		c.Media.StaleAfter = Duration(10 * time.Minute)
	}
	if c.Events.Exchange == "" {
		c.Events.Exchange = "switchboard.events"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (sqlite, mysql)", c.Database.Driver))
	}
	switch c.Assignment.Policy {
	case "manual", "round_robin":
	default:
		errs = append(errs, fmt.Sprintf("assignment.policy %q is not supported (manual, round_robin)", c.Assignment.Policy))
	}
	if c.Events.Enabled && c.Events.URL == "" {
		errs = append(errs, "events.url is required when events.enabled")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
