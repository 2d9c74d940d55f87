// Package config provides YAML-based configuration loading for Switchyard.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Switchyard configuration, loaded from switchyard.yaml.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Store    StoreConfig    `yaml:"store"`
	Engine   EngineConfig   `yaml:"engine"`
	Outbound OutboundConfig `yaml:"outbound"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
	Tenants  []TenantConfig `yaml:"tenants"`
}

// DatabaseConfig selects and locates the SQL database.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" or "mysql"
	Path     string `yaml:"path"`   // sqlite file
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password" env:"SWITCHYARD_DB_PASSWORD"`
	Name     string `yaml:"name"`
}

// StoreConfig selects the conversation state backend.
type StoreConfig struct {
	Backend string      `yaml:"backend"` // "sql" or "redis"
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig locates the Redis server for the redis store backend.
type RedisConfig struct {
	Addr   string `yaml:"addr" env:"SWITCHYARD_REDIS_ADDR"`
	DB     int    `yaml:"db"`
	Prefix string `yaml:"prefix"`
}

// EngineConfig tunes the orchestrator.
type EngineConfig struct {
	ExpiryHours   int    `yaml:"expiry_hours"`
	SweepSchedule string `yaml:"sweep_schedule"`
	PausedNotice  string `yaml:"paused_notice"`
}

// ExpiryHorizon returns the inactivity window after which conversations are
// swept.
func (e EngineConfig) ExpiryHorizon() time.Duration {
	return time.Duration(e.ExpiryHours) * time.Hour
}

// OutboundConfig selects the platform outbound messages are delivered to.
type OutboundConfig struct {
	Platform string        `yaml:"platform"` // "log", "slack" or "discord"
	Slack    SlackConfig   `yaml:"slack"`
	Discord  DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack credentials.
type SlackConfig struct {
	BotToken string `yaml:"bot_token" env:"SWITCHYARD_SLACK_BOT_TOKEN"`
}

// DiscordConfig holds Discord credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token" env:"SWITCHYARD_DISCORD_BOT_TOKEN"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Port int `yaml:"port" env:"SWITCHYARD_HTTP_PORT"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level string `yaml:"level" env:"SWITCHYARD_LOG_LEVEL"`
}

// TenantConfig seeds a tenant and its outbound channel.
type TenantConfig struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	ChannelID string `yaml:"channel_id"`
}

// Load reads a YAML config file from path, applies environment overrides,
// and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config. Environment
// variables override values from the file.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "switchyard.db"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "switchyard"
		}
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "sql"
	}
	if c.Store.Backend == "redis" {
		if c.Store.Redis.Addr == "" {
			c.Store.Redis.Addr = "127.0.0.1:6379"
		}
		if c.Store.Redis.Prefix == "" {
			c.Store.Redis.Prefix = "switchyard"
		}
	}
	if c.Engine.ExpiryHours == 0 {
		c.Engine.ExpiryHours = 24
	}
	if c.Engine.SweepSchedule == "" {
		c.Engine.SweepSchedule = "@every 1h"
	}
	if c.Engine.PausedNotice == "" {
		c.Engine.PausedNotice = "Un operador está atendiendo esta conversación. Te responderemos a la brevedad."
	}
	if c.Outbound.Platform == "" {
		c.Outbound.Platform = "log"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	for i := range c.Tenants {
		if c.Tenants[i].Name == "" {
			c.Tenants[i].Name = c.Tenants[i].ID
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be sqlite or mysql", c.Database.Driver))
	}
	switch c.Store.Backend {
	case "sql", "redis":
	default:
		errs = append(errs, fmt.Sprintf("store.backend %q must be sql or redis", c.Store.Backend))
	}
	if c.Engine.ExpiryHours < 0 {
		errs = append(errs, "engine.expiry_hours must be positive")
	}
	switch c.Outbound.Platform {
	case "log":
	case "slack":
		if c.Outbound.Slack.BotToken == "" {
			errs = append(errs, "outbound.slack.bot_token is required")
		}
	case "discord":
		if c.Outbound.Discord.BotToken == "" {
			errs = append(errs, "outbound.discord.bot_token is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("outbound.platform %q must be log, slack or discord", c.Outbound.Platform))
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Sprintf("http.port %d out of range", c.HTTP.Port))
	}
	seen := make(map[string]bool)
	for i, t := range c.Tenants {
		if t.ID == "" {
			errs = append(errs, fmt.Sprintf("tenants[%d].id is required", i))
			continue
		}
		if seen[t.ID] {
			errs = append(errs, fmt.Sprintf("tenants[%d].id %q is duplicated", i, t.ID))
		}
		seen[t.ID] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
