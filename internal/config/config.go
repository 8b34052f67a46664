package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config models millwork.yml.
type Config struct {
	Shop struct {
		Name     string `yaml:"name" json:"name"`
		Timezone string `yaml:"timezone" json:"timezone"`
		Currency string `yaml:"currency" json:"currency"`
	} `yaml:"shop" json:"shop"`
	Settlement struct {
		PenaltyRate float64 `yaml:"penalty_rate" json:"penalty_rate"`
	} `yaml:"settlement" json:"settlement"`
	Presence struct {
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
		StaleAfter        time.Duration `yaml:"stale_after" json:"stale_after"`
		SweepSchedule     string        `yaml:"sweep_schedule" json:"sweep_schedule"`
	} `yaml:"presence" json:"presence"`
	Automation struct {
		Placeholder         string `yaml:"placeholder" json:"placeholder"`
		DefaultDurationDays int    `yaml:"default_duration_days" json:"default_duration_days"`
	} `yaml:"automation" json:"automation"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
	AMQP     AMQPConfig      `yaml:"amqp" json:"amqp"`

	loc *time.Location
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

type AMQPConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	URL      string `yaml:"url" json:"-"`
	Exchange string `yaml:"exchange" json:"exchange"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with mw init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the default config when the workspace has no file.
func LoadOrDefault(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Shop.Timezone) == "" {
		return fmt.Errorf("config.shop.timezone is required")
	}
	loc, err := time.LoadLocation(c.Shop.Timezone)
	if err != nil {
		return fmt.Errorf("config.shop.timezone: %w", err)
	}
	c.loc = loc
	if c.Settlement.PenaltyRate < 0 || c.Settlement.PenaltyRate >= 1 {
		return fmt.Errorf("config.settlement.penalty_rate must be in [0,1)")
	}
	if c.Presence.HeartbeatInterval <= 0 {
		return fmt.Errorf("config.presence.heartbeat_interval must be positive")
	}
	if c.Presence.StaleAfter < c.Presence.HeartbeatInterval {
		return fmt.Errorf("config.presence.stale_after must be at least the heartbeat interval")
	}
	if c.Presence.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.Presence.SweepSchedule); err != nil {
			return fmt.Errorf("config.presence.sweep_schedule: %w", err)
		}
	}
	if c.Automation.Placeholder == "" {
		return fmt.Errorf("config.automation.placeholder is required")
	}
	if c.Automation.DefaultDurationDays <= 0 {
		return fmt.Errorf("config.automation.default_duration_days must be positive")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d has negative timeout", i)
		}
	}
	if c.AMQP.Enabled {
		if c.AMQP.URL == "" {
			return fmt.Errorf("config.amqp.url is required when amqp is enabled")
		}
		if c.AMQP.Exchange == "" {
			return fmt.Errorf("config.amqp.exchange is required when amqp is enabled")
		}
	}
	return nil
}

// Location returns the shop's fixed timezone.
func (c *Config) Location() *time.Location {
	if c.loc != nil {
		return c.loc
	}
	loc, err := time.LoadLocation(c.Shop.Timezone)
	if err != nil {
		return time.UTC
	}
	c.loc = loc
	return loc
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "millwork.yml")
}

// Write stores the default config in the workspace unless one exists.
func Write(workspace string) (string, error) {
	path := Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.WriteFile(path, []byte(defaultTemplate), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Default returns the default Config.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `shop:
  name: Millwork
  timezone: Europe/Moscow
  currency: RUB

settlement:
  # share deducted from a task's pay when it is completed after its due date
  penalty_rate: 0.10

presence:
  heartbeat_interval: 30s
  stale_after: 1m
  sweep_schedule: "@every 30s"

automation:
  placeholder: "#{order_id}"
  default_duration_days: 1

webhooks: []

amqp:
  enabled: false
  exchange: millwork.changes
`
