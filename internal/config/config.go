// Package config defines the chatloom configuration schema and loader.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// PlugConfig configures one network adapter instance.
type PlugConfig struct {
	Protocol string `yaml:"protocol"` // telegram | slack | discord | console
	// Telegram / Discord bot token.
	Token string `yaml:"token,omitempty"`
	// Slack credentials.
	BotToken string `yaml:"botToken,omitempty"`
	AppToken string `yaml:"appToken,omitempty"`
	// Discord gateway override, defaults to the public gateway.
	GatewayURL string `yaml:"gatewayUrl,omitempty"`
}

// ChannelConfig binds a named channel to (plug, source).
type ChannelConfig struct {
	Plug   string `yaml:"plug"`
	Source string `yaml:"source"`
}

// ScheduleEntry is one cron-driven announcement.
type ScheduleEntry struct {
	Cron    string `yaml:"cron"`
	Channel string `yaml:"channel"`
	Text    string `yaml:"text"`
}

// HookConfig configures one processing stage. Hooks are a list, not a
// map: their registration order is the order filters run in.
type HookConfig struct {
	Name     string `yaml:"name"`
	Protocol string `yaml:"protocol"` // commands | bridge | mentions | joins | preview | schedule

	// commands
	Prefix string `yaml:"prefix,omitempty"`
	// bridge: groups of channel names linked together.
	Groups [][]string `yaml:"groups,omitempty"`
	// joins
	Greeting string   `yaml:"greeting,omitempty"`
	Allow    []string `yaml:"allow,omitempty"` // user ids or usernames; empty admits everyone
	// mentions / joins: where alerts go; empty means the source channel.
	AlertChannel string `yaml:"alertChannel,omitempty"`
	// preview
	MaxPreviewLen int `yaml:"maxPreviewLen,omitempty"`
	// schedule
	Jobs []ScheduleEntry `yaml:"jobs,omitempty"`
}

// Config is the root of the YAML configuration file.
type Config struct {
	Plugs    map[string]PlugConfig    `yaml:"plugs"`
	Channels map[string]ChannelConfig `yaml:"channels"`
	Hooks    []HookConfig             `yaml:"hooks"`
}

// DefaultConfig is what a fresh install runs with: just the console plug.
func DefaultConfig() Config {
	return Config{
		Plugs: map[string]PlugConfig{
			"console": {Protocol: "console"},
		},
	}
}

// ConfigPath returns the default configuration file path:
// ~/.chatloom/config.yaml.
func ConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatloom/config.yaml"
	}
	return filepath.Join(home, ".chatloom", "config.yaml")
}

// DataDir returns the chatloom data directory: ~/.chatloom.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatloom"
	}
	return filepath.Join(home, ".chatloom")
}

// Load reads and parses the config file at path. If path is empty,
// ConfigPath() is used; a missing file yields DefaultConfig(). Parse and
// validation failures are fatal: configuration errors fail fast rather
// than degrade.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			return &cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks cross-references a host registration would otherwise
// only catch at startup.
func (c *Config) Validate() error {
	for name, ch := range c.Channels {
		if _, ok := c.Plugs[ch.Plug]; !ok {
			return fmt.Errorf("channel %q references unknown plug %q", name, ch.Plug)
		}
	}
	seen := make(map[string]struct{}, len(c.Hooks))
	for _, h := range c.Hooks {
		if h.Name == "" {
			return fmt.Errorf("hook with protocol %q has no name", h.Protocol)
		}
		if _, ok := seen[h.Name]; ok {
			return fmt.Errorf("duplicate hook name %q", h.Name)
		}
		seen[h.Name] = struct{}{}
	}
	return nil
}
