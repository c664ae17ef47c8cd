// Package config handles Habitual configuration loading.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Load for fields left empty in the YAML file.
const (
	DefaultPort            = 8080
	DefaultDataDir         = "./db"
	DefaultSchedule        = "* * * * *"
	DefaultWindowMinutes   = 10
	DefaultGatewayTimeout  = 15
	DefaultSendPath        = "/send"
	DefaultUpdatesPath     = "/updates"
	DefaultSendRate        = 25.0
	DefaultSendBurst       = 5
	DefaultJobTimeoutSec   = 120
	DefaultMQTTDevice      = "habitual"
	DefaultDiscoveryPrefix = "homeassistant"
	DefaultMQTTIntervalSec = 60
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/habitual/config.yaml, /etc/habitual/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "habitual", "config.yaml"))
	}

	paths = append(paths, "/etc/habitual/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Habitual configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	DataDir   string          `yaml:"data_dir"`
	Timezone  string          `yaml:"timezone"` // IANA name; empty means the host's local zone
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text or json
	Gateway   GatewayConfig   `yaml:"gateway"`
	Reminders RemindersConfig `yaml:"reminders"`
	Linking   LinkingConfig   `yaml:"linking"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// ListenConfig defines the operational API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// GatewayConfig defines the messaging gateway connection.
type GatewayConfig struct {
	// URL is the gateway base URL. A literal "{token}" is replaced by
	// Token, which is how Telegram-style bot APIs carry credentials.
	URL   string `yaml:"url"`
	Token string `yaml:"token"`

	SendPath    string `yaml:"send_path"`
	UpdatesPath string `yaml:"updates_path"`

	TimeoutSec int     `yaml:"timeout_sec"`
	SendRate   float64 `yaml:"send_rate"` // messages per second
	SendBurst  int     `yaml:"send_burst"`

	// ChatURL is the public address users open to start a chat with
	// the bot. Only used by the link-qr command.
	ChatURL string `yaml:"chat_url"`
}

// Configured reports whether a gateway URL has been set.
func (g GatewayConfig) Configured() bool {
	return g.URL != ""
}

// RemindersConfig controls the reminder job.
type RemindersConfig struct {
	Schedule      string `yaml:"schedule"` // 5-field cron expression
	WindowMinutes int    `yaml:"window_minutes"`
	TimeoutSec    int    `yaml:"timeout_sec"`
}

// LinkingConfig controls the account linking job.
type LinkingConfig struct {
	Schedule   string `yaml:"schedule"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// MQTTConfig defines the optional MQTT sensor publisher.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether an MQTT broker has been set.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// LoadEnvFile loads KEY=value pairs from path into the process
// environment so that ${KEY} references in the YAML file resolve.
// Variables already set in the environment win. A missing file is
// not an error.
func LoadEnvFile(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load env file %s: %w", path, err)
}

// Load reads configuration from a YAML file and fills defaults for
// anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultPort
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.Gateway.SendPath == "" {
		c.Gateway.SendPath = DefaultSendPath
	}
	if c.Gateway.UpdatesPath == "" {
		c.Gateway.UpdatesPath = DefaultUpdatesPath
	}
	if c.Gateway.TimeoutSec == 0 {
		c.Gateway.TimeoutSec = DefaultGatewayTimeout
	}
	if c.Gateway.SendRate == 0 {
		c.Gateway.SendRate = DefaultSendRate
	}
	if c.Gateway.SendBurst == 0 {
		c.Gateway.SendBurst = DefaultSendBurst
	}
	if c.Reminders.Schedule == "" {
		c.Reminders.Schedule = DefaultSchedule
	}
	if c.Reminders.WindowMinutes == 0 {
		c.Reminders.WindowMinutes = DefaultWindowMinutes
	}
	if c.Reminders.TimeoutSec == 0 {
		c.Reminders.TimeoutSec = DefaultJobTimeoutSec
	}
	if c.Linking.Schedule == "" {
		c.Linking.Schedule = DefaultSchedule
	}
	if c.Linking.TimeoutSec == 0 {
		c.Linking.TimeoutSec = DefaultJobTimeoutSec
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = DefaultMQTTDevice
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = DefaultMQTTIntervalSec
	}
}

// Location resolves the configured timezone. An empty Timezone yields
// [time.Local].
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Window returns the reminder look-ahead window as a duration.
func (r RemindersConfig) Window() time.Duration {
	return time.Duration(r.WindowMinutes) * time.Minute
}

// Timeout returns the per-run timeout of the reminder job.
func (r RemindersConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSec) * time.Second
}

// Timeout returns the per-run timeout of the linking job.
func (l LinkingConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSec) * time.Second
}

// Timeout returns the HTTP client timeout for gateway calls.
func (g GatewayConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSec) * time.Second
}
