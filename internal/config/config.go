// Package config handles Troupe configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPort is the front-end server port used when neither the config
// file nor SERVER_PORT names one.
const DefaultPort = 3000

// ErrNotFound is returned by FindConfig when no config file exists in any
// search location. A config file is optional; callers fall back to Default.
var ErrNotFound = errors.New("no config file found")

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/troupe/config.yaml, /etc/troupe/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "troupe", "config.yaml"))
	}

	paths = append(paths, "/etc/troupe/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists,
// or an error wrapping ErrNotFound.
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

	return "", fmt.Errorf("%w (searched: %v)", ErrNotFound, DefaultSearchPaths())
}

// Config holds all Troupe configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Completion CompletionConfig `yaml:"completion"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`

	// DataDir holds the SQLite database and other per-process state.
	// Empty means "data" next to the executable's parent directory.
	DataDir string `yaml:"data_dir"`

	// Paths maps named prefixes to directories so character paths may
	// be written as "characters:bob.json".
	Paths map[string]string `yaml:"paths"`

	// Daemon suppresses the interactive terminal chat.
	Daemon bool `yaml:"daemon"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the front-end server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// CompletionConfig points the terminal chat at an OpenAI-compatible
// chat-completions endpoint.
type CompletionConfig struct {
	APIBase     string  `yaml:"api_base"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
}

// Configured reports whether both endpoint and credential are present.
func (c CompletionConfig) Configured() bool {
	return c.APIBase != "" && c.APIKey != ""
}

// DatabaseConfig selects the SQLite driver. "sqlite3" is the cgo
// mattn/go-sqlite3 driver; "sqlite" is the pure-Go modernc driver.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	File   string `yaml:"file"`
}

// MQTTConfig defines the broker used by characters that list the
// "mqtt" client.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Configured reports whether a broker URL is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
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
	if c.Completion.Model == "" {
		c.Completion.Model = "gpt-4o-mini"
	}
	if c.Completion.Temperature == 0 {
		c.Completion.Temperature = 0.7
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.File == "" {
		c.Database.File = "troupe.db"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "troupe"
	}
}

// ApplyEnv overlays process environment settings on the loaded config.
// Environment values win over file values, matching how the agent
// settings are usually supplied through a .env file.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("SERVER_PORT %q: %w", v, err)
		}
		c.Listen.Port = port
	}
	if v := getenv("OPENAI_API_BASE"); v != "" {
		c.Completion.APIBase = v
	}
	if v := getenv("OPENAI_API_KEY"); v != "" {
		c.Completion.APIKey = v
	}
	if v := getenv("DAEMON_PROCESS"); v != "" {
		c.Daemon = v == "true"
	}
	if v := getenv("TROUPE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	return nil
}

// Validate checks the configuration for values that would only fail
// later and less legibly.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := ParseLogFormat(c.LogFormat); err != nil {
		return err
	}
	switch c.Database.Driver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("database.driver %q (valid: sqlite3, sqlite)", c.Database.Driver)
	}
	return nil
}
