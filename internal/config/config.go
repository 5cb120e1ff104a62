package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultProductType is the Dyson product code for the Pure Humidify+Cool
const DefaultProductType = "358"

// ErrInvalidConfig is returned by Validate
var ErrInvalidConfig = errors.New("config: invalid")

// Config holds application configuration
type Config struct {
	Server  ServerConfig `yaml:"server"`
	DataDir string       `yaml:"data_dir"`

	// Encryption key path (for stored device credentials)
	EncryptionKeyPath string `yaml:"encryption_key_path"`

	Log         LogConfig         `yaml:"log"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	CommandRate CommandRateConfig `yaml:"command_rate"`

	// Seconds between REQUEST-CURRENT-STATE refreshes
	PollInterval int `yaml:"poll_interval_seconds"`

	// Event log entries older than this are pruned
	EventRetentionDays int `yaml:"event_retention_days"`

	Devices []DeviceConfig `yaml:"devices"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// MQTTConfig holds settings for the local device connection
type MQTTConfig struct {
	ConnectTimeout int `yaml:"connect_timeout_seconds"`
	KeepAlive      int `yaml:"keep_alive_seconds"`
	MaxReconnect   int `yaml:"max_reconnect_seconds"`
}

// CommandRateConfig paces outgoing device commands
type CommandRateConfig struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

// DeviceConfig describes one appliance on the local network
type DeviceConfig struct {
	Serial      string `yaml:"serial"`
	Name        string `yaml:"name"`
	ProductType string `yaml:"product_type"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Credential  string `yaml:"credential"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".dyson-bridge")

	return &Config{
		Server:            ServerConfig{Port: 8080},
		DataDir:           dataDir,
		EncryptionKeyPath: filepath.Join(dataDir, "encryption.key"),
		Log:               LogConfig{Level: "info", Format: "console"},
		MQTT: MQTTConfig{
			ConnectTimeout: 10,
			KeepAlive:      30,
			MaxReconnect:   60,
		},
		CommandRate:        CommandRateConfig{PerMinute: 60, Burst: 5},
		PollInterval:       30,
		EventRetentionDays: 30,
	}
}

// Load reads configuration from a YAML file. Environment references such as
// ${DYSON_CREDENTIAL} are expanded before parsing. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.setDefaults()
	return cfg, nil
}

func (c *Config) setDefaults() {
	def := DefaultConfig()
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.EncryptionKeyPath == "" {
		c.EncryptionKeyPath = filepath.Join(c.DataDir, "encryption.key")
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	if c.MQTT.ConnectTimeout <= 0 {
		c.MQTT.ConnectTimeout = def.MQTT.ConnectTimeout
	}
	if c.MQTT.KeepAlive <= 0 {
		c.MQTT.KeepAlive = def.MQTT.KeepAlive
	}
	if c.MQTT.MaxReconnect <= 0 {
		c.MQTT.MaxReconnect = def.MQTT.MaxReconnect
	}
	if c.CommandRate.PerMinute <= 0 {
		c.CommandRate.PerMinute = def.CommandRate.PerMinute
	}
	if c.CommandRate.Burst <= 0 {
		c.CommandRate.Burst = def.CommandRate.Burst
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.EventRetentionDays <= 0 {
		c.EventRetentionDays = def.EventRetentionDays
	}
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.ProductType == "" {
			d.ProductType = DefaultProductType
		}
		if d.Port == 0 {
			d.Port = 1883
		}
		if d.Name == "" {
			d.Name = d.Serial
		}
	}
}

// Validate checks the device list
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.Serial == "" {
			return fmt.Errorf("%w: device %d has no serial", ErrInvalidConfig, i)
		}
		if d.Host == "" {
			return fmt.Errorf("%w: device %s has no host", ErrInvalidConfig, d.Serial)
		}
		if d.Port < 1 || d.Port > 65535 {
			return fmt.Errorf("%w: device %s port %d out of range", ErrInvalidConfig, d.Serial, d.Port)
		}
		if seen[d.Serial] {
			return fmt.Errorf("%w: duplicate device serial %s", ErrInvalidConfig, d.Serial)
		}
		seen[d.Serial] = true
	}
	return nil
}

// Save writes configuration to a YAML file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// EnsureDataDir creates the data directory if it doesn't exist
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0755)
}

// DatabasePath returns the path to the SQLite database
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "dyson-bridge.db")
}
