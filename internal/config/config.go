package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/deskbridge/internal/desk"
)

// Config holds all application configuration.
type Config struct {
	Desk     DeskConfig `yaml:"desk"`
	MQTT     MQTTConfig `yaml:"mqtt"`
	LogLevel string     `yaml:"log_level"`
}

// DeskConfig identifies and bounds the desk.
type DeskConfig struct {
	// Address optionally pins the peripheral identity (a MAC address on
	// BlueZ, a CoreBluetooth UUID on macOS). Empty means scan.
	Address         string  `yaml:"address"`
	MinHeightMM     float64 `yaml:"min_height_mm"`
	MaxHeightMM     float64 `yaml:"max_height_mm"`
	MoveToleranceMM float64 `yaml:"move_tolerance_mm"`
}

// MQTTConfig holds broker connection and topic settings.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "deskbridge")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Desk: DeskConfig{
			MinHeightMM:     desk.BaseHeightMM,
			MaxHeightMM:     desk.MaxHeightMM,
			MoveToleranceMM: 5,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "deskbridge",
			TopicPrefix: "deskbridge",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Desk.MinHeightMM < desk.BaseHeightMM {
		return fmt.Errorf("desk.min_height_mm must be >= %.0f", desk.BaseHeightMM)
	}
	if c.Desk.MaxHeightMM > desk.MaxHeightMM {
		return fmt.Errorf("desk.max_height_mm must be <= %.0f", desk.MaxHeightMM)
	}
	if c.Desk.MaxHeightMM <= c.Desk.MinHeightMM {
		return fmt.Errorf("desk.max_height_mm must be greater than desk.min_height_mm")
	}
	if c.Desk.MoveToleranceMM <= 0 {
		return fmt.Errorf("desk.move_tolerance_mm must be > 0")
	}

	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker must not be empty")
	}
	if c.MQTT.ClientID == "" {
		return fmt.Errorf("mqtt.client_id must not be empty")
	}
	if c.MQTT.TopicPrefix == "" {
		return fmt.Errorf("mqtt.topic_prefix must not be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}
