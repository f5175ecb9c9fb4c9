// Package config loads and validates the SDK's tunables: timeouts,
// retry counts, MTU, and the bad-firmware recovery set.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// defaultConfigPaths mirrors the search order a CLI tool checks before
// falling back to built-in defaults.
var defaultConfigPaths = []string{
	"./jacquard.yaml",
	"./jacquard.yml",
	"~/.config/jacquard/config.yaml",
	"/etc/jacquard/config.yaml",
}

// Config holds every externally tunable SDK value.
type Config struct {
	Transport  TransportConfig  `yaml:"transport" validate:"required"`
	Connection ConnectionConfig `yaml:"connection" validate:"required"`
	Firmware   FirmwareConfig   `yaml:"firmware" validate:"required"`
	Logging    LoggingConfig    `yaml:"logging" validate:"required"`
}

// TransportConfig tunes the request/response transport.
type TransportConfig struct {
	DefaultMTU     int           `yaml:"default_mtu" validate:"gte=20,lte=1024"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`
	RequestRetries int           `yaml:"request_retries" validate:"gte=0,lte=10"`
}

// ConnectionConfig tunes the connection state machine.
type ConnectionConfig struct {
	ConnectTimeout         time.Duration `yaml:"connect_timeout" validate:"gt=0"`
	NotificationQueueDepth uint8         `yaml:"notification_queue_depth" validate:"gte=1"`
	BadFirmwareVersions    []string      `yaml:"bad_firmware_versions"`
}

// FirmwareConfig tunes the firmware-update subsystem.
type FirmwareConfig struct {
	LowBatteryThresholdPercent uint8         `yaml:"low_battery_threshold_percent" validate:"gte=0,lte=100"`
	PostExecuteWatchdog        time.Duration `yaml:"post_execute_watchdog" validate:"gt=0"`
	CacheFreshness             time.Duration `yaml:"cache_freshness" validate:"gt=0"`
	CloudBaseURL               string        `yaml:"cloud_base_url" validate:"omitempty,url"`
	CachePath                  string        `yaml:"cache_path" validate:"required"`
}

// LoggingConfig mirrors the sirupsen/logrus knobs the ambient logger reads.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns the built-in configuration used when no file is found.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			DefaultMTU:     185,
			RequestTimeout: 2 * time.Second,
			RequestRetries: 2,
		},
		Connection: ConnectionConfig{
			ConnectTimeout:         30 * time.Second,
			NotificationQueueDepth: 14,
			BadFirmwareVersions:    []string{},
		},
		Firmware: FirmwareConfig{
			LowBatteryThresholdPercent: 10,
			PostExecuteWatchdog:        60 * time.Second,
			CacheFreshness:             12 * time.Hour,
			CachePath:                  "./jacquard-firmware-cache.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load resolves path, or the default search locations if path is empty,
// falling back to Default if nothing is found.
func Load(path string) (*Config, error) {
	if path != "" {
		return loadFile(path)
	}
	for _, p := range defaultConfigPaths {
		if len(p) > 0 && p[0] == '~' {
			home, err := os.UserHomeDir()
			if err == nil {
				p = filepath.Join(home, p[2:])
			}
		}
		if _, err := os.Stat(p); err == nil {
			return loadFile(p)
		}
	}
	return Default(), nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate runs struct tag validation over cfg.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// Save writes cfg as YAML to path, creating parent directories as needed.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}
