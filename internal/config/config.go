package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Transport TransportConfig `yaml:"transport"`
	Scan      ScanConfig      `yaml:"scan"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Lap       LapConfig       `yaml:"lap"`
	RaceLog   RaceLogConfig   `yaml:"racelog"`
	Store     StoreConfig     `yaml:"store"`
	API       APIConfig       `yaml:"api"`
}

// TransportConfig selects the radio backend.
type TransportConfig struct {
	Backend string       `yaml:"backend"` // "tinygo", "hci", or "serial"
	Serial  SerialConfig `yaml:"serial"`
}

// SerialConfig holds settings for the serial coprocessor backend.
type SerialConfig struct {
	Port     string        `yaml:"port"`
	BaudRate int           `yaml:"baud_rate"`
	DataBits int           `yaml:"data_bits"`
	StopBits int           `yaml:"stop_bits"`
	Parity   string        `yaml:"parity"`
	Window   time.Duration `yaml:"window"` // restart period for continuous scans
}

// ScanConfig holds advertisement filtering and radio timing settings.
type ScanConfig struct {
	MACPrefix     string `yaml:"mac_prefix"`
	RSSIThreshold int    `yaml:"rssi_threshold"`
	IntervalMS    int    `yaml:"interval_ms"`
	WindowMS      int    `yaml:"window_ms"`
}

// TrackerConfig holds beacon table settings.
type TrackerConfig struct {
	HistorySize     int           `yaml:"history_size"`
	BeaconTimeout   time.Duration `yaml:"beacon_timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// LapConfig holds lap detection and race settings.
type LapConfig struct {
	RSSINear        int           `yaml:"rssi_near"`
	RSSIFar         int           `yaml:"rssi_far"`
	MinLapTime      time.Duration `yaml:"min_lap_time"`
	MaxTeams        int           `yaml:"max_teams"`
	MaxRaceDuration time.Duration `yaml:"max_race_duration"` // 0 = unlimited
}

// RaceLogConfig holds the lap log writer settings.
type RaceLogConfig struct {
	Dir           string        `yaml:"dir"` // empty disables CSV files
	QueueSize     int           `yaml:"queue_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// StoreConfig holds the race history database settings.
type StoreConfig struct {
	Path string `yaml:"path"` // empty disables the store
}

// APIConfig holds the operator HTTP API settings.
type APIConfig struct {
	Listen          string `yaml:"listen"` // empty disables the API
	OperatorPinHash string `yaml:"operator_pin_hash"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "beaconlap")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultDataDir returns the directory holding race logs and the database.
func DefaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "beaconlap")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	dataDir := DefaultDataDir()

	return &Config{
		LogLevel: "info",
		Transport: TransportConfig{
			Backend: "tinygo",
			Serial: SerialConfig{
				BaudRate: 115200,
				DataBits: 8,
				StopBits: 1,
				Parity:   "N",
				Window:   5 * time.Second,
			},
		},
		Scan: ScanConfig{
			MACPrefix:     "C3:00:",
			RSSIThreshold: -100,
			IntervalMS:    100,
			WindowMS:      99,
		},
		Tracker: TrackerConfig{
			HistorySize:     5,
			BeaconTimeout:   15 * time.Second,
			CleanupInterval: time.Second,
		},
		Lap: LapConfig{
			RSSINear:        -65,
			RSSIFar:         -80,
			MinLapTime:      10 * time.Second,
			MaxTeams:        20,
			MaxRaceDuration: 2 * time.Hour,
		},
		RaceLog: RaceLogConfig{
			Dir:           filepath.Join(dataDir, "logs"),
			QueueSize:     64,
			FlushInterval: 5 * time.Second,
		},
		Store: StoreConfig{
			Path: filepath.Join(dataDir, "db"),
		},
		API: APIConfig{
			Listen: ":8080",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Transport.Serial.Port = expandTilde(cfg.Transport.Serial.Port)
	cfg.RaceLog.Dir = expandTilde(cfg.RaceLog.Dir)
	cfg.Store.Path = expandTilde(cfg.Store.Path)

	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	content := "# beaconlap configuration\n# See README for field descriptions.\n\n" + string(data)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.Transport.Backend {
	case "tinygo", "hci":
	case "serial":
		if c.Transport.Serial.Port == "" {
			return fmt.Errorf("transport.serial.port is required when backend is \"serial\"")
		}
		if c.Transport.Serial.Window < 0 {
			return fmt.Errorf("transport.serial.window must be >= 0")
		}
	default:
		return fmt.Errorf("transport.backend must be \"tinygo\", \"hci\", or \"serial\", got %q", c.Transport.Backend)
	}

	if c.Scan.IntervalMS <= 0 {
		return fmt.Errorf("scan.interval_ms must be > 0")
	}
	if c.Scan.WindowMS <= 0 || c.Scan.WindowMS > c.Scan.IntervalMS {
		return fmt.Errorf("scan.window_ms must be in (0, interval_ms], got %d", c.Scan.WindowMS)
	}

	if c.Tracker.HistorySize < 1 {
		return fmt.Errorf("tracker.history_size must be >= 1")
	}
	if c.Tracker.BeaconTimeout <= 0 {
		return fmt.Errorf("tracker.beacon_timeout must be > 0")
	}
	if c.Tracker.CleanupInterval <= 0 {
		return fmt.Errorf("tracker.cleanup_interval must be > 0")
	}

	if c.Lap.RSSIFar > c.Lap.RSSINear {
		return fmt.Errorf("lap.rssi_far (%d) must not exceed lap.rssi_near (%d)", c.Lap.RSSIFar, c.Lap.RSSINear)
	}
	if c.Lap.MinLapTime < 0 {
		return fmt.Errorf("lap.min_lap_time must be >= 0")
	}
	if c.Lap.MaxTeams < 1 {
		return fmt.Errorf("lap.max_teams must be >= 1")
	}
	if c.Lap.MaxRaceDuration < 0 {
		return fmt.Errorf("lap.max_race_duration must be >= 0")
	}

	if c.RaceLog.QueueSize < 1 {
		return fmt.Errorf("racelog.queue_size must be >= 1")
	}
	if c.RaceLog.FlushInterval <= 0 {
		return fmt.Errorf("racelog.flush_interval must be > 0")
	}

	if c.API.OperatorPinHash != "" {
		if _, err := bcrypt.Cost([]byte(c.API.OperatorPinHash)); err != nil {
			return fmt.Errorf("api.operator_pin_hash is not a bcrypt hash: %w", err)
		}
	}

	return nil
}

// ParseLogLevel converts a log_level string to a slog.Level. Unknown values
// map to info.
func ParseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
