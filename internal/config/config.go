// Package config loads and persists the controller's YAML configuration,
// with environment-variable and .env overrides, mirroring
// internal/server/config.go's layering in the teacher repo.
package config

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config holds all firmware configuration.
type Config struct {
	mu sync.RWMutex

	Link     LinkConfig     `yaml:"link" json:"link"`
	Pump     PumpConfig     `yaml:"pump" json:"pump"`
	Reagent  ValveConfig    `yaml:"reagent_valve" json:"reagentValve"`
	Column   ValveConfig    `yaml:"column_valve" json:"columnValve"`
	Store    StoreConfig    `yaml:"store" json:"store"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
	Server   ServerConfig   `yaml:"server" json:"server"`

	path string
}

// LinkConfig selects and configures the command-link transport.
type LinkConfig struct {
	Type       string `yaml:"type" json:"type"` // "serial" or "demo"
	PortPath   string `yaml:"port_path" json:"portPath"`
	BaudRate   int    `yaml:"baud_rate" json:"baudRate"`
	TimeoutMs  int    `yaml:"timeout_ms" json:"timeoutMs"`
}

// PumpConfig holds a default acceleration for operator-issued manual
// setpoints. No other package reads it: manual setpoints from the HTTP API
// and the command link carry their own acceleration, and program steps use
// program.DefaultAccel.
type PumpConfig struct {
	ManualAcceleration float64 `yaml:"manual_acceleration" json:"manualAcceleration"`
}

// ValveConfig mirrors internal/valve.Config in YAML-friendly form.
type ValveConfig struct {
	PositionMapping    [6]uint32 `yaml:"position_mapping" json:"positionMapping"`
	HomeOffset         uint32    `yaml:"home_offset" json:"homeOffset"`
	StepsPerRevolution uint32    `yaml:"steps_per_revolution" json:"stepsPerRevolution"`
	Invert             bool      `yaml:"invert" json:"invert"`
}

// StoreConfig locates the persisted program and name-table files.
type StoreConfig struct {
	ProgramPath  string `yaml:"program_path" json:"programPath"`
	ReagentsPath string `yaml:"reagents_path" json:"reagentsPath"`
	ColumnsPath  string `yaml:"columns_path" json:"columnsPath"`
}

// LoggingConfig holds the process log level and the settings of the
// optional CSV telemetry recorder that samples DeviceState at a fixed
// interval. Level is stored (and overridable via LOG_LEVEL) but no logging
// code filters on it.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"` // "debug", "info", "warn", "error"
	Telemetry  bool   `yaml:"telemetry" json:"telemetry"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

// ServerConfig configures the HTTP/JSON status API.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
	EnableWS   bool   `yaml:"enable_ws" json:"enableWs"`
}

// DefaultConfig returns a config with sensible defaults: a 6-position
// identity mapping for both valves at 1200 steps/rev (200 steps * 1/6
// microstepping), the serial link at 115200 8N1, and a 10 ms receive
// timeout matching spec.md §4.5.
func DefaultConfig() *Config {
	return &Config{
		Link: LinkConfig{
			Type:      "demo",
			PortPath:  "/dev/ttyACM0",
			BaudRate:  115200,
			TimeoutMs: 10,
		},
		Pump: PumpConfig{
			ManualAcceleration: 5.0,
		},
		Reagent: ValveConfig{
			PositionMapping:    [6]uint32{0, 1, 2, 3, 4, 5},
			HomeOffset:         0,
			StepsPerRevolution: 1200,
		},
		Column: ValveConfig{
			PositionMapping:    [6]uint32{0, 1, 2, 3, 4, 5},
			HomeOffset:         0,
			StepsPerRevolution: 1200,
		},
		Store: StoreConfig{
			ProgramPath:  "/var/lib/lcfwd/program.dat",
			ReagentsPath: "/var/lib/lcfwd/reagents.dat",
			ColumnsPath:  "/var/lib/lcfwd/columns.dat",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Telemetry:  false,
			Path:       "/var/log/lcfwd",
			IntervalMs: 1000,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
			EnableWS:   true,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and
// environment variable overrides. Falls back to defaults if the file is
// missing or fails to parse.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config
// values. Supported: LINK_TYPE, LINK_PORT, LINK_BAUD, LISTEN_ADDR,
// LOG_LEVEL.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LINK_TYPE"); v != "" {
		c.Link.Type = v
	}
	if v := os.Getenv("LINK_PORT"); v != "" {
		c.Link.PortPath = v
	}
	if v := os.Getenv("LINK_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Link.BaudRate = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/lcfwd/config.yaml"
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the status API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}
