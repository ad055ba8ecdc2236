// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config reads and writes the bmsmon YAML configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/Thermoquad/bmsmon/pkg/session"
	"gopkg.in/yaml.v3"
)

const (
	appName    = "bmsmon"
	configFile = "config.yaml"

	// CurrentVersion is the only file version this build understands
	CurrentVersion = 1
)

// Transport kinds
const (
	TransportSerial    = "serial"
	TransportWebSocket = "websocket"
	TransportSim       = "sim"
)

// fileMutex serializes saves within the process
var fileMutex sync.Mutex

// Duration is a time.Duration written as "5s" in YAML
type Duration time.Duration

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler. Bare integers are seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if parsed, err := time.ParseDuration(s); err == nil {
		*d = Duration(parsed)
		return nil
	}
	var secs int
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, s)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the whole configuration file
type Config struct {
	Version   int             `yaml:"version"`
	Transport TransportConfig `yaml:"transport"`
	Session   SessionConfig   `yaml:"session"`
	Log       LogConfig       `yaml:"log"`
	Redis     RedisConfig     `yaml:"redis"`
	Store     StoreConfig     `yaml:"store"`
	DataLog   DataLogConfig   `yaml:"datalog"`

	// Previous is the last connected device
	Previous *session.Identity `yaml:"previous,omitempty"`
	// Devices lists every device the user connected to. They count as
	// authorized for reconnects through a gateway.
	Devices []session.Identity `yaml:"devices,omitempty"`
}

// TransportConfig selects and configures the BLE transport
type TransportConfig struct {
	Kind string `yaml:"kind"`

	Port string `yaml:"port,omitempty"`
	Baud int    `yaml:"baud"`

	URL         string `yaml:"url,omitempty"`
	Username    string `yaml:"username,omitempty"`
	NoSSLVerify bool   `yaml:"no_ssl_verify,omitempty"`

	// DiscoverTimeout bounds the mDNS gateway search when no URL is set
	DiscoverTimeout Duration `yaml:"discover_timeout"`
	// Device restricts scans to one address
	Device string `yaml:"device,omitempty"`
}

// SessionConfig tunes the device session
type SessionConfig struct {
	// InactivityTimeout of zero keeps the protocol's value
	InactivityTimeout Duration `yaml:"inactivity_timeout,omitempty"`
	Reconnect         bool     `yaml:"reconnect"`
	ReconnectDelay    Duration `yaml:"reconnect_delay"`
}

// LogConfig sets the log level. Empty is silent.
type LogConfig struct {
	Level string `yaml:"level,omitempty"`
}

// RedisConfig enables the Redis sink when Addr is set
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// StoreConfig enables the SQLite history store when Path is set
type StoreConfig struct {
	Path string `yaml:"path,omitempty"`
}

// DataLogConfig enables the persisted data log when Path is set
type DataLogConfig struct {
	Path  string `yaml:"path,omitempty"`
	Limit int    `yaml:"limit"`
}

// Default returns a configuration with every default filled in
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Transport: TransportConfig{
			Kind:            TransportSerial,
			Baud:            115200,
			DiscoverTimeout: Duration(5 * time.Second),
		},
		Session: SessionConfig{
			ReconnectDelay: Duration(2 * time.Second),
		},
		Redis: RedisConfig{
			Prefix: "bms",
		},
		DataLog: DataLogConfig{
			Limit: 10000,
		},
	}
}

// Dir returns the OS-appropriate configuration directory:
//   - Linux: $XDG_CONFIG_HOME/bmsmon or $HOME/.config/bmsmon
//   - macOS: $HOME/.config/bmsmon
//   - Windows: %LOCALAPPDATA%\bmsmon
func Dir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return filepath.Join(localAppData, appName), nil
		}
		userProfile := os.Getenv("USERPROFILE")
		if userProfile == "" {
			return "", fmt.Errorf("cannot determine user profile directory (LOCALAPPDATA and USERPROFILE not set)")
		}
		return filepath.Join(userProfile, "AppData", "Local", appName), nil

	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return filepath.Join(homeDir, ".config", appName), nil

	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, appName), nil
		}
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return filepath.Join(homeDir, ".config", appName), nil
	}
}

// DefaultPath returns the path of the configuration file
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFile), nil
}

// Load reads path. A missing file yields Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported config version: %d (expected %d)", cfg.Version, CurrentVersion)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a command
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportSerial, TransportWebSocket, TransportSim:
	default:
		return fmt.Errorf("transport.kind: unknown transport %q (use serial, websocket or sim)", c.Transport.Kind)
	}
	if c.Transport.Baud <= 0 {
		return fmt.Errorf("transport.baud: must be positive, got %d", c.Transport.Baud)
	}
	if u := c.Transport.URL; u != "" && !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		return fmt.Errorf("transport.url: %q is not a ws:// or wss:// URL", u)
	}
	if c.Session.InactivityTimeout < 0 || c.Session.ReconnectDelay < 0 {
		return fmt.Errorf("session: durations must not be negative")
	}
	if c.DataLog.Limit < 0 {
		return fmt.Errorf("datalog.limit: must not be negative, got %d", c.DataLog.Limit)
	}
	return nil
}

// Remember records id as the previous device and adds it to Devices
func (c *Config) Remember(id session.Identity) {
	prev := id
	c.Previous = &prev
	for i, d := range c.Devices {
		if strings.EqualFold(d.ID, id.ID) {
			c.Devices[i] = id
			return
		}
	}
	c.Devices = append(c.Devices, id)
}

// Peripherals returns Devices as transport peripherals
func (c *Config) Peripherals() []session.Peripheral {
	out := make([]session.Peripheral, 0, len(c.Devices))
	for _, d := range c.Devices {
		out = append(out, session.Peripheral{ID: d.ID, Name: d.Name})
	}
	return out
}

// Save writes c to path atomically with user-only permissions
func (c *Config) Save(path string) error {
	fileMutex.Lock()
	defer fileMutex.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# bmsmon configuration file
#
# The WebSocket gateway password is never stored here. It is read from
# BMSMON_PASSWORD or prompted when needed.

`)
	data = append(header, data...)

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config file: %w", err)
	}
	return nil
}
