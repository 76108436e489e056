// Package config loads the daemon configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every override variable, e.g.
// MIDIMESH_DATA_DIR.
const EnvPrefix = "midimesh"

// Duration wraps time.Duration so YAML values like "50ms" parse.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(value string) error {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// DiscoveryConfig tunes peer discovery.
type DiscoveryConfig struct {
	Port             int      `yaml:"port" envconfig:"DISCOVERY_PORT"`
	AnnounceInterval Duration `yaml:"announce_interval" envconfig:"DISCOVERY_ANNOUNCE_INTERVAL"`
	PeerTTL          Duration `yaml:"peer_ttl" envconfig:"DISCOVERY_PEER_TTL"`
}

// EngineConfig tunes the routing engine. The retry and throttle windows
// are deliberately configuration rather than hard-coded constants.
type EngineConfig struct {
	PollInterval       Duration `yaml:"poll_interval" envconfig:"ENGINE_POLL_INTERVAL"`
	ReopenCooldown     Duration `yaml:"reopen_cooldown" envconfig:"ENGINE_REOPEN_COOLDOWN"`
	PollErrorLogWindow Duration `yaml:"poll_error_log_window" envconfig:"ENGINE_POLL_ERROR_LOG_WINDOW"`
}

// StoreConfig tunes the persisted stores.
type StoreConfig struct {
	DebounceWindow Duration `yaml:"debounce_window" envconfig:"STORE_DEBOUNCE_WINDOW"`
}

// PropagationConfig tunes cross-server propagation.
type PropagationConfig struct {
	SyncInterval Duration `yaml:"sync_interval" envconfig:"PROPAGATION_SYNC_INTERVAL"`
}

// MididConfig points at the local native MIDI server process.
type MididConfig struct {
	// Port is the localhost TCP port the native server listens on.
	Port int `yaml:"port" envconfig:"MIDID_PORT"`

	// BinPath is the native server binary, for start/stop management.
	BinPath string `yaml:"bin_path" envconfig:"MIDID_BIN_PATH"`
}

// Config is the daemon configuration.
type Config struct {
	// ServerName is this instance's human-readable name; defaults to
	// the hostname.
	ServerName string `yaml:"server_name" envconfig:"SERVER_NAME"`

	// ListenAddr is the HTTP API bind address.
	ListenAddr string `yaml:"listen_addr" envconfig:"LISTEN_ADDR"`

	// AdvertiseAddress is the "host:port" peers should dial; when empty
	// it is derived from the first non-loopback interface address and
	// the listen port.
	AdvertiseAddress string `yaml:"advertise_address" envconfig:"ADVERTISE_ADDRESS"`

	// DataDir holds the JSON stores and the history database.
	// Overridable via MIDIMESH_DATA_DIR for test isolation.
	DataDir string `yaml:"data_dir" envconfig:"DATA_DIR"`

	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Engine      EngineConfig      `yaml:"engine"`
	Store       StoreConfig       `yaml:"store"`
	Propagation PropagationConfig `yaml:"propagation"`
	Midid       MididConfig       `yaml:"midid"`
}

// Default returns the built-in defaults.
func Default() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "midimesh"
	}
	return &Config{
		ServerName: hostname,
		ListenAddr: ":8300",
		Discovery: DiscoveryConfig{
			AnnounceInterval: Duration(5 * time.Second),
			PeerTTL:          Duration(30 * time.Second),
		},
		Engine: EngineConfig{
			PollInterval:       Duration(50 * time.Millisecond),
			ReopenCooldown:     Duration(5 * time.Second),
			PollErrorLogWindow: Duration(time.Minute),
		},
		Store: StoreConfig{
			DebounceWindow: Duration(100 * time.Millisecond),
		},
		Propagation: PropagationConfig{
			SyncInterval: Duration(time.Minute),
		},
		Midid: MididConfig{
			Port: 7321,
		},
	}
}

// Load reads the YAML file at path (missing file is fine), then applies
// environment overrides, then fills the data directory default.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}

	if cfg.DataDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolve config directory: %w", err)
		}
		cfg.DataDir = filepath.Join(base, "midimesh")
	}

	return cfg, nil
}

// RoutesPath is the route store's JSON document.
func (c *Config) RoutesPath() string {
	return filepath.Join(c.DataDir, "routes.json")
}

// VirtualPortsPath is the virtual-port store's JSON document.
func (c *Config) VirtualPortsPath() string {
	return filepath.Join(c.DataDir, "virtual-ports.json")
}

// HistoryPath is the SQLite event history database.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.DataDir, "history.db")
}
