// Package config loads and watches the kioskd configuration file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/huh"
	"gopkg.in/yaml.v3"
)

var (
	ErrConfigNotFound = errors.New("config file not found")
	ErrInvalidConfig  = errors.New("invalid config")
)

const (
	DefaultPort                = 7447
	DefaultBindAddress         = "127.0.0.1"
	DefaultIframeURL           = "https://default.url"
	DefaultInactiveTimeoutMs   = 30000
	DefaultHeartbeatIntervalMs = 15000
	DefaultTaskCleanupMs       = 10000

	configFileName = "config.yaml"
	dbFileName     = "kioskd.db"
)

// Config represents the daemon configuration. Getters are safe to call
// concurrently with Reload, so timing knobs can be hot-reloaded.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Network  NetworkConfig  `yaml:"network"`
	Sessions SessionsConfig `yaml:"sessions"`
	Tasks    TasksConfig    `yaml:"tasks"`

	path string
	mu   sync.RWMutex
}

// StorageConfig holds the persistent store connection string.
type StorageConfig struct {
	// Path is the SQLite database location backing the durable mirror.
	Path string `yaml:"path"`
}

// NetworkConfig controls server binding.
type NetworkConfig struct {
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`
}

// SessionsConfig holds session lifecycle timing.
type SessionsConfig struct {
	DefaultIframeURL     string `yaml:"default_iframe_url"`
	InactiveTimeoutMs    int    `yaml:"inactive_timeout_ms"`
	HeartbeatIntervalMs  int    `yaml:"heartbeat_interval_ms"`
	MaxStreamsPerSession int    `yaml:"max_streams_per_session"` // 0 = unlimited
}

// TasksConfig holds task queue sweep timing.
type TasksConfig struct {
	CleanupIntervalMs int `yaml:"cleanup_interval_ms"`
}

// ConfigDir returns the kioskd configuration directory (~/.kioskd).
func ConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".kioskd"), nil
}

// DefaultPath returns the default config file path.
func DefaultPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}

// Default returns a config populated with defaults, rooted at dir.
func Default(dir string) *Config {
	return &Config{
		Storage: StorageConfig{Path: filepath.Join(dir, dbFileName)},
		Network: NetworkConfig{BindAddress: DefaultBindAddress, Port: DefaultPort},
		Sessions: SessionsConfig{
			DefaultIframeURL:    DefaultIframeURL,
			InactiveTimeoutMs:   DefaultInactiveTimeoutMs,
			HeartbeatIntervalMs: DefaultHeartbeatIntervalMs,
		},
		Tasks: TasksConfig{CleanupIntervalMs: DefaultTaskCleanupMs},
		path:  filepath.Join(dir, configFileName),
	}
}

// Load reads the config from the default path.
func Load() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the config from path, filling unset fields with defaults.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default(filepath.Dir(path))
	cfg.path = path
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to its path.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return fmt.Errorf("config path is empty, cannot save")
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Reload re-reads the config file in place. Invalid content leaves the
// current values untouched.
func (c *Config) Reload() error {
	c.mu.RLock()
	path := c.path
	c.mu.RUnlock()

	next, err := LoadFrom(path)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.Storage = next.Storage
	c.Network = next.Network
	c.Sessions = next.Sessions
	c.Tasks = next.Tasks
	c.mu.Unlock()
	return nil
}

// Path returns the file path this config was loaded from.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

func (c *Config) validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("%w: storage.path is required", ErrInvalidConfig)
	}
	if c.Network.Port <= 0 || c.Network.Port > 65535 {
		return fmt.Errorf("%w: network.port must be 1-65535", ErrInvalidConfig)
	}
	if c.Sessions.InactiveTimeoutMs <= 0 {
		return fmt.Errorf("%w: sessions.inactive_timeout_ms must be positive", ErrInvalidConfig)
	}
	if c.Sessions.HeartbeatIntervalMs <= 0 {
		return fmt.Errorf("%w: sessions.heartbeat_interval_ms must be positive", ErrInvalidConfig)
	}
	if c.Tasks.CleanupIntervalMs <= 0 {
		return fmt.Errorf("%w: tasks.cleanup_interval_ms must be positive", ErrInvalidConfig)
	}
	if c.Sessions.MaxStreamsPerSession < 0 {
		return fmt.Errorf("%w: sessions.max_streams_per_session must not be negative", ErrInvalidConfig)
	}
	if _, err := url.ParseRequestURI(c.Sessions.DefaultIframeURL); err != nil {
		return fmt.Errorf("%w: sessions.default_iframe_url: %v", ErrInvalidConfig, err)
	}
	return nil
}

// GetStoragePath returns the SQLite connection path.
func (c *Config) GetStoragePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Storage.Path
}

// GetListenAddr returns the host:port the server binds to.
func (c *Config) GetListenAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Network.BindAddress, c.Network.Port)
}

// GetDefaultIframeURL returns the landing URL for new sessions.
func (c *Config) GetDefaultIframeURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Sessions.DefaultIframeURL
}

// GetInactiveTimeout returns the session inactivity timeout.
func (c *Config) GetInactiveTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Sessions.InactiveTimeoutMs) * time.Millisecond
}

// GetHeartbeatInterval returns the heartbeat stream tick interval.
func (c *Config) GetHeartbeatInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Sessions.HeartbeatIntervalMs) * time.Millisecond
}

// GetMaxStreamsPerSession returns the concurrent heartbeat stream limit
// per session; zero means unlimited.
func (c *Config) GetMaxStreamsPerSession() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Sessions.MaxStreamsPerSession
}

// GetTaskCleanupInterval returns the completed-task sweep interval.
func (c *Config) GetTaskCleanupInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Tasks.CleanupIntervalMs) * time.Millisecond
}

// EnsureExists checks that a config file exists, offering to create a
// default one interactively when missing. Returns false if the user
// declined.
func EnsureExists() (bool, error) {
	path, err := DefaultPath()
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err == nil {
		return true, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to stat config: %w", err)
	}

	create := true
	err = huh.NewConfirm().
		Title(fmt.Sprintf("No config found at %s. Create one with defaults?", path)).
		Value(&create).
		Run()
	if err != nil {
		return false, fmt.Errorf("config prompt failed: %w", err)
	}
	if !create {
		return false, nil
	}

	landing := DefaultIframeURL
	err = huh.NewInput().
		Title("Default landing URL for new kiosk sessions").
		Value(&landing).
		Run()
	if err != nil {
		return false, fmt.Errorf("config prompt failed: %w", err)
	}

	cfg := Default(filepath.Dir(path))
	cfg.Sessions.DefaultIframeURL = landing
	if err := cfg.validate(); err != nil {
		return false, err
	}
	if err := cfg.Save(); err != nil {
		return false, err
	}
	fmt.Printf("Created %s\n", path)
	return true, nil
}
