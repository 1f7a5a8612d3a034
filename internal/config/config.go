package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// LoaderConfig holds chunked-read cache settings
type LoaderConfig struct {
	ChunkSize       int `json:"chunk_size"`
	MaxCachedChunks int `json:"max_cached_chunks"`
	PreloadChunks   int `json:"preload_chunks"`
}

// WatcherConfig holds change-detection batching settings
type WatcherConfig struct {
	BatchDelayMs    int `json:"batch_delay_ms"`
	MaxBatchSize    int `json:"max_batch_size"`
	ThrottleDelayMs int `json:"throttle_delay_ms,omitempty"`
}

// PoolConfig holds connection pool settings
type PoolConfig struct {
	MaxConnections       int `json:"max_connections"`
	ConnectTimeoutMs     int `json:"connect_timeout_ms"`
	HealthIntervalMs     int `json:"health_interval_ms"`
	SendQueueSize        int `json:"send_queue_size"`
	MaxReconnectAttempts int `json:"max_reconnect_attempts"`
}

// CollabConfig holds collaboration session settings
type CollabConfig struct {
	JournalPath    string `json:"journal_path"`
	GracePeriodSec int    `json:"grace_period_seconds"`
}

// Config represents the engine configuration
type Config struct {
	WorkspaceRoot string        `json:"workspace_root"`
	ListenAddr    string        `json:"listen_addr"`
	LockExpirySec int           `json:"lock_expiry_seconds"`
	Loader        LoaderConfig  `json:"loader"`
	Watcher       WatcherConfig `json:"watcher"`
	Pool          PoolConfig    `json:"pool"`
	Collab        CollabConfig  `json:"collab"`
	LogLevel      string        `json:"log_level"` // debug, info, warn, error, none
	LogPath       string        `json:"-"`
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "linux":
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "syncspace")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "syncspace")
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, "syncspace")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", "syncspace")
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "syncspace")
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	stateDir := defaultStateDir()

	return &Config{
		WorkspaceRoot: ".",
		ListenAddr:    "127.0.0.1:8942",
		LockExpirySec: 300,
		Loader: LoaderConfig{
			ChunkSize:       200,
			MaxCachedChunks: 64,
			PreloadChunks:   1,
		},
		Watcher: WatcherConfig{
			BatchDelayMs: 300,
			MaxBatchSize: 50,
		},
		Pool: PoolConfig{
			MaxConnections:       16,
			ConnectTimeoutMs:     10000,
			HealthIntervalMs:     15000,
			SendQueueSize:        256,
			MaxReconnectAttempts: 10,
		},
		Collab: CollabConfig{
			JournalPath:    filepath.Join(stateDir, "journal.db"),
			GracePeriodSec: 30,
		},
		LogLevel: "info",
		LogPath:  filepath.Join(stateDir, "syncspace.log"),
	}
}

// Load loads configuration from file, merging over defaults
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, config); err != nil {
		return nil, err
	}

	// Ensure critical fields have defaults if still empty
	if config.WorkspaceRoot == "" {
		config.WorkspaceRoot = "."
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.LogPath == "" {
		config.LogPath = filepath.Join(defaultStateDir(), "syncspace.log")
	}
	if config.Collab.JournalPath == "" {
		config.Collab.JournalPath = filepath.Join(defaultStateDir(), "journal.db")
	}
	if config.Loader.ChunkSize <= 0 {
		config.Loader.ChunkSize = 200
	}
	if config.Loader.MaxCachedChunks <= 0 {
		config.Loader.MaxCachedChunks = 64
	}
	if config.Watcher.MaxBatchSize <= 0 {
		config.Watcher.MaxBatchSize = 50
	}
	if config.Pool.MaxConnections <= 0 {
		config.Pool.MaxConnections = 16
	}

	return config, nil
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// LockExpiry returns the lock expiry as a duration
func (c *Config) LockExpiry() time.Duration {
	return time.Duration(c.LockExpirySec) * time.Second
}

// BatchDelay returns the watcher batch delay as a duration
func (c *Config) BatchDelay() time.Duration {
	return time.Duration(c.Watcher.BatchDelayMs) * time.Millisecond
}

// ThrottleDelay returns the watcher throttle delay as a duration
func (c *Config) ThrottleDelay() time.Duration {
	return time.Duration(c.Watcher.ThrottleDelayMs) * time.Millisecond
}

// ConnectTimeout returns the pool connect timeout as a duration
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Pool.ConnectTimeoutMs) * time.Millisecond
}

// HealthInterval returns the pool health probe interval as a duration
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Pool.HealthIntervalMs) * time.Millisecond
}

// CollabGracePeriod returns how long an empty session is retained
func (c *Config) CollabGracePeriod() time.Duration {
	return time.Duration(c.Collab.GracePeriodSec) * time.Second
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config", "syncspace", "config.json")
}
