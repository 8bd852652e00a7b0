// Package config loads and validates the fsgate configuration document.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds all fsgate configuration.
type Config struct {
	// WorkspaceRoot is the absolute directory every operation is confined to.
	WorkspaceRoot string `json:"workspaceRoot"`

	// AllowedSubdirectories optionally restricts operations to these
	// subtrees of the workspace. Empty means the whole workspace.
	AllowedSubdirectories []string `json:"allowedSubdirectories,omitempty"`

	// BlockedPaths are absolute prefixes under the workspace that are
	// always rejected.
	BlockedPaths []string `json:"blockedPaths,omitempty"`

	// BlockedPatterns are glob patterns ('*' and '?') matched against the
	// full resolved path.
	BlockedPatterns []string `json:"blockedPatterns,omitempty"`

	// Profiles are paths to policy profile files (.toml or .yaml) whose
	// restrictions merge into the policy at startup.
	Profiles []string `json:"profiles,omitempty"`

	MaxFileSize            int64 `json:"maxFileSize"`
	MaxBatchSize           int64 `json:"maxBatchSize"`
	MaxOperationsPerMinute int   `json:"maxOperationsPerMinute"`
	// MaxOperationsPerHour of zero disables the hour window.
	MaxOperationsPerHour int `json:"maxOperationsPerHour,omitempty"`

	EnableAuditLog bool `json:"enableAuditLog"`
	// AuditLogPath of "" sends audit lines to standard error.
	AuditLogPath string `json:"auditLogPath,omitempty"`
	ReadOnly     bool   `json:"readOnly"`

	// Emergency flags, hot-reloadable through the config watcher.
	EmergencyStop     bool `json:"emergencyStop,omitempty"`
	EmergencyReadOnly bool `json:"emergencyReadOnly,omitempty"`

	Server   ServerConfig   `json:"server"`
	Watch    WatchConfig    `json:"watch"`
	Index    IndexConfig    `json:"index"`
	BackupGC BackupGCConfig `json:"backupGC"`
	Relay    RelayConfig    `json:"relay"`

	LogLevel string `json:"logLevel,omitempty"`
}

type ServerConfig struct {
	Port int `json:"port"`
	// AuthSecret of "" disables token authentication (development only).
	AuthSecret      string `json:"authSecret,omitempty"`
	TokenTTLMinutes int    `json:"tokenTtlMinutes"`
}

type WatchConfig struct {
	PollIntervalMs int `json:"pollIntervalMs"`
	MaxSessions    int `json:"maxSessions"`
	BufferSize     int `json:"bufferSize"`
}

type IndexConfig struct {
	// DBPath of "" keeps the index in memory.
	DBPath          string `json:"dbPath,omitempty"`
	MaxContentBytes int64  `json:"maxContentBytes"`
	Workers         int    `json:"workers"`
}

type BackupGCConfig struct {
	Enabled    bool   `json:"enabled"`
	Schedule   string `json:"schedule"`
	TTLMinutes int    `json:"ttlMinutes"`
}

type RelayConfig struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker,omitempty"`
	ClientID    string `json:"clientId,omitempty"`
	TopicPrefix string `json:"topicPrefix,omitempty"`
}

// DefaultConfig returns the configuration defaults. WorkspaceRoot has no
// default; it must come from the document or the command line.
func DefaultConfig() *Config {
	return &Config{
		MaxFileSize:            104857600,  // 100 MiB
		MaxBatchSize:           1073741824, // 1 GiB
		MaxOperationsPerMinute: 100,
		EnableAuditLog:         true,
		Server: ServerConfig{
			Port:            8420,
			TokenTTLMinutes: 60,
		},
		Watch: WatchConfig{
			PollIntervalMs: 200,
			MaxSessions:    64,
			BufferSize:     4096,
		},
		Index: IndexConfig{
			MaxContentBytes: 1 << 20,
			Workers:         4,
		},
		BackupGC: BackupGCConfig{
			Enabled:    true,
			Schedule:   "*/10 * * * *",
			TTLMinutes: 60,
		},
		Relay: RelayConfig{
			ClientID:    "fsgate",
			TopicPrefix: "fsgate",
		},
		LogLevel: "info",
	}
}

// Load reads a config file and overlays it on the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the document for internal consistency. Policy-level checks
// (workspace existence, subdirectory containment) are not made here; they
// happen when the policy is constructed. This catches the obvious mistakes early.
func (c *Config) Validate() error {
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("workspaceRoot is required")
	}
	if !filepath.IsAbs(c.WorkspaceRoot) {
		return fmt.Errorf("workspaceRoot must be an absolute path, got %q", c.WorkspaceRoot)
	}
	if c.MaxFileSize < 0 || c.MaxBatchSize < 0 {
		return fmt.Errorf("size limits must not be negative")
	}
	if c.MaxOperationsPerMinute < 0 || c.MaxOperationsPerHour < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Watch.PollIntervalMs <= 0 {
		return fmt.Errorf("watch.pollIntervalMs must be positive")
	}
	if c.Relay.Enabled && c.Relay.Broker == "" {
		return fmt.Errorf("relay.broker is required when the relay is enabled")
	}
	return nil
}
