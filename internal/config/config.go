// Package config provides configuration loading and structs for the kiku client.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the client and its daemon.
type Config struct {
	Debug   bool          `yaml:"debug"`
	Backend BackendConfig `yaml:"backend"`
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Sync    SyncConfig    `yaml:"sync"`
	Chat    ChatConfig    `yaml:"chat"`
	Upload  UploadConfig  `yaml:"upload"`
	Watch   WatchConfig   `yaml:"watch"`
	Log     LogConfig     `yaml:"log"`
}

// BackendConfig points at the document QA backend.
type BackendConfig struct {
	BaseURL string `yaml:"base_url"`
	// RequestTimeout bounds each backend call. Zero means no client-side timeout.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ServerConfig holds the local API listen address.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds paths for local state.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	SessionPath  string `yaml:"session_path"`
	IndexPath    string `yaml:"index_path"`
}

// SyncConfig holds document list polling settings.
type SyncConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	// SkipOverlapping skips a tick while the previous fetch is still running.
	SkipOverlapping *bool `yaml:"skip_overlapping"`
}

// SkipOverlappingOrDefault defaults to true when unset.
func (s *SyncConfig) SkipOverlappingOrDefault() bool {
	if s.SkipOverlapping != nil {
		return *s.SkipOverlapping
	}
	return true
}

// ChatConfig holds chat session settings.
type ChatConfig struct {
	MaxQuestionLength int `yaml:"max_question_length"`
	// GuardSends rejects a second send for a document while one is outstanding.
	GuardSends *bool `yaml:"guard_sends"`
	// InFlightTTL releases a stuck in-flight marker after this long.
	InFlightTTL time.Duration `yaml:"in_flight_ttl"`
}

// GuardSendsOrDefault defaults to true when unset.
func (c *ChatConfig) GuardSendsOrDefault() bool {
	if c.GuardSends != nil {
		return *c.GuardSends
	}
	return true
}

// UploadConfig holds client-side upload rules.
type UploadConfig struct {
	AllowedExtensions []string `yaml:"allowed_extensions"`
	MaxSizeBytes      int64    `yaml:"max_size_bytes"`
	// InspectContent rejects files whose content cannot be parsed before uploading them.
	InspectContent *bool `yaml:"inspect_content"`
}

// InspectContentOrDefault defaults to true when unset.
func (u *UploadConfig) InspectContentOrDefault() bool {
	if u.InspectContent != nil {
		return *u.InspectContent
	}
	return true
}

// WatchConfig holds drop-folder settings. Matching files dropped in these
// directories are uploaded.
type WatchConfig struct {
	Directories []string `yaml:"directories"`
	Recursive   *bool    `yaml:"recursive"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// LogConfig holds the optional rotating log file.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Load reads and parses the config file at path, applies defaults, and expands paths.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	expandPaths(&cfg, filepath.Dir(path))
	return &cfg, nil
}

// Default returns a config with every default applied, as if loaded from an empty file
// in the current directory.
func Default() *Config {
	var cfg Config
	ApplyDefaults(&cfg)
	dir, err := os.Getwd()
	if err != nil {
		dir = "."
	}
	expandPaths(&cfg, dir)
	return &cfg
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func expandPaths(cfg *Config, configDir string) {
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.SessionPath = expandPath(cfg.Storage.SessionPath, configDir)
	cfg.Storage.IndexPath = expandPath(cfg.Storage.IndexPath, configDir)
	if cfg.Log.File != "" {
		cfg.Log.File = expandPath(cfg.Log.File, configDir)
	}
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
