package config

import "time"

// Defaults shared with callers that build components without a config file.
const (
	DefaultBaseURL           = "http://localhost:8000"
	DefaultPollInterval      = 10 * time.Second
	DefaultMaxQuestionLength = 1000
	DefaultMaxUploadBytes    = 100 * 1024 * 1024
	DefaultInFlightTTL       = 5 * time.Minute
)

// DefaultAllowedExtensions are the upload types the backend accepts.
var DefaultAllowedExtensions = []string{".pdf", ".jpg", ".jpeg", ".png", ".docx"}

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Backend.BaseURL == "" {
		cfg.Backend.BaseURL = DefaultBaseURL
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8787
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = ".kiku/history.db"
	}
	if cfg.Storage.SessionPath == "" {
		cfg.Storage.SessionPath = ".kiku/session_id"
	}
	if cfg.Storage.IndexPath == "" {
		cfg.Storage.IndexPath = ".kiku/index/history.bleve"
	}
	if cfg.Sync.PollInterval <= 0 {
		cfg.Sync.PollInterval = DefaultPollInterval
	}
	if cfg.Chat.MaxQuestionLength <= 0 {
		cfg.Chat.MaxQuestionLength = DefaultMaxQuestionLength
	}
	if cfg.Chat.InFlightTTL <= 0 {
		cfg.Chat.InFlightTTL = DefaultInFlightTTL
	}
	if cfg.Upload.AllowedExtensions == nil {
		cfg.Upload.AllowedExtensions = append([]string(nil), DefaultAllowedExtensions...)
	}
	if cfg.Upload.MaxSizeBytes <= 0 {
		cfg.Upload.MaxSizeBytes = DefaultMaxUploadBytes
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
	if cfg.Log.File != "" {
		if cfg.Log.MaxSizeMB == 0 {
			cfg.Log.MaxSizeMB = 10
		}
		if cfg.Log.MaxBackups == 0 {
			cfg.Log.MaxBackups = 5
		}
		if cfg.Log.MaxAgeDays == 0 {
			cfg.Log.MaxAgeDays = 30
		}
	}
}
