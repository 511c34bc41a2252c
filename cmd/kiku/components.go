package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/hyperjump/kiku/internal/chat"
	"github.com/hyperjump/kiku/internal/config"
	"github.com/hyperjump/kiku/internal/inflight"
	"github.com/hyperjump/kiku/internal/keyword"
	"github.com/hyperjump/kiku/internal/remote"
	"github.com/hyperjump/kiku/internal/session"
	"github.com/hyperjump/kiku/internal/storage"
	"github.com/hyperjump/kiku/internal/upload"
	"github.com/hyperjump/kiku/pkg/utils"
)

// Components holds initialized services.
type Components struct {
	Config    *config.Config
	Logger    *zap.Logger
	Sessions  *session.Store
	SessionID string
	Client    *remote.Client
	Store     *storage.SQLiteStorage
	Index     *keyword.TranscriptIndex
	Uploader  *upload.Uploader
	Guard     *inflight.Guard
}

func (c *Components) Close() {
	if c.Index != nil {
		_ = c.Index.Close()
	}
	if c.Store != nil {
		_ = c.Store.Close()
	}
	if c.Logger != nil {
		_ = c.Logger.Sync()
	}
}

// chatOptions returns coordinator options built from config.
func (c *Components) chatOptions() []chat.Option {
	opts := []chat.Option{
		chat.WithGuard(c.Guard),
		chat.WithMaxQuestionLength(c.Config.Chat.MaxQuestionLength),
		chat.WithLogger(c.Logger),
	}
	if c.Index != nil {
		opts = append(opts, chat.WithIndexer(c.Index))
	}
	return opts
}

// newCoordinator returns a coordinator for one-off commands.
func (c *Components) newCoordinator() *chat.Coordinator {
	return chat.NewCoordinator(c.Store, c.Client, c.chatOptions()...)
}

// openIndex opens the transcript index if it is not open yet.
func (c *Components) openIndex() error {
	if c.Index != nil {
		return nil
	}
	idx, err := keyword.NewTranscriptIndex(c.Config.Storage.IndexPath)
	if err != nil {
		return err
	}
	c.Index = idx
	return nil
}

// rebuildIndex replaces the index content with every stored transcript.
func (c *Components) rebuildIndex(ctx context.Context) (int, error) {
	transcripts, err := c.Store.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	return c.Index.Rebuild(ctx, transcripts)
}

func logFileOptions(cfg *config.Config) utils.LogFileOptions {
	return utils.LogFileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}
}

// newCommandLogger returns the logger for short-lived commands: silent on the
// console unless debug is set, but still writing to the log file when one is
// configured.
func newCommandLogger(cfg *config.Config, debug bool) (*zap.Logger, error) {
	if debug || cfg.Log.File != "" {
		return utils.NewLoggerWithFile(debug, logFileOptions(cfg))
	}
	return zap.NewNop(), nil
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	sessions := session.NewStore(cfg.Storage.SessionPath)
	sessionID, created, err := sessions.Bootstrap()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session: %w", err)
	}
	if created {
		logger.Info("created new session", zap.String("session_path", sessions.Path()))
	}

	clientOpts := []remote.Option{remote.WithLogger(logger)}
	if cfg.Backend.RequestTimeout > 0 {
		clientOpts = append(clientOpts, remote.WithTimeout(cfg.Backend.RequestTimeout))
	}
	client := remote.New(cfg.Backend.BaseURL, sessionID, clientOpts...)

	var guard *inflight.Guard
	if cfg.Chat.GuardSendsOrDefault() {
		guard = inflight.New(cfg.Chat.InFlightTTL)
	}

	uploader := upload.NewUploader(client,
		upload.WithRules(upload.Rules{
			Extensions:     cfg.Upload.AllowedExtensions,
			MaxBytes:       cfg.Upload.MaxSizeBytes,
			InspectContent: cfg.Upload.InspectContentOrDefault(),
		}),
		upload.WithLogger(logger),
	)

	return &Components{
		Config:    cfg,
		Logger:    logger,
		Sessions:  sessions,
		SessionID: sessionID,
		Client:    client,
		Store:     storage.NewSQLiteStorage(cfg.Storage.DatabasePath),
		Uploader:  uploader,
		Guard:     guard,
	}, nil
}

// mustSetup loads config, builds the logger, and initializes components,
// exiting on failure.
func mustSetup(configPath string, debug bool) *Components {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fail("Failed to load config: %v", err)
	}
	logger, err := newCommandLogger(cfg, cfg.Debug || debug)
	if err != nil {
		fail("Failed to create logger: %v", err)
	}
	components, err := initializeComponents(cfg, logger)
	if err != nil {
		fail("Failed to initialize: %v", err)
	}
	return components
}

func exitIfErr(c *Components, err error, format string, args ...interface{}) {
	if err == nil {
		return
	}
	c.Close()
	fmt.Fprintf(os.Stderr, format+": %s\n", append(args, errorMessage(err))...)
	os.Exit(1)
}
