package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/kiku/internal/chat"
	"github.com/hyperjump/kiku/internal/docsync"
	"github.com/hyperjump/kiku/internal/keyword"
	"github.com/hyperjump/kiku/internal/models"
	"github.com/hyperjump/kiku/internal/server"
	"github.com/hyperjump/kiku/internal/storage"
	"github.com/hyperjump/kiku/internal/upload"
	"github.com/hyperjump/kiku/internal/watcher"
	"github.com/hyperjump/kiku/pkg/utils"
)

func runDaemon() {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	configPath, debug := commonFlags(fs)
	uploadExisting := fs.Bool("upload-existing", false, "upload files already in the drop folders at startup")
	ephemeral := fs.Bool("ephemeral", false, "keep chat history in memory only")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fail("Failed to load config: %v", err)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLoggerWithFile(debugMode, logFileOptions(cfg))
	if err != nil {
		fail("Failed to create logger: %v", err)
	}
	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store storage.TranscriptStore = components.Store
	if *ephemeral {
		store = storage.NewMemoryStorage()
		idx, err := keyword.NewMemTranscriptIndex()
		if err != nil {
			logger.Fatal("Failed to create search index", zap.Error(err))
		}
		components.Index = idx
		logger.Info("ephemeral mode: chat history is not saved")
	} else {
		if err := components.Store.Open(ctx); err != nil {
			logger.Fatal("Failed to open chat history", zap.Error(err))
		}
		if err := components.openIndex(); err != nil {
			logger.Fatal("Failed to open search index", zap.Error(err))
		}
		if n, err := components.rebuildIndex(ctx); err != nil {
			logger.Warn("search index rebuild failed", zap.Error(err))
		} else {
			logger.Info("search index rebuilt", zap.Int("messages", n))
		}
	}

	if err := serve(ctx, components, store, *uploadExisting); err != nil {
		logger.Error("daemon stopped", zap.Error(err))
		components.Close()
		os.Exit(1)
	}
	logger.Info("Shut down")
}

// serve runs the poller, the local API, and the drop folder until ctx is done
// or one of them fails.
func serve(ctx context.Context, c *Components, store storage.TranscriptStore, uploadExisting bool) error {
	cfg, logger := c.Config, c.Logger
	chats := chat.NewManager(store, c.Client, c.chatOptions()...)
	poller := docsync.NewPoller(c.Client,
		docsync.WithInterval(cfg.Sync.PollInterval),
		docsync.WithOverlapGuard(cfg.Sync.SkipOverlappingOrDefault()),
		docsync.WithLogger(logger),
		docsync.WithOnChange(func(docs []models.Document) {
			chats.Sync(docs)
			logger.Info("document list changed", zap.Int("documents", len(docs)))
		}),
		docsync.WithOnError(func(msg string) {
			logger.Warn("document sync failed", zap.String("error", msg))
		}),
	)
	srv := server.NewServer(server.Dependencies{
		SessionID:  c.SessionID,
		BackendURL: c.Client.BaseURL(),
		Documents:  poller,
		Chats:      chats,
		Uploader:   c.Uploader,
		History:    c.Index,
	}, &cfg.Server, logger)

	logger.Info("daemon starting",
		zap.String("backend", c.Client.BaseURL()),
		zap.Duration("poll_interval", poller.Interval()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return poller.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.Start(); err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})

	if len(cfg.Watch.Directories) > 0 {
		drop := upload.NewDropFolder(c.Uploader, logger)
		drop.OnUpload(func(path string, resp *models.UploadResponse) {
			if err := poller.FetchDocuments(gctx, false); err != nil && !errors.Is(err, context.Canceled) {
				logger.Debug("refresh after drop-folder upload failed", zap.Error(err))
			}
		})
		w := watcher.New(cfg.Watch.Directories, cfg.Upload.AllowedExtensions, cfg.Watch.RecursiveOrDefault(),
			func(path string) {
				_, _ = drop.Handle(gctx, path)
			},
			watcher.WithLogger(logger),
		)
		g.Go(func() error {
			if err := w.Start(gctx); err != nil {
				return fmt.Errorf("watcher: %w", err)
			}
			logger.Info("watching drop folders", zap.Strings("directories", w.Directories()))
			if uploadExisting {
				w.SyncExistingFiles()
			}
			<-gctx.Done()
			w.Stop()
			return nil
		})
	}

	return g.Wait()
}
