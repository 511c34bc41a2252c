// Package server provides the local HTTP API for kiku.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/kiku/internal/chat"
	"github.com/hyperjump/kiku/internal/config"
	"github.com/hyperjump/kiku/internal/models"
	"github.com/hyperjump/kiku/internal/upload"
)

// DocumentSource is the synced document list, usually a *docsync.Poller.
type DocumentSource interface {
	Documents() []models.Document
	Document(documentID string) (models.Document, bool)
	Loading() bool
	LastError() string
	FetchDocuments(ctx context.Context, emitLoading bool) error
}

// HistorySearcher runs transcript searches, usually a *keyword.TranscriptIndex.
type HistorySearcher interface {
	Search(ctx context.Context, q *models.HistoryQuery) (*models.HistorySearchResponse, error)
}

// Dependencies are the components the API serves. History may be nil, in
// which case search returns 501.
type Dependencies struct {
	SessionID  string
	BackendURL string
	Documents  DocumentSource
	Chats      *chat.Manager
	Uploader   *upload.Uploader
	History    HistorySearcher
}

// Server is the HTTP server for the kiku API.
type Server struct {
	deps   Dependencies
	config *config.ServerConfig
	logger *zap.Logger

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates a server with the given dependencies.
func NewServer(deps Dependencies, cfg *config.ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		deps:   deps,
		config: cfg,
		logger: logger,
	}
}

// Router returns the API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(middleware.Compress(5))

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/session", s.handleSession)
		r.Get("/documents", s.handleDocuments)
		r.Post("/documents/refresh", s.handleRefresh)
		r.Post("/upload", s.handleUpload)
		r.Get("/chat/{id}", s.handleChatLoad)
		r.Post("/chat/{id}", s.handleChatSend)
		r.Delete("/chat/{id}", s.handleChatClear)
		r.Get("/history/search", s.handleHistorySearch)
	})
	return r
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// Start starts the HTTP server and blocks until it stops. A clean shutdown
// through Stop returns nil.
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:              s.Addr(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()
	s.logger.Info("Starting server", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}
