package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/kiku/internal/chat"
	"github.com/hyperjump/kiku/internal/models"
)

// maxMultipartMemory is how much of an upload form is buffered in memory.
const maxMultipartMemory = 32 << 20

type documentsResponse struct {
	Documents []models.Document `json:"documents"`
	Count     int               `json:"count"`
	Loading   bool              `json:"loading"`
	Error     string            `json:"error,omitempty"`
}

type chatResponse struct {
	DocumentID    string           `json:"document_id"`
	Filename      string           `json:"filename"`
	Processed     bool             `json:"processed"`
	State         chat.State       `json:"state"`
	HistoryLoaded bool             `json:"history_loaded"`
	Messages      []models.Message `json:"messages"`
}

type sendRequest struct {
	Question string `json:"question"`
}

type sendResponse struct {
	Reply models.Message `json:"reply"`
	Chat  chatResponse   `json:"chat"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"session_id":  s.deps.SessionID,
		"backend_url": s.deps.BackendURL,
	})
}

func (s *Server) documentsSnapshot() documentsResponse {
	docs := s.deps.Documents.Documents()
	if docs == nil {
		docs = []models.Document{}
	}
	return documentsResponse{
		Documents: docs,
		Count:     len(docs),
		Loading:   s.deps.Documents.Loading(),
		Error:     s.deps.Documents.LastError(),
	}
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.documentsSnapshot())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Documents.FetchDocuments(r.Context(), true); err != nil {
		s.logger.Warn("document refresh failed", zap.Error(err))
	}
	// The snapshot carries the error message.
	s.respondJSON(w, http.StatusOK, s.documentsSnapshot())
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Uploader == nil {
		s.respondError(w, http.StatusNotImplemented, "upload not enabled")
		return
	}
	limit := s.deps.Uploader.Rules().MaxBytes
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()
	var body io.Reader = file
	if limit > 0 {
		body = io.LimitReader(file, limit+1)
	}
	content, err := io.ReadAll(body)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "failed to read file")
		return
	}
	s.logger.Debug("upload request", zap.String("file", header.Filename), zap.Int("bytes", len(content)))
	resp, err := s.deps.Uploader.UploadBytes(r.Context(), header.Filename, content)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if err := s.deps.Documents.FetchDocuments(r.Context(), false); err != nil {
		s.logger.Debug("refresh after upload failed", zap.Error(err))
	}
	s.respondJSON(w, http.StatusCreated, resp)
}

// openChat resolves the document in the URL against the synced list and
// returns its loaded coordinator.
func (s *Server) openChat(ctx context.Context, w http.ResponseWriter, r *http.Request) (*chat.Coordinator, bool) {
	id := chi.URLParam(r, "id")
	doc, ok := s.deps.Documents.Document(id)
	if !ok {
		s.respondError(w, http.StatusNotFound, "document not found")
		return nil, false
	}
	c, err := s.deps.Chats.Open(ctx, doc)
	if err != nil {
		s.respondErr(w, err)
		return nil, false
	}
	return c, true
}

func viewChat(c *chat.Coordinator) chatResponse {
	doc, _ := c.Document()
	return chatResponse{
		DocumentID:    doc.DocumentID,
		Filename:      doc.Filename,
		Processed:     doc.Processed,
		State:         c.State(),
		HistoryLoaded: c.HistoryLoaded(),
		Messages:      c.Messages(),
	}
}

func (s *Server) handleChatLoad(w http.ResponseWriter, r *http.Request) {
	c, ok := s.openChat(r.Context(), w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, viewChat(c))
}

func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	c, ok := s.openChat(r.Context(), w, r)
	if !ok {
		return
	}
	reply, err := c.Send(r.Context(), req.Question)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, sendResponse{Reply: reply, Chat: viewChat(c)})
}

func (s *Server) handleChatClear(w http.ResponseWriter, r *http.Request) {
	c, ok := s.openChat(r.Context(), w, r)
	if !ok {
		return
	}
	if err := c.Clear(r.Context()); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, viewChat(c))
}

func (s *Server) handleHistorySearch(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		s.respondError(w, http.StatusNotImplemented, "history search not enabled")
		return
	}
	params := r.URL.Query()
	q := &models.HistoryQuery{
		Query:      strings.TrimSpace(params.Get("q")),
		DocumentID: params.Get("document_id"),
	}
	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "limit must be a number")
			return
		}
		q.Limit = n
	}
	if v := params.Get("fuzzy"); v != "" {
		fuzzy, err := strconv.ParseBool(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "fuzzy must be a boolean")
			return
		}
		q.Fuzzy = fuzzy
	}
	if err := q.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := s.deps.History.Search(r.Context(), q)
	if err != nil {
		s.logger.Error("history search failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case models.IsValidation(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, chat.ErrNotProcessed),
		errors.Is(err, chat.ErrSendInFlight),
		errors.Is(err, chat.ErrHistoryNotLoaded):
		return http.StatusConflict
	case errors.Is(err, chat.ErrNoDocument):
		return http.StatusNotFound
	case models.IsNetwork(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if detail := models.ErrorDetail(err); detail != "" {
		msg = detail
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	s.respondError(w, status, msg)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
