// Package remotetest provides an in-process fake of the question-answering backend.
package remotetest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hyperjump/kiku/internal/models"
)

// Backend is a fake backend holding documents per session in memory.
type Backend struct {
	*httptest.Server

	mu        sync.Mutex
	docs      map[string][]models.Document
	seq       int
	listCalls int
	askCalls  int
	listErr   *failure
	askErr    *failure
	answer    func(req models.AskRequest) models.AskResponse
	listDelay time.Duration
}

type failure struct {
	status int
	detail string
}

// NewBackend starts a fake backend. Call Close when done.
func NewBackend() *Backend {
	b := &Backend{docs: make(map[string][]models.Document)}
	b.answer = func(req models.AskRequest) models.AskResponse {
		return models.AskResponse{Answer: "Answer to: " + req.Question}
	}
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/upload", b.handleUpload)
		r.Get("/documents", b.handleList)
		r.Get("/documents/{id}", b.handleGet)
		r.Get("/documents/{id}/status", b.handleStatus)
		r.Post("/ask", b.handleAsk)
	})
	b.Server = httptest.NewServer(r)
	return b
}

// AddDocument registers a document for its SessionID.
func (b *Backend) AddDocument(doc models.Document) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs[doc.SessionID] = append(b.docs[doc.SessionID], doc)
}

// SetStatus updates status and processed of a document in every session.
func (b *Backend) SetStatus(documentID, status string, processed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sid, docs := range b.docs {
		for i := range docs {
			if docs[i].DocumentID == documentID {
				b.docs[sid][i].Status = status
				b.docs[sid][i].Processed = processed
			}
		}
	}
}

// Documents returns a copy of the documents of a session.
func (b *Backend) Documents(sessionID string) []models.Document {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Document(nil), b.docs[sessionID]...)
}

// FailList makes the listing endpoint fail. A zero status clears the failure.
func (b *Backend) FailList(status int, detail string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listErr = newFailure(status, detail)
}

// FailAsk makes the ask endpoint fail. A zero status clears the failure.
func (b *Backend) FailAsk(status int, detail string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.askErr = newFailure(status, detail)
}

// SetAnswer replaces the answer function.
func (b *Backend) SetAnswer(fn func(models.AskRequest) models.AskResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.answer = fn
}

// SetListDelay delays every listing response.
func (b *Backend) SetListDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listDelay = d
}

// ListCalls returns how many listing requests were served.
func (b *Backend) ListCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listCalls
}

// AskCalls returns how many ask requests were served.
func (b *Backend) AskCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.askCalls
}

func newFailure(status int, detail string) *failure {
	if status == 0 {
		return nil
	}
	return &failure{status: status, detail: detail}
}

func (b *Backend) handleUpload(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("X-Session-Id")
	if sessionID == "" {
		writeDetail(w, http.StatusBadRequest, "missing session id")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "missing file")
		return
	}
	defer file.Close()
	n, _ := io.Copy(io.Discard, file)

	b.mu.Lock()
	b.seq++
	doc := models.Document{
		ID:         fmt.Sprintf("local-%d", b.seq),
		DocumentID: fmt.Sprintf("doc-%d", b.seq),
		SessionID:  sessionID,
		Filename:   header.Filename,
		Status:     models.StatusUploaded,
		UploadDate: time.Now().UTC().Format(time.RFC3339),
		FileSize:   n,
		FileType:   header.Header.Get("Content-Type"),
		BlobName:   fmt.Sprintf("%s/%s", sessionID, header.Filename),
	}
	b.docs[sessionID] = append(b.docs[sessionID], doc)
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, models.UploadResponse{
		Message:    "File uploaded successfully",
		DocumentID: doc.DocumentID,
		Filename:   doc.Filename,
		Size:       n,
		Status:     doc.Status,
	})
}

func (b *Backend) handleList(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.listCalls++
	fail, delay := b.listErr, b.listDelay
	docs := append([]models.Document{}, b.docs[r.URL.Query().Get("session_id")]...)
	b.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if fail != nil {
		writeDetail(w, fail.status, fail.detail)
		return
	}
	writeJSON(w, http.StatusOK, models.DocumentListResponse{Documents: docs, Count: len(docs)})
}

func (b *Backend) find(id string) (models.Document, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, docs := range b.docs {
		for _, d := range docs {
			if d.DocumentID == id {
				return d, true
			}
		}
	}
	return models.Document{}, false
}

func (b *Backend) handleGet(w http.ResponseWriter, r *http.Request) {
	doc, ok := b.find(chi.URLParam(r, "id"))
	if !ok {
		writeDetail(w, http.StatusNotFound, "Document not found")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (b *Backend) handleStatus(w http.ResponseWriter, r *http.Request) {
	doc, ok := b.find(chi.URLParam(r, "id"))
	if !ok {
		writeDetail(w, http.StatusNotFound, "Document not found")
		return
	}
	writeJSON(w, http.StatusOK, models.DocumentStatus{
		DocumentID: doc.DocumentID,
		Status:     doc.Status,
		Message:    "Document is " + doc.Status,
	})
}

func (b *Backend) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req models.AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	b.mu.Lock()
	b.askCalls++
	fail, answer := b.askErr, b.answer
	b.mu.Unlock()
	if fail != nil {
		writeDetail(w, fail.status, fail.detail)
		return
	}
	writeJSON(w, http.StatusOK, answer(req))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	if detail == "" {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, map[string]string{"detail": detail})
}
