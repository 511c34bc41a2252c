// Package remote is the HTTP client for the document question-answering backend.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kiku/internal/models"
)

// SessionHeader carries the session id on upload and ask requests.
const SessionHeader = "X-Session-Id"

// maxErrorBody bounds how much of a failed response is read when looking for a detail.
const maxErrorBody = 64 << 10

// Client calls the backend API on behalf of one session.
type Client struct {
	baseURL   string
	sessionID string
	http      *http.Client
	logger    *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets a per-request timeout. Zero means none.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http = &http.Client{Timeout: d, Transport: c.http.Transport}
	}
}

// WithLogger sets the logger used for request tracing at debug level.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a client for baseURL scoped to sessionID.
func New(baseURL, sessionID string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		sessionID: sessionID,
		http:      &http.Client{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SessionID returns the session the client is scoped to.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Upload sends one file as multipart form field "file".
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (*models.UploadResponse, error) {
	const op = "upload"
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, &models.NetworkError{Op: op, Err: err}
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, &models.NetworkError{Op: op, Err: fmt.Errorf("read %s: %w", filename, err)}
	}
	if err := mw.Close(); err != nil {
		return nil, &models.NetworkError{Op: op, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/upload", &body)
	if err != nil {
		return nil, &models.NetworkError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(SessionHeader, c.sessionID)

	var out models.UploadResponse
	if err := c.do(op, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDocuments returns the documents visible to the session.
func (c *Client) ListDocuments(ctx context.Context) (*models.DocumentListResponse, error) {
	const op = "list documents"
	u := c.baseURL + "/api/v1/documents?session_id=" + url.QueryEscape(c.sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &models.NetworkError{Op: op, Err: err}
	}
	var out models.DocumentListResponse
	if err := c.do(op, req, &out); err != nil {
		return nil, err
	}
	if out.Documents == nil {
		out.Documents = []models.Document{}
	}
	return &out, nil
}

// GetDocument returns one document by canonical id.
func (c *Client) GetDocument(ctx context.Context, documentID string) (*models.Document, error) {
	const op = "get document"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.documentURL(documentID), nil)
	if err != nil {
		return nil, &models.NetworkError{Op: op, Err: err}
	}
	var out models.Document
	if err := c.do(op, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DocumentStatus returns the backend's processing status for a document.
func (c *Client) DocumentStatus(ctx context.Context, documentID string) (*models.DocumentStatus, error) {
	const op = "document status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.documentURL(documentID)+"/status", nil)
	if err != nil {
		return nil, &models.NetworkError{Op: op, Err: err}
	}
	var out models.DocumentStatus
	if err := c.do(op, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ask sends a question about a document and returns the backend's answer.
func (c *Client) Ask(ctx context.Context, documentID, question string) (*models.AskResponse, error) {
	const op = "ask"
	payload, err := json.Marshal(models.AskRequest{DocumentID: documentID, Question: question})
	if err != nil {
		return nil, &models.NetworkError{Op: op, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/ask", bytes.NewReader(payload))
	if err != nil {
		return nil, &models.NetworkError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SessionHeader, c.sessionID)

	var out models.AskResponse
	if err := c.do(op, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) documentURL(documentID string) string {
	return c.baseURL + "/api/v1/documents/" + url.PathEscape(documentID)
}

func (c *Client) do(op string, req *http.Request, out interface{}) error {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("backend request failed",
			zap.String("op", op),
			zap.String("url", req.URL.Redacted()),
			zap.Error(err),
		)
		return &models.NetworkError{Op: op, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()
	c.logger.Debug("backend request",
		zap.String("op", op),
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &models.NetworkError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Detail:     parseDetail(b),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &models.NetworkError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// parseDetail extracts the "detail" of an error body. Validation errors carry
// a list of objects with "msg"; those messages are joined.
func parseDetail(body []byte) string {
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Detail) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(envelope.Detail, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(envelope.Detail, &items); err == nil {
		var msgs []string
		for _, it := range items {
			if it.Msg != "" {
				msgs = append(msgs, it.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return ""
}
