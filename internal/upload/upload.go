// Package upload validates local files and sends them to the backend.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/kiku/internal/extract"
	"github.com/hyperjump/kiku/internal/models"
)

// DefaultMaxBytes is the largest file the backend accepts.
const DefaultMaxBytes = 100 * 1024 * 1024

// DefaultExtensions are the file types the backend accepts.
var DefaultExtensions = []string{".pdf", ".jpg", ".jpeg", ".png", ".docx"}

// Rules bound what may be uploaded.
type Rules struct {
	Extensions []string
	MaxBytes   int64
	// InspectContent rejects files whose content cannot be parsed.
	InspectContent bool
}

// DefaultRules returns the backend's limits with content inspection on.
func DefaultRules() Rules {
	return Rules{
		Extensions:     append([]string(nil), DefaultExtensions...),
		MaxBytes:       DefaultMaxBytes,
		InspectContent: true,
	}
}

// ValidateFile checks the name and size of a file before upload.
func ValidateFile(name string, size int64, rules Rules) error {
	if strings.TrimSpace(name) == "" {
		return &models.ValidationError{Field: "file", Reason: "name cannot be empty"}
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !allowed(ext, rules.Extensions) {
		return &models.ValidationError{
			Field:  "file",
			Reason: fmt.Sprintf("unsupported type %q (allowed: %s)", ext, strings.Join(rules.Extensions, ", ")),
		}
	}
	if size <= 0 {
		return &models.ValidationError{Field: "file", Reason: "file is empty"}
	}
	if rules.MaxBytes > 0 && size > rules.MaxBytes {
		return &models.ValidationError{
			Field:  "file",
			Reason: fmt.Sprintf("too large (%d bytes, max %d)", size, rules.MaxBytes),
		}
	}
	return nil
}

func allowed(ext string, extensions []string) bool {
	if ext == "" {
		return false
	}
	for _, e := range extensions {
		if strings.EqualFold("."+strings.TrimPrefix(e, "."), ext) {
			return true
		}
	}
	return false
}

// Sender uploads a file body to the backend.
type Sender interface {
	Upload(ctx context.Context, filename string, r io.Reader) (*models.UploadResponse, error)
}

// Uploader validates, inspects, and uploads local files.
type Uploader struct {
	sender    Sender
	rules     Rules
	extractor *extract.Extractor
	logger    *zap.Logger
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithRules replaces DefaultRules.
func WithRules(r Rules) Option {
	return func(u *Uploader) {
		u.rules = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(u *Uploader) {
		if l != nil {
			u.logger = l
		}
	}
}

// NewUploader returns an Uploader that sends through sender.
func NewUploader(sender Sender, opts ...Option) *Uploader {
	u := &Uploader{
		sender:    sender,
		rules:     DefaultRules(),
		extractor: extract.NewExtractor(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Rules returns the rules in effect.
func (u *Uploader) Rules() Rules {
	return u.rules
}

// Check validates name and content without uploading. info is nil when
// inspection is off.
func (u *Uploader) Check(name string, content []byte) (*extract.Info, error) {
	if err := ValidateFile(name, int64(len(content)), u.rules); err != nil {
		return nil, err
	}
	if !u.rules.InspectContent {
		return nil, nil
	}
	info, err := u.extractor.InspectBytes(content, filepath.Ext(name))
	if err != nil {
		return nil, &models.ValidationError{Field: "file", Reason: fmt.Sprintf("unreadable content: %v", err)}
	}
	return info, nil
}

// UploadBytes checks content and uploads it under name.
func (u *Uploader) UploadBytes(ctx context.Context, name string, content []byte) (*models.UploadResponse, error) {
	info, err := u.Check(name, content)
	if err != nil {
		return nil, err
	}
	if info != nil {
		u.logger.Debug("Inspected upload",
			zap.String("file", name),
			zap.String("format", info.Format),
			zap.Int("pages", info.Pages),
			zap.Int("words", info.Words))
	}
	resp, err := u.sender.Upload(ctx, name, bytes.NewReader(content))
	if err != nil {
		return nil, err
	}
	u.logger.Info("Uploaded document",
		zap.String("file", name),
		zap.String("document_id", resp.DocumentID),
		zap.String("status", resp.Status))
	return resp, nil
}

// UploadFile validates, inspects, and uploads the file at path.
func (u *Uploader) UploadFile(ctx context.Context, path string) (*models.UploadResponse, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, &models.ValidationError{Field: "file", Reason: fmt.Sprintf("%s is a directory", path)}
	}
	if err := ValidateFile(filepath.Base(path), info.Size(), u.rules); err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return u.UploadBytes(ctx, filepath.Base(path), content)
}

// IsRejected reports whether err means the file itself was refused, as
// opposed to a transport or backend failure.
func IsRejected(err error) bool {
	return models.IsValidation(err) || errors.Is(err, extract.ErrUnsupported)
}
