// Package storage persists per-document chat transcripts on the local machine.
package storage

import (
	"context"
	"errors"

	"github.com/hyperjump/kiku/internal/models"
)

// ErrClosed is returned by operations on a store after Close.
var ErrClosed = errors.New("transcript store is closed")

// TranscriptStore holds one ordered message log per document id.
type TranscriptStore interface {
	// SaveHistory replaces the whole transcript of documentID.
	SaveHistory(ctx context.Context, documentID string, messages []models.Message) error
	// GetHistory returns the transcript of documentID. found is false when none is stored;
	// a missing key is not an error.
	GetHistory(ctx context.Context, documentID string) (messages []models.Message, found bool, err error)
	// DeleteHistory removes the transcript of documentID. Missing keys are not an error.
	DeleteHistory(ctx context.Context, documentID string) error
	// ClearAll removes every transcript.
	ClearAll(ctx context.Context) error
	// ListAll returns every stored transcript ordered by document id.
	ListAll(ctx context.Context) ([]models.Transcript, error)

	Close() error
}

func requireDocumentID(documentID string) error {
	if documentID == "" {
		return &models.ValidationError{Field: "document_id", Reason: "cannot be empty"}
	}
	return nil
}
