package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hyperjump/kiku/internal/models"
)

// MemoryStorage implements TranscriptStore in process memory.
// Used for ephemeral runs and tests.
type MemoryStorage struct {
	mu      sync.RWMutex
	records map[string]models.Transcript
	closed  bool
	now     func() time.Time
}

// NewMemoryStorage returns an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		records: make(map[string]models.Transcript),
		now:     time.Now,
	}
}

func (m *MemoryStorage) SaveHistory(ctx context.Context, documentID string, messages []models.Message) error {
	if err := requireDocumentID(documentID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return &models.StorageError{Op: "save", Err: ErrClosed}
	}
	m.records[documentID] = models.Transcript{
		DocumentID: documentID,
		Messages:   copyMessages(messages),
		UpdatedAt:  m.now().UTC(),
	}
	return nil
}

func (m *MemoryStorage) GetHistory(ctx context.Context, documentID string) ([]models.Message, bool, error) {
	if err := requireDocumentID(documentID); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, &models.StorageError{Op: "get", Err: ErrClosed}
	}
	rec, ok := m.records[documentID]
	if !ok {
		return nil, false, nil
	}
	return copyMessages(rec.Messages), true, nil
}

func (m *MemoryStorage) DeleteHistory(ctx context.Context, documentID string) error {
	if err := requireDocumentID(documentID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return &models.StorageError{Op: "delete", Err: ErrClosed}
	}
	delete(m.records, documentID)
	return nil
}

func (m *MemoryStorage) ClearAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return &models.StorageError{Op: "clear", Err: ErrClosed}
	}
	m.records = make(map[string]models.Transcript)
	return nil
}

func (m *MemoryStorage) ListAll(ctx context.Context) ([]models.Transcript, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, &models.StorageError{Op: "list", Err: ErrClosed}
	}
	out := make([]models.Transcript, 0, len(m.records))
	for _, rec := range m.records {
		rec.Messages = copyMessages(rec.Messages)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out, nil
}

func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func copyMessages(in []models.Message) []models.Message {
	out := make([]models.Message, len(in))
	for i, msg := range in {
		if msg.Citations != nil {
			msg.Citations = append([]models.Citation(nil), msg.Citations...)
		}
		out[i] = msg
	}
	return out
}
