package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/singleflight"

	"github.com/hyperjump/kiku/internal/models"
)

// SQLiteStorage implements TranscriptStore using SQLite.
// The database is opened on first use and shared by all callers afterwards.
type SQLiteStorage struct {
	path string

	mu     sync.RWMutex
	db     *sql.DB
	closed bool

	opening singleflight.Group
}

// NewSQLiteStorage returns a store backed by the database at dbPath. Nothing is
// opened until the first operation; parent directories are created then.
func NewSQLiteStorage(dbPath string) *SQLiteStorage {
	return &SQLiteStorage{path: dbPath}
}

// Path returns the database file path.
func (s *SQLiteStorage) Path() string {
	return s.path
}

// Open forces the lazy open. Safe to call any number of times.
func (s *SQLiteStorage) Open(ctx context.Context) error {
	_, err := s.handle(ctx)
	return err
}

// handle returns the shared database handle, opening it if needed. Concurrent
// callers during the first open wait for the same open; a failed open is retried
// by the next caller.
func (s *SQLiteStorage) handle(ctx context.Context) (*sql.DB, error) {
	s.mu.RLock()
	db, closed := s.db, s.closed
	s.mu.RUnlock()
	if closed {
		return nil, &models.StorageError{Op: "open", Err: ErrClosed}
	}
	if db != nil {
		return db, nil
	}

	ch := s.opening.DoChan("open", func() (interface{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return nil, ErrClosed
		}
		if s.db != nil {
			return s.db, nil
		}
		db, err := openDatabase(s.path)
		if err != nil {
			return nil, err
		}
		s.db = db
		return db, nil
	})
	select {
	case <-ctx.Done():
		return nil, &models.StorageError{Op: "open", Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, &models.StorageError{Op: "open", Err: res.Err}
		}
		return res.Val.(*sql.DB), nil
	}
}

func openDatabase(dbPath string) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS chat_history (
		document_id TEXT PRIMARY KEY,
		messages TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chat_history_updated_at ON chat_history(updated_at);
	`
	_, err := db.Exec(schema)
	return err
}

// SaveHistory upserts the full transcript of documentID in one statement.
func (s *SQLiteStorage) SaveHistory(ctx context.Context, documentID string, messages []models.Message) error {
	if err := requireDocumentID(documentID); err != nil {
		return err
	}
	if messages == nil {
		messages = []models.Message{}
	}
	payload, err := json.Marshal(messages)
	if err != nil {
		return &models.StorageError{Op: "save", Err: fmt.Errorf("failed to marshal messages: %w", err)}
	}
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO chat_history (document_id, messages, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(document_id) DO UPDATE SET messages = excluded.messages, updated_at = excluded.updated_at`,
		documentID, string(payload), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return &models.StorageError{Op: "save", Err: err}
	}
	return nil
}

// GetHistory returns the stored transcript of documentID.
func (s *SQLiteStorage) GetHistory(ctx context.Context, documentID string) ([]models.Message, bool, error) {
	if err := requireDocumentID(documentID); err != nil {
		return nil, false, err
	}
	db, err := s.handle(ctx)
	if err != nil {
		return nil, false, err
	}
	var payload string
	err = db.QueryRowContext(ctx,
		`SELECT messages FROM chat_history WHERE document_id = ?`, documentID,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &models.StorageError{Op: "get", Err: err}
	}
	messages, err := decodeMessages(payload)
	if err != nil {
		return nil, false, &models.StorageError{Op: "get", Err: err}
	}
	return messages, true, nil
}

// DeleteHistory removes the transcript of documentID.
func (s *SQLiteStorage) DeleteHistory(ctx context.Context, documentID string) error {
	if err := requireDocumentID(documentID); err != nil {
		return err
	}
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM chat_history WHERE document_id = ?`, documentID); err != nil {
		return &models.StorageError{Op: "delete", Err: err}
	}
	return nil
}

// ClearAll removes every transcript.
func (s *SQLiteStorage) ClearAll(ctx context.Context) error {
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM chat_history`); err != nil {
		return &models.StorageError{Op: "clear", Err: err}
	}
	return nil
}

// ListAll returns every transcript ordered by document id.
func (s *SQLiteStorage) ListAll(ctx context.Context) ([]models.Transcript, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT document_id, messages, updated_at FROM chat_history ORDER BY document_id`)
	if err != nil {
		return nil, &models.StorageError{Op: "list", Err: err}
	}
	defer rows.Close()

	var out []models.Transcript
	for rows.Next() {
		var (
			t         models.Transcript
			payload   string
			updatedAt string
		)
		if err := rows.Scan(&t.DocumentID, &payload, &updatedAt); err != nil {
			return nil, &models.StorageError{Op: "list", Err: err}
		}
		if t.Messages, err = decodeMessages(payload); err != nil {
			return nil, &models.StorageError{Op: "list", Err: fmt.Errorf("document %s: %w", t.DocumentID, err)}
		}
		if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, &models.StorageError{Op: "list", Err: fmt.Errorf("document %s: bad updated_at: %w", t.DocumentID, err)}
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.StorageError{Op: "list", Err: err}
	}
	return out, nil
}

// Close releases the database handle. Later operations fail with ErrClosed.
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func decodeMessages(payload string) ([]models.Message, error) {
	var messages []models.Message
	if err := json.Unmarshal([]byte(payload), &messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal messages: %w", err)
	}
	if messages == nil {
		messages = []models.Message{}
	}
	return messages, nil
}
