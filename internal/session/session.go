// Package session resolves the opaque session id that scopes which documents
// the backend shows this client. The id lives in a small file next to the
// transcript database and is resolved once at startup.
package session

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/hyperjump/kiku/internal/models"
)

// ExportFilename is the suggested name for exported session files.
const ExportFilename = "my-session.txt"

// maxImportBytes bounds how much of an imported file is read.
const maxImportBytes = 4096

// Store reads and writes the session id file.
type Store struct {
	path string
}

// NewStore returns a Store for the id file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the id file path.
func (s *Store) Path() string {
	return s.path
}

// Bootstrap returns the stored session id, creating and persisting a new one
// when the file is missing or blank. created reports whether a new id was made.
func (s *Store) Bootstrap() (id string, created bool, err error) {
	id, err = s.Read()
	if err == nil && id != "" {
		return id, false, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", false, err
	}
	id = uuid.NewString()
	if err := s.write(id); err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Read returns the stored id with surrounding whitespace removed.
// A missing file yields an error wrapping os.ErrNotExist.
func (s *Store) Read() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", fmt.Errorf("read session: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Export writes exactly the stored id to w.
func (s *Store) Export(w io.Writer) error {
	id, err := s.Read()
	if err != nil {
		return err
	}
	if id == "" {
		return &models.ValidationError{Field: "session", Reason: "no session to export"}
	}
	_, err = io.WriteString(w, id)
	return err
}

// Import replaces the stored id with the trimmed content of r and returns it.
func (s *Store) Import(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxImportBytes+1))
	if err != nil {
		return "", fmt.Errorf("read session file: %w", err)
	}
	if len(data) > maxImportBytes {
		return "", &models.ValidationError{Field: "session", Reason: "file too large to be a session id"}
	}
	id := string(bytes.TrimSpace(data))
	if id == "" {
		return "", &models.ValidationError{Field: "session", Reason: "file is empty"}
	}
	if strings.ContainsAny(id, "\r\n") {
		return "", &models.ValidationError{Field: "session", Reason: "must be a single line"}
	}
	if err := s.write(id); err != nil {
		return "", err
	}
	return id, nil
}

// Clear deletes the stored id. Clearing a missing id is not an error.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

func (s *Store) write(id string) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create session directory: %w", err)
		}
	}
	if err := os.WriteFile(s.path, []byte(id), 0600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}
