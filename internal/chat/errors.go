package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hyperjump/kiku/internal/models"
)

// DefaultMaxQuestionLength is the longest accepted question, in characters.
const DefaultMaxQuestionLength = 1000

var (
	// ErrNoDocument is returned by Send and Clear before a document was loaded.
	ErrNoDocument = errors.New("no document selected")
	// ErrHistoryNotLoaded is returned by Send while the transcript is still loading.
	ErrHistoryNotLoaded = errors.New("chat history is not loaded yet")
	// ErrNotProcessed is returned by Send when the backend has not finished the document.
	ErrNotProcessed = errors.New("document is not yet processed")
	// ErrSendInFlight is returned when another question about the same document is
	// still being answered, or while its transcript is being cleared.
	ErrSendInFlight = errors.New("a question about this document is already being answered")
)

// ValidateQuestion checks a question before it is sent. Length is counted in
// characters after trimming surrounding whitespace.
func ValidateQuestion(question string, maxLen int) error {
	if maxLen <= 0 {
		maxLen = DefaultMaxQuestionLength
	}
	q := strings.TrimSpace(question)
	if q == "" {
		return &models.ValidationError{Field: "question", Reason: "cannot be empty"}
	}
	if n := utf8.RuneCountInString(q); n > maxLen {
		return &models.ValidationError{
			Field:  "question",
			Reason: fmt.Sprintf("too long (%d characters, max %d)", n, maxLen),
		}
	}
	return nil
}
