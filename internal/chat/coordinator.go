// Package chat runs question-and-answer sessions against one document at a time.
package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kiku/internal/inflight"
	"github.com/hyperjump/kiku/internal/models"
	"github.com/hyperjump/kiku/internal/storage"
)

// Answerer answers a question about a document.
type Answerer interface {
	Ask(ctx context.Context, documentID, question string) (*models.AskResponse, error)
}

// Indexer is told about every transcript that was persisted or cleared.
type Indexer interface {
	IndexTranscript(documentID string, messages []models.Message) error
	DeleteDocument(documentID string) error
}

// State is the lifecycle position of a Coordinator.
type State uint8

// Lifecycle states of a Coordinator, in the order a first send passes through them.
const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateSending
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateSending:
		return "sending"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// WelcomeText is the greeting that opens every new transcript.
func WelcomeText(filename string) string {
	return fmt.Sprintf(`Hello! I'm ready to answer questions about "%s". What would you like to know?`, filename)
}

// FallbackText is the reply used when the backend could not answer and gave no detail.
func FallbackText(question, filename string) string {
	return fmt.Sprintf(`I understand you're asking about "%s". However, the document processing is not yet complete. `+
		`Once ready, I'll be able to search through "%s" and provide accurate answers with citations.`, question, filename)
}

// Coordinator owns the working transcript of one selected document. It loads
// from the store, sends questions to the backend, and persists after every reply.
type Coordinator struct {
	store    storage.TranscriptStore
	answerer Answerer
	indexer  Indexer
	guard    *inflight.Guard
	ids      *IDSource
	now      func() time.Time
	maxLen   int
	logger   *zap.Logger

	mu            sync.Mutex
	doc           *models.Document
	messages      []models.Message
	state         State
	historyLoaded bool
	historyErr    error
	pending       int
	clearing      bool

	// persistMu orders saves so a later snapshot is never overwritten by an earlier one.
	persistMu sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithIndexer sets the transcript search index kept in step with saves.
func WithIndexer(ix Indexer) Option {
	return func(c *Coordinator) { c.indexer = ix }
}

// WithGuard sets the guard limiting each document to one outstanding question.
// A nil guard allows overlapping sends.
func WithGuard(g *inflight.Guard) Option {
	return func(c *Coordinator) { c.guard = g }
}

// WithIDSource sets the message id source. Coordinators that may write the
// same transcript should share one.
func WithIDSource(ids *IDSource) Option {
	return func(c *Coordinator) {
		if ids != nil {
			c.ids = ids
		}
	}
}

// WithClock sets the clock used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMaxQuestionLength overrides DefaultMaxQuestionLength.
func WithMaxQuestionLength(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxLen = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCoordinator returns an unloaded coordinator.
func NewCoordinator(store storage.TranscriptStore, answerer Answerer, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		answerer: answerer,
		ids:      NewIDSource(),
		now:      time.Now,
		maxLen:   DefaultMaxQuestionLength,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load selects doc and reads its transcript. A stored non-empty transcript is
// adopted as is; a missing or empty one, or a store failure, yields a single
// welcome message; HistoryError then reports why. Load fails only while a send
// or a clear is outstanding.
func (c *Coordinator) Load(ctx context.Context, doc models.Document) error {
	if doc.DocumentID == "" {
		return &models.ValidationError{Field: "document_id", Reason: "cannot be empty"}
	}
	c.mu.Lock()
	if c.pending > 0 || c.clearing {
		c.mu.Unlock()
		return ErrSendInFlight
	}
	d := doc
	c.doc = &d
	c.messages = nil
	c.historyLoaded = false
	c.historyErr = nil
	c.state = StateLoading
	c.mu.Unlock()

	stored, found, err := c.store.GetHistory(ctx, doc.DocumentID)
	if err != nil {
		c.logger.Warn("failed to load chat history",
			zap.String("document_id", doc.DocumentID),
			zap.Error(err),
		)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil && found && len(stored) > 0 {
		for _, m := range stored {
			c.ids.Observe(m.ID)
		}
		c.messages = stored
	} else {
		c.messages = []models.Message{c.welcomeLocked()}
	}
	c.historyErr = err
	c.historyLoaded = true
	c.state = StateReady
	c.logger.Debug("chat history loaded",
		zap.String("document_id", doc.DocumentID),
		zap.Int("messages", len(c.messages)),
		zap.Bool("stored", found),
	)
	return nil
}

// Send asks question about the loaded document. On success the user message and
// the reply are appended and persisted, and the reply is returned. A failed
// backend call still produces a reply: the backend's detail when it sent one,
// otherwise FallbackText. Validation and precondition failures change nothing.
func (c *Coordinator) Send(ctx context.Context, question string) (models.Message, error) {
	if err := ValidateQuestion(question, c.maxLen); err != nil {
		return models.Message{}, err
	}
	q := strings.TrimSpace(question)

	c.mu.Lock()
	switch {
	case c.doc == nil:
		c.mu.Unlock()
		return models.Message{}, ErrNoDocument
	case !c.historyLoaded:
		c.mu.Unlock()
		return models.Message{}, ErrHistoryNotLoaded
	case c.clearing:
		c.mu.Unlock()
		return models.Message{}, ErrSendInFlight
	case !c.doc.Processed:
		c.mu.Unlock()
		return models.Message{}, ErrNotProcessed
	}
	doc := *c.doc
	release := func() {}
	if c.guard != nil {
		r, ok := c.guard.TryAcquire(doc.DocumentID)
		if !ok {
			c.mu.Unlock()
			return models.Message{}, ErrSendInFlight
		}
		release = r
	}
	defer release()

	c.messages = append(c.messages, models.Message{
		ID:        c.ids.Next(),
		Type:      models.DirectionUser,
		Text:      q,
		Timestamp: c.now(),
	})
	c.pending++
	c.state = StateSending
	c.mu.Unlock()

	reply := models.Message{Type: models.DirectionSystem}
	resp, err := c.answerer.Ask(ctx, doc.DocumentID, q)
	if err != nil {
		c.logger.Warn("ask failed, replying locally",
			zap.String("document_id", doc.DocumentID),
			zap.Error(err),
		)
		reply.Text = models.ErrorDetail(err)
		if reply.Text == "" {
			reply.Text = FallbackText(q, doc.Filename)
		}
	} else {
		reply.Text = resp.Answer
		reply.Citations = resp.AllCitations()
	}

	c.mu.Lock()
	reply.ID = c.ids.Next()
	reply.Timestamp = c.now()
	c.messages = append(c.messages, reply)
	c.mu.Unlock()

	c.persist(context.WithoutCancel(ctx), doc.DocumentID)

	c.mu.Lock()
	c.pending--
	if c.pending == 0 {
		c.state = StateReady
	}
	c.mu.Unlock()
	return reply, nil
}

// Clear deletes the stored transcript and starts over with a fresh welcome
// message. On a store failure the transcript is left as it was. Sends and
// loads are refused until Clear returns.
func (c *Coordinator) Clear(ctx context.Context) error {
	c.mu.Lock()
	if c.doc == nil {
		c.mu.Unlock()
		return ErrNoDocument
	}
	if c.pending > 0 || c.clearing {
		c.mu.Unlock()
		return ErrSendInFlight
	}
	c.clearing = true
	documentID := c.doc.DocumentID
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.clearing = false
		c.mu.Unlock()
	}()

	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	if err := c.store.DeleteHistory(ctx, documentID); err != nil {
		c.logger.Warn("failed to clear chat history", zap.String("document_id", documentID), zap.Error(err))
		return err
	}
	if c.indexer != nil {
		if err := c.indexer.DeleteDocument(documentID); err != nil {
			c.logger.Warn("failed to drop transcript from search index", zap.String("document_id", documentID), zap.Error(err))
		}
	}

	c.mu.Lock()
	c.messages = []models.Message{c.welcomeLocked()}
	c.historyErr = nil
	c.historyLoaded = true
	c.state = StateReady
	c.mu.Unlock()
	c.logger.Debug("chat history cleared", zap.String("document_id", documentID))
	return nil
}

// UpdateDocument refreshes the loaded document's metadata, such as its processed
// flag, when the backend reports a change. Documents with another id are ignored.
func (c *Coordinator) UpdateDocument(doc models.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.doc == nil || c.doc.DocumentID != doc.DocumentID {
		return
	}
	d := doc
	c.doc = &d
}

// Messages returns a copy of the working transcript.
func (c *Coordinator) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Message(nil), c.messages...)
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HistoryLoaded reports whether input may be accepted.
func (c *Coordinator) HistoryLoaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.historyLoaded
}

// HistoryError returns the store error that made the last Load fall back to a
// welcome message, or nil when the stored transcript was read.
func (c *Coordinator) HistoryError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.historyErr
}

// Document returns the loaded document.
func (c *Coordinator) Document() (models.Document, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.doc == nil {
		return models.Document{}, false
	}
	return *c.doc, true
}

func (c *Coordinator) welcomeLocked() models.Message {
	return models.Message{
		ID:        c.ids.Next(),
		Type:      models.DirectionSystem,
		Text:      WelcomeText(c.doc.Filename),
		Timestamp: c.now(),
	}
}

// persist saves the current transcript. Failures are logged; memory is kept.
func (c *Coordinator) persist(ctx context.Context, documentID string) {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	snapshot := c.Messages()
	if err := c.store.SaveHistory(ctx, documentID, snapshot); err != nil {
		c.logger.Error("failed to save chat history",
			zap.String("document_id", documentID),
			zap.Int("messages", len(snapshot)),
			zap.Error(err),
		)
		return
	}
	if c.indexer != nil {
		if err := c.indexer.IndexTranscript(documentID, snapshot); err != nil {
			c.logger.Warn("failed to index transcript", zap.String("document_id", documentID), zap.Error(err))
		}
	}
}
