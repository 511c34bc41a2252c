// Package docsync keeps a local copy of the session's document list in step with the backend.
package docsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kiku/internal/models"
)

// DefaultInterval is the time between background fetches.
const DefaultInterval = 10 * time.Second

// DefaultFetchError is published when a listing fails without a backend detail.
const DefaultFetchError = "Failed to fetch documents"

// Lister returns the documents visible to the current session.
type Lister interface {
	ListDocuments(ctx context.Context) (*models.DocumentListResponse, error)
}

// HasChanged reports whether next differs from prev in a way the document list
// view cares about: count, canonical ids, status, or processed flag.
func HasChanged(prev, next []models.Document) bool {
	if len(prev) != len(next) {
		return true
	}
	byID := make(map[string]*models.Document, len(prev))
	for i := range prev {
		byID[prev[i].DocumentID] = &prev[i]
	}
	for i := range next {
		old, ok := byID[next[i].DocumentID]
		if !ok {
			return true
		}
		if old.Status != next[i].Status || old.Processed != next[i].Processed {
			return true
		}
	}
	return false
}

// Poller fetches the document list on an interval and publishes it only when it changed.
type Poller struct {
	lister       Lister
	interval     time.Duration
	overlapGuard bool
	onChange     func([]models.Document)
	onLoading    func(bool)
	onError      func(string)
	logger       *zap.Logger

	mu       sync.RWMutex
	accepted []models.Document
	loading  int
	lastErr  string
	lastSync time.Time

	inFlight atomic.Int32
}

// Option configures a Poller.
type Option func(*Poller)

// WithOnChange registers the callback receiving each newly accepted list.
func WithOnChange(fn func([]models.Document)) Option {
	return func(p *Poller) { p.onChange = fn }
}

// WithOnLoading registers the callback receiving loading transitions.
func WithOnLoading(fn func(bool)) Option {
	return func(p *Poller) { p.onLoading = fn }
}

// WithOnError registers the callback receiving fetch error messages.
func WithOnError(fn func(string)) Option {
	return func(p *Poller) { p.onError = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithInterval sets the time between background fetches.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithOverlapGuard controls whether a tick is skipped while a previous fetch
// is still outstanding. Enabled by default.
func WithOverlapGuard(enabled bool) Option {
	return func(p *Poller) { p.overlapGuard = enabled }
}

// NewPoller returns a poller over lister.
func NewPoller(lister Lister, opts ...Option) *Poller {
	p := &Poller{
		lister:       lister,
		interval:     DefaultInterval,
		overlapGuard: true,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Interval returns the configured fetch interval.
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// FetchDocuments lists documents once. The accepted list is replaced and
// published only when HasChanged says so. On failure the accepted list is kept
// and an error message is published. Results arriving after ctx is done are dropped.
func (p *Poller) FetchDocuments(ctx context.Context, emitLoading bool) error {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	if emitLoading {
		p.setLoading(true)
		defer p.setLoading(false)
	}

	resp, err := p.lister.ListDocuments(ctx)
	if ctx.Err() != nil {
		p.logger.Debug("document fetch discarded", zap.Error(ctx.Err()))
		return ctx.Err()
	}
	if err != nil {
		msg := models.ErrorDetail(err)
		if msg == "" {
			msg = DefaultFetchError
		}
		p.mu.Lock()
		p.lastErr = msg
		p.mu.Unlock()
		p.logger.Warn("document fetch failed", zap.Error(err))
		if p.onError != nil {
			p.onError(msg)
		}
		return err
	}

	docs := resp.Documents
	if docs == nil {
		docs = []models.Document{}
	}
	p.mu.Lock()
	p.lastErr = ""
	p.lastSync = time.Now()
	changed := HasChanged(p.accepted, docs)
	if changed {
		p.accepted = docs
	}
	p.mu.Unlock()

	if changed {
		p.logger.Debug("document list changed", zap.Int("count", len(docs)))
		if p.onChange != nil {
			p.onChange(cloneDocuments(docs))
		}
	}
	return nil
}

// Run fetches once with loading shown, then once per interval without, until
// ctx is done. It waits for outstanding fetches before returning.
func (p *Poller) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	_ = p.FetchDocuments(ctx, true)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if p.overlapGuard && p.inFlight.Load() > 0 {
				p.logger.Debug("skipping document fetch: previous fetch still running")
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := p.FetchDocuments(ctx, false); err != nil && !errors.Is(err, context.Canceled) {
					p.logger.Debug("background document fetch failed", zap.Error(err))
				}
			}()
		}
	}
}

// Documents returns a copy of the accepted list.
func (p *Poller) Documents() []models.Document {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return cloneDocuments(p.accepted)
}

// Document returns the accepted document with the given canonical id.
func (p *Poller) Document(documentID string) (models.Document, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, d := range p.accepted {
		if d.DocumentID == documentID {
			return d, true
		}
	}
	return models.Document{}, false
}

// Loading reports whether a fetch that shows loading is in progress.
func (p *Poller) Loading() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loading > 0
}

// LastError returns the message of the most recent failed fetch, or "" after a success.
func (p *Poller) LastError() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// LastSync returns when the last successful fetch finished.
func (p *Poller) LastSync() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSync
}

func (p *Poller) setLoading(on bool) {
	p.mu.Lock()
	if on {
		p.loading++
	} else {
		p.loading--
	}
	p.mu.Unlock()
	if p.onLoading != nil {
		p.onLoading(on)
	}
}

func cloneDocuments(docs []models.Document) []models.Document {
	if docs == nil {
		return []models.Document{}
	}
	return append([]models.Document(nil), docs...)
}
