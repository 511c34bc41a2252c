package chat

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/hyperjump/kiku/internal/models"
	"github.com/hyperjump/kiku/internal/storage"
)

// Manager keeps one Coordinator per canonical document id so that several
// callers chatting about the same document share a transcript.
type Manager struct {
	store    storage.TranscriptStore
	answerer Answerer
	opts     []Option

	mu       sync.Mutex
	sessions map[string]*Coordinator
	opening  singleflight.Group
}

// NewManager returns a Manager. Coordinators it creates share one IDSource;
// opts are applied to each of them after that default.
func NewManager(store storage.TranscriptStore, answerer Answerer, opts ...Option) *Manager {
	shared := []Option{WithIDSource(NewIDSource())}
	return &Manager{
		store:    store,
		answerer: answerer,
		opts:     append(shared, opts...),
		sessions: make(map[string]*Coordinator),
	}
}

// Open returns the loaded coordinator for doc, creating and loading it on first
// use. Later calls refresh the coordinator's copy of doc. The read is detached
// from ctx cancellation. A coordinator whose history could not be read is
// returned but not kept, so the next Open reads the store again.
func (m *Manager) Open(ctx context.Context, doc models.Document) (*Coordinator, error) {
	if c := m.get(doc.DocumentID); c != nil {
		c.UpdateDocument(doc)
		return c, nil
	}
	v, err, _ := m.opening.Do(doc.DocumentID, func() (interface{}, error) {
		if c := m.get(doc.DocumentID); c != nil {
			return c, nil
		}
		c := NewCoordinator(m.store, m.answerer, m.opts...)
		if err := c.Load(context.WithoutCancel(ctx), doc); err != nil {
			return nil, err
		}
		if c.HistoryError() != nil {
			return c, nil
		}
		m.mu.Lock()
		m.sessions[doc.DocumentID] = c
		m.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	c := v.(*Coordinator)
	c.UpdateDocument(doc)
	return c, nil
}

// Get returns the open coordinator for documentID, if any.
func (m *Manager) Get(documentID string) (*Coordinator, bool) {
	c := m.get(documentID)
	return c, c != nil
}

// Update forwards refreshed document metadata to open coordinators.
func (m *Manager) Update(docs []models.Document) {
	for _, d := range docs {
		if c := m.get(d.DocumentID); c != nil {
			c.UpdateDocument(d)
		}
	}
}

// Sync applies a freshly accepted document list: listed documents are
// forwarded to their coordinators and coordinators of unlisted ones are forgotten.
func (m *Manager) Sync(docs []models.Document) {
	m.Update(docs)
	listed := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		listed[d.DocumentID] = struct{}{}
	}
	for _, id := range m.OpenIDs() {
		if _, ok := listed[id]; !ok {
			m.Forget(id)
		}
	}
}

// Forget drops the coordinator of documentID. The stored transcript is kept.
func (m *Manager) Forget(documentID string) {
	m.mu.Lock()
	delete(m.sessions, documentID)
	m.mu.Unlock()
}

// OpenIDs returns the ids of open coordinators, sorted.
func (m *Manager) OpenIDs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (m *Manager) get(documentID string) *Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[documentID]
}
