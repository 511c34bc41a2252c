package chat

import (
	"context"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/hyperjump/kiku/internal/models"
	"github.com/hyperjump/kiku/internal/storage"
)

func mustOpen(t *testing.T, m *Manager, ctx context.Context, doc models.Document) *Coordinator {
	t.Helper()
	c, err := m.Open(ctx, doc)
	if err != nil {
		t.Fatalf("Open(%s): %v", doc.DocumentID, err)
	}
	return c
}

func TestManager_OpenReusesCoordinator(t *testing.T) {
	store := &flakyStore{TranscriptStore: storage.NewMemoryStorage()}
	m := NewManager(store, echoAnswerer())
	ctx := context.Background()

	var wg sync.WaitGroup
	got := make([]*Coordinator, 8)
	errs := make([]error, len(got))
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], errs[i] = m.Open(ctx, processedDoc())
		}(i)
	}
	wg.Wait()
	for i, c := range got {
		if errs[i] != nil {
			t.Fatalf("Open #%d: %v", i, errs[i])
		}
		if c != got[0] {
			t.Errorf("Open #%d returned a different coordinator", i)
		}
	}
	if n := store.gets.Load(); n != 1 {
		t.Errorf("transcript read %d times, want once", n)
	}
	if !got[0].HistoryLoaded() {
		t.Error("opened coordinator should have its history loaded")
	}
	if ids := m.OpenIDs(); !reflect.DeepEqual(ids, []string{"doc-1"}) {
		t.Errorf("OpenIDs = %v", ids)
	}
}

func TestManager_OpenWithCancelledContextKeepsHistory(t *testing.T) {
	store := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "history.db"))
	defer store.Close()
	mustSend(t, loaded(t, store, echoAnswerer(), processedDoc()), "first question")
	if n := storedLen(t, store, "doc-1"); n != 3 {
		t.Fatalf("seeded %d messages, want 3", n)
	}

	m := NewManager(store, echoAnswerer())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := mustOpen(t, m, ctx, processedDoc())
	if n := len(c.Messages()); n != 3 {
		t.Fatalf("opened with %d messages, want the 3 stored ones", n)
	}

	mustSend(t, mustOpen(t, m, context.Background(), processedDoc()), "second question")
	if n := storedLen(t, store, "doc-1"); n != 5 {
		t.Errorf("stored %d messages, want 5", n)
	}
}

func TestManager_RetriesAfterFailedRead(t *testing.T) {
	store := &flakyStore{TranscriptStore: storage.NewMemoryStorage()}
	mustSend(t, loaded(t, store, echoAnswerer(), processedDoc()), "first question")
	m := NewManager(store, echoAnswerer())

	store.failGet.Store(true)
	degraded := mustOpen(t, m, context.Background(), processedDoc())
	if n := len(degraded.Messages()); n != 1 {
		t.Errorf("fallback has %d messages, want the welcome only", n)
	}
	if degraded.HistoryError() == nil {
		t.Error("HistoryError should report the failed read")
	}
	if ids := m.OpenIDs(); len(ids) != 0 {
		t.Errorf("coordinator with unread history was kept: %v", ids)
	}

	store.failGet.Store(false)
	c := mustOpen(t, m, context.Background(), processedDoc())
	if c == degraded {
		t.Fatal("Open reused the coordinator whose history could not be read")
	}
	if n := len(c.Messages()); n != 3 {
		t.Errorf("reopened with %d messages, want 3", n)
	}
	if ids := m.OpenIDs(); !reflect.DeepEqual(ids, []string{"doc-1"}) {
		t.Errorf("OpenIDs = %v", ids)
	}
}

func TestManager_UpdateAndForget(t *testing.T) {
	store := storage.NewMemoryStorage()
	m := NewManager(store, echoAnswerer())
	ctx := context.Background()

	doc := processedDoc()
	doc.Processed = false
	c := mustOpen(t, m, ctx, doc)
	if _, err := c.Send(ctx, "q"); err != ErrNotProcessed {
		t.Fatalf("err = %v, want ErrNotProcessed", err)
	}

	m.Update([]models.Document{processedDoc()})
	mustSend(t, c, "q")

	m.Forget("doc-1")
	if _, ok := m.Get("doc-1"); ok {
		t.Error("forgotten coordinator still open")
	}

	reopened := mustOpen(t, m, ctx, processedDoc())
	if reopened == c {
		t.Error("Open after Forget returned the old coordinator")
	}
	if n := len(reopened.Messages()); n != 3 {
		t.Errorf("reopened coordinator has %d messages, want the 3 persisted", n)
	}
}

func TestManager_SyncForgetsUnlisted(t *testing.T) {
	m := NewManager(storage.NewMemoryStorage(), echoAnswerer())
	ctx := context.Background()
	mustOpen(t, m, ctx, processedDoc())
	other := processedDoc()
	other.DocumentID = "doc-2"
	other.Processed = false
	c2 := mustOpen(t, m, ctx, other)

	other.Processed = true
	m.Sync([]models.Document{other})
	if ids := m.OpenIDs(); !reflect.DeepEqual(ids, []string{"doc-2"}) {
		t.Errorf("OpenIDs = %v, want [doc-2]", ids)
	}
	if doc, _ := c2.Document(); !doc.Processed {
		t.Error("listed coordinator did not receive the update")
	}
}

func TestManager_SharedIDsAcrossCoordinators(t *testing.T) {
	m := NewManager(storage.NewMemoryStorage(), echoAnswerer())
	ctx := context.Background()
	a := mustOpen(t, m, ctx, processedDoc())
	other := processedDoc()
	other.DocumentID = "doc-2"
	b := mustOpen(t, m, ctx, other)
	if mustInt(t, a.Messages()[0].ID) >= mustInt(t, b.Messages()[0].ID) {
		t.Errorf("ids not shared: %s then %s", a.Messages()[0].ID, b.Messages()[0].ID)
	}
}
