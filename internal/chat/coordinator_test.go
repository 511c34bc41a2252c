package chat

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperjump/kiku/internal/inflight"
	"github.com/hyperjump/kiku/internal/models"
	"github.com/hyperjump/kiku/internal/storage"
)

type answerFunc func(ctx context.Context, documentID, question string) (*models.AskResponse, error)

func (f answerFunc) Ask(ctx context.Context, documentID, question string) (*models.AskResponse, error) {
	return f(ctx, documentID, question)
}

func echoAnswerer() answerFunc {
	return func(_ context.Context, documentID, question string) (*models.AskResponse, error) {
		score := 0.91
		return &models.AskResponse{
			Answer:    "About " + documentID + ": " + question,
			Citations: []models.Citation{{Text: "excerpt", Score: &score}},
		}, nil
	}
}

// flakyStore wraps a TranscriptStore and fails selected operations. Reads
// also fail once their context is done. When deleteGate is set, DeleteHistory
// signals deleteEntered and waits for the gate to close.
type flakyStore struct {
	storage.TranscriptStore
	failSave, failDelete bool
	failGet              atomic.Bool
	gets                 atomic.Int32
	deleteEntered        chan struct{}
	deleteGate           chan struct{}
}

var errDisk = errors.New("disk unavailable")

func (s *flakyStore) GetHistory(ctx context.Context, id string) ([]models.Message, bool, error) {
	s.gets.Add(1)
	if s.failGet.Load() {
		return nil, false, &models.StorageError{Op: "get", Err: errDisk}
	}
	if err := ctx.Err(); err != nil {
		return nil, false, &models.StorageError{Op: "get", Err: err}
	}
	return s.TranscriptStore.GetHistory(ctx, id)
}

func (s *flakyStore) SaveHistory(ctx context.Context, id string, msgs []models.Message) error {
	if s.failSave {
		return &models.StorageError{Op: "save", Err: errDisk}
	}
	return s.TranscriptStore.SaveHistory(ctx, id, msgs)
}

func (s *flakyStore) DeleteHistory(ctx context.Context, id string) error {
	if s.deleteGate != nil {
		s.deleteEntered <- struct{}{}
		<-s.deleteGate
	}
	if s.failDelete {
		return &models.StorageError{Op: "delete", Err: errDisk}
	}
	return s.TranscriptStore.DeleteHistory(ctx, id)
}

type recordingIndexer struct {
	mu      sync.Mutex
	indexed map[string]int
	deleted []string
}

func (r *recordingIndexer) IndexTranscript(id string, msgs []models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexed == nil {
		r.indexed = make(map[string]int)
	}
	r.indexed[id] = len(msgs)
	return nil
}

func (r *recordingIndexer) DeleteDocument(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, id)
	return nil
}

func processedDoc() models.Document {
	return models.Document{ID: "l1", DocumentID: "doc-1", Filename: "manual.pdf", Status: models.StatusCompleted, Processed: true}
}

func loaded(t *testing.T, store storage.TranscriptStore, a Answerer, doc models.Document, opts ...Option) *Coordinator {
	t.Helper()
	c := NewCoordinator(store, a, opts...)
	if err := c.Load(context.Background(), doc); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return c
}

func storedLen(t *testing.T, store storage.TranscriptStore, id string) int {
	t.Helper()
	msgs, found, err := store.GetHistory(context.Background(), id)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if !found {
		return -1
	}
	return len(msgs)
}

func mustSend(t *testing.T, c *Coordinator, q string) models.Message {
	t.Helper()
	reply, err := c.Send(context.Background(), q)
	if err != nil {
		t.Fatalf("Send(%q): %v", q, err)
	}
	return reply
}

func TestLoad_WelcomeOnMiss(t *testing.T) {
	c := NewCoordinator(storage.NewMemoryStorage(), echoAnswerer())
	if c.State() != StateUnloaded || c.HistoryLoaded() {
		t.Fatalf("new coordinator: state %v, history loaded %v", c.State(), c.HistoryLoaded())
	}

	if err := c.Load(context.Background(), processedDoc()); err != nil {
		t.Fatal(err)
	}
	msgs := c.Messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Type != models.DirectionSystem {
		t.Errorf("welcome type = %v", msgs[0].Type)
	}
	want := `Hello! I'm ready to answer questions about "manual.pdf". What would you like to know?`
	if msgs[0].Text != want {
		t.Errorf("welcome = %q, want %q", msgs[0].Text, want)
	}
	if !c.HistoryLoaded() || c.State() != StateReady {
		t.Errorf("after load: state %v, history loaded %v", c.State(), c.HistoryLoaded())
	}
	if c.HistoryError() != nil {
		t.Errorf("HistoryError = %v after a plain miss", c.HistoryError())
	}
}

func TestLoad_AdoptsStoredTranscript(t *testing.T) {
	store := storage.NewMemoryStorage()
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	stored := []models.Message{
		{ID: "100", Type: models.DirectionSystem, Text: "hi", Timestamp: ts},
		{ID: "200", Type: models.DirectionUser, Text: "q", Timestamp: ts.Add(time.Second)},
		{ID: "300", Type: models.DirectionSystem, Text: "a", Timestamp: ts.Add(2 * time.Second)},
	}
	if err := store.SaveHistory(context.Background(), "doc-1", stored); err != nil {
		t.Fatal(err)
	}

	c := loaded(t, store, echoAnswerer(), processedDoc())
	if got := c.Messages(); !reflect.DeepEqual(got, stored) {
		t.Errorf("messages = %+v, want %+v", got, stored)
	}
}

func TestLoad_EmptyOrFailingStoreYieldsWelcome(t *testing.T) {
	t.Run("empty record", func(t *testing.T) {
		store := storage.NewMemoryStorage()
		if err := store.SaveHistory(context.Background(), "doc-1", nil); err != nil {
			t.Fatal(err)
		}
		c := loaded(t, store, echoAnswerer(), processedDoc())
		if n := len(c.Messages()); n != 1 {
			t.Errorf("got %d messages, want 1", n)
		}
	})
	t.Run("store failure", func(t *testing.T) {
		store := &flakyStore{TranscriptStore: storage.NewMemoryStorage()}
		store.failGet.Store(true)
		c := loaded(t, store, echoAnswerer(), processedDoc())
		if n := len(c.Messages()); n != 1 {
			t.Errorf("got %d messages, want 1", n)
		}
		if !c.HistoryLoaded() {
			t.Error("history should count as loaded after the fallback")
		}
		if !models.IsStorage(c.HistoryError()) {
			t.Errorf("HistoryError = %v, want the storage error", c.HistoryError())
		}
	})
}

func TestLoad_RejectsEmptyDocumentID(t *testing.T) {
	c := NewCoordinator(storage.NewMemoryStorage(), echoAnswerer())
	if err := c.Load(context.Background(), models.Document{Filename: "x.pdf"}); !models.IsValidation(err) {
		t.Errorf("err = %v, want validation error", err)
	}
}

func TestSend_Preconditions(t *testing.T) {
	store := storage.NewMemoryStorage()

	t.Run("before load", func(t *testing.T) {
		c := NewCoordinator(store, echoAnswerer())
		if _, err := c.Send(context.Background(), "hello"); !errors.Is(err, ErrNoDocument) {
			t.Errorf("err = %v, want ErrNoDocument", err)
		}
	})

	t.Run("unprocessed document", func(t *testing.T) {
		doc := processedDoc()
		doc.Processed = false
		doc.Status = models.StatusProcessing
		asked := false
		c := loaded(t, store, answerFunc(func(context.Context, string, string) (*models.AskResponse, error) {
			asked = true
			return nil, nil
		}), doc)

		if _, err := c.Send(context.Background(), "What is this document about?"); !errors.Is(err, ErrNotProcessed) {
			t.Errorf("err = %v, want ErrNotProcessed", err)
		}
		if n := len(c.Messages()); n != 1 {
			t.Errorf("got %d messages, want 1", n)
		}
		if asked {
			t.Error("backend must not be asked about an unprocessed document")
		}
		if n := storedLen(t, store, doc.DocumentID); n != -1 {
			t.Errorf("stored %d messages, want none", n)
		}
	})
}

func TestSend_Validation(t *testing.T) {
	c := loaded(t, storage.NewMemoryStorage(), echoAnswerer(), processedDoc())
	for _, q := range []string{"", "   \n\t", strings.Repeat("x", 1001), strings.Repeat("日", 1001)} {
		if _, err := c.Send(context.Background(), q); !models.IsValidation(err) {
			t.Errorf("question of %d bytes: err = %v, want validation error", len(q), err)
		}
	}
	if n := len(c.Messages()); n != 1 {
		t.Errorf("rejected questions changed the transcript: %d messages", n)
	}
	mustSend(t, c, strings.Repeat("日", 1000))
}

func TestSend_AppendsTwoAndPersists(t *testing.T) {
	store := storage.NewMemoryStorage()
	ix := &recordingIndexer{}
	c := loaded(t, store, echoAnswerer(), processedDoc(), WithIndexer(ix))
	before := len(c.Messages())

	reply := mustSend(t, c, "  What is this document about?  ")

	msgs := c.Messages()
	if len(msgs) != before+2 {
		t.Fatalf("got %d messages, want %d", len(msgs), before+2)
	}
	user, bot := msgs[before], msgs[before+1]
	if user.Type != models.DirectionUser || user.Text != "What is this document about?" {
		t.Errorf("user message = %+v", user)
	}
	if bot.Type != models.DirectionSystem || bot.Text != "About doc-1: What is this document about?" {
		t.Errorf("reply message = %+v", bot)
	}
	if len(bot.Citations) != 1 {
		t.Errorf("citations = %+v", bot.Citations)
	}
	if !reflect.DeepEqual(reply, bot) {
		t.Errorf("returned reply %+v differs from stored %+v", reply, bot)
	}
	if n := storedLen(t, store, "doc-1"); n != before+2 {
		t.Errorf("stored %d messages, want %d", n, before+2)
	}
	if ix.indexed["doc-1"] != before+2 {
		t.Errorf("indexed %d messages, want %d", ix.indexed["doc-1"], before+2)
	}
	if c.State() != StateReady {
		t.Errorf("state = %v, want ready", c.State())
	}
}

func TestSend_DegradedReply(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "backend detail",
			err:  &models.NetworkError{Op: "ask", StatusCode: 400, Detail: "Document is still being indexed"},
			want: "Document is still being indexed",
		},
		{
			name: "no detail",
			err:  &models.NetworkError{Op: "ask", Err: errors.New("connection refused")},
			want: FallbackText("Summarize it", "manual.pdf"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStorage()
			failing := answerFunc(func(context.Context, string, string) (*models.AskResponse, error) {
				return nil, tt.err
			})
			c := loaded(t, store, failing, processedDoc())
			before := len(c.Messages())

			reply := mustSend(t, c, "Summarize it")
			if reply.Type != models.DirectionSystem || reply.Text != tt.want {
				t.Errorf("reply = %+v, want text %q", reply, tt.want)
			}
			if len(reply.Citations) != 0 {
				t.Errorf("degraded reply has citations: %+v", reply.Citations)
			}
			if n := storedLen(t, store, "doc-1"); n != before+2 {
				t.Errorf("stored %d messages, want %d", n, before+2)
			}
		})
	}
}

func TestSend_PersistFailureKeepsMemory(t *testing.T) {
	store := &flakyStore{TranscriptStore: storage.NewMemoryStorage(), failSave: true}
	c := loaded(t, store, echoAnswerer(), processedDoc())

	mustSend(t, c, "hello")
	if n := len(c.Messages()); n != 3 {
		t.Errorf("got %d messages in memory, want 3", n)
	}

	store.failSave = false
	mustSend(t, c, "again")
	if n := storedLen(t, store, "doc-1"); n != 5 {
		t.Errorf("stored %d messages, want 5 once saving works again", n)
	}
}

func TestSend_CancelledContextStillPersists(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx, cancel := context.WithCancel(context.Background())
	a := answerFunc(func(ctx context.Context, _, _ string) (*models.AskResponse, error) {
		cancel()
		return nil, ctx.Err()
	})
	c := loaded(t, store, a, processedDoc())
	if _, err := c.Send(ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	if n := storedLen(t, store, "doc-1"); n != 3 {
		t.Errorf("stored %d messages, want 3", n)
	}
}

func TestSend_IDsStrictlyIncrease(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := loaded(t, storage.NewMemoryStorage(), echoAnswerer(), processedDoc(),
		WithClock(func() time.Time { return fixed }))
	for i := 0; i < 3; i++ {
		mustSend(t, c, "q")
	}
	msgs := c.Messages()
	for i := 1; i < len(msgs); i++ {
		if mustInt(t, msgs[i-1].ID) >= mustInt(t, msgs[i].ID) {
			t.Errorf("id %s does not follow %s", msgs[i].ID, msgs[i-1].ID)
		}
	}
}

func TestSend_InFlightGuard(t *testing.T) {
	tests := []struct {
		name      string
		guard     *inflight.Guard
		wantBlock bool
	}{
		{"guarded", inflight.New(time.Minute), true},
		{"unguarded", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStorage()
			entered := make(chan struct{}, 2)
			unblock := make(chan struct{})
			a := answerFunc(func(_ context.Context, _, q string) (*models.AskResponse, error) {
				entered <- struct{}{}
				<-unblock
				return &models.AskResponse{Answer: "re: " + q}, nil
			})
			c := loaded(t, store, a, processedDoc(), WithGuard(tt.guard))

			first := make(chan error, 1)
			go func() {
				_, err := c.Send(context.Background(), "first")
				first <- err
			}()
			<-entered
			if c.State() != StateSending {
				t.Errorf("state = %v, want sending", c.State())
			}
			if err := c.Clear(context.Background()); !errors.Is(err, ErrSendInFlight) {
				t.Errorf("Clear during send: err = %v, want ErrSendInFlight", err)
			}
			if err := c.Load(context.Background(), processedDoc()); !errors.Is(err, ErrSendInFlight) {
				t.Errorf("Load during send: err = %v, want ErrSendInFlight", err)
			}

			second := make(chan error, 1)
			go func() {
				_, err := c.Send(context.Background(), "second")
				second <- err
			}()
			if tt.wantBlock {
				if err := <-second; !errors.Is(err, ErrSendInFlight) {
					t.Errorf("second send: err = %v, want ErrSendInFlight", err)
				}
				close(unblock)
				if err := <-first; err != nil {
					t.Fatal(err)
				}
				if n := len(c.Messages()); n != 3 {
					t.Errorf("got %d messages, want 3", n)
				}
			} else {
				<-entered
				close(unblock)
				if err := <-first; err != nil {
					t.Fatal(err)
				}
				if err := <-second; err != nil {
					t.Fatal(err)
				}
				if n := len(c.Messages()); n != 5 {
					t.Errorf("got %d messages, want 5", n)
				}
				if n := storedLen(t, store, "doc-1"); n != 5 {
					t.Errorf("stored %d messages, want 5", n)
				}
			}
			if c.State() != StateReady {
				t.Errorf("state = %v, want ready", c.State())
			}
		})
	}
}

func TestClear(t *testing.T) {
	store := storage.NewMemoryStorage()
	ix := &recordingIndexer{}
	c := loaded(t, store, echoAnswerer(), processedDoc(), WithIndexer(ix))
	mustSend(t, c, "q")
	mustSend(t, c, "q")
	if n := len(c.Messages()); n != 5 {
		t.Fatalf("got %d messages, want 5", n)
	}

	if err := c.Clear(context.Background()); err != nil {
		t.Fatal(err)
	}
	msgs := c.Messages()
	if len(msgs) != 1 || msgs[0].Text != WelcomeText("manual.pdf") {
		t.Errorf("after clear: %+v", msgs)
	}
	if n := storedLen(t, store, "doc-1"); n != -1 {
		t.Errorf("stored %d messages after clear, want none", n)
	}
	if !reflect.DeepEqual(ix.deleted, []string{"doc-1"}) {
		t.Errorf("index deletions = %v", ix.deleted)
	}
}

func TestClear_RefusesSendsUntilDone(t *testing.T) {
	store := &flakyStore{
		TranscriptStore: storage.NewMemoryStorage(),
		deleteEntered:   make(chan struct{}, 1),
		deleteGate:      make(chan struct{}),
	}
	c := loaded(t, store, echoAnswerer(), processedDoc())
	mustSend(t, c, "q")

	cleared := make(chan error, 1)
	go func() { cleared <- c.Clear(context.Background()) }()
	<-store.deleteEntered

	if _, err := c.Send(context.Background(), "What is this document about?"); !errors.Is(err, ErrSendInFlight) {
		t.Errorf("send during clear: err = %v, want ErrSendInFlight", err)
	}
	if err := c.Load(context.Background(), processedDoc()); !errors.Is(err, ErrSendInFlight) {
		t.Errorf("load during clear: err = %v, want ErrSendInFlight", err)
	}
	if err := c.Clear(context.Background()); !errors.Is(err, ErrSendInFlight) {
		t.Errorf("second clear: err = %v, want ErrSendInFlight", err)
	}

	close(store.deleteGate)
	if err := <-cleared; err != nil {
		t.Fatal(err)
	}
	if n := len(c.Messages()); n != 1 {
		t.Fatalf("got %d messages after clear, want 1", n)
	}

	mustSend(t, c, "What is this document about?")
	if n := len(c.Messages()); n != 3 {
		t.Errorf("got %d messages, want welcome, question and reply", n)
	}
	if n := storedLen(t, store, "doc-1"); n != 3 {
		t.Errorf("stored %d messages, want 3", n)
	}
}

func TestClear_Failure(t *testing.T) {
	store := &flakyStore{TranscriptStore: storage.NewMemoryStorage()}
	c := loaded(t, store, echoAnswerer(), processedDoc())
	mustSend(t, c, "q")

	store.failDelete = true
	if err := c.Clear(context.Background()); !models.IsStorage(err) {
		t.Errorf("err = %v, want storage error", err)
	}
	if n := len(c.Messages()); n != 3 {
		t.Errorf("got %d messages, want 3", n)
	}
	if n := storedLen(t, store, "doc-1"); n != 3 {
		t.Errorf("stored %d messages, want 3", n)
	}
	store.failDelete = false
	mustSend(t, c, "after failed clear")
}

func TestClear_BeforeLoad(t *testing.T) {
	c := NewCoordinator(storage.NewMemoryStorage(), echoAnswerer())
	if err := c.Clear(context.Background()); !errors.Is(err, ErrNoDocument) {
		t.Errorf("err = %v, want ErrNoDocument", err)
	}
}

func TestUpdateDocument_UnblocksSend(t *testing.T) {
	doc := processedDoc()
	doc.Processed = false
	c := loaded(t, storage.NewMemoryStorage(), echoAnswerer(), doc)
	if _, err := c.Send(context.Background(), "q"); !errors.Is(err, ErrNotProcessed) {
		t.Fatalf("err = %v, want ErrNotProcessed", err)
	}

	other := processedDoc()
	other.DocumentID = "doc-2"
	c.UpdateDocument(other)
	if _, err := c.Send(context.Background(), "q"); !errors.Is(err, ErrNotProcessed) {
		t.Fatalf("update for another document must be ignored, err = %v", err)
	}

	c.UpdateDocument(processedDoc())
	mustSend(t, c, "q")
}

func TestValidateQuestion(t *testing.T) {
	tests := []struct {
		name    string
		q       string
		max     int
		wantErr bool
	}{
		{"ok", "What is this document about?", 0, false},
		{"empty", "", 0, true},
		{"blank", "  ", 0, true},
		{"at limit", strings.Repeat("a", 10), 10, false},
		{"over limit", strings.Repeat("a", 11), 10, true},
		{"padding ignored", "  " + strings.Repeat("a", 10) + "  ", 10, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateQuestion(tt.q, tt.max)
			if tt.wantErr && !models.IsValidation(err) {
				t.Errorf("err = %v, want validation error", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
