package upload

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/hyperjump/kiku/internal/models"
	"github.com/hyperjump/kiku/internal/remote"
	"github.com/hyperjump/kiku/internal/remote/remotetest"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func writeTemp(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidateFile(t *testing.T) {
	rules := DefaultRules()
	tests := []struct {
		name    string
		file    string
		size    int64
		wantErr string
	}{
		{"pdf", "report.pdf", 1024, ""},
		{"upper case extension", "SCAN.PNG", 10, ""},
		{"jpeg", "photo.jpeg", 10, ""},
		{"docx", "notes.docx", 10, ""},
		{"exactly max", "big.pdf", DefaultMaxBytes, ""},
		{"over max", "big.pdf", DefaultMaxBytes + 1, "too large"},
		{"empty file", "empty.pdf", 0, "file is empty"},
		{"spreadsheet", "sheet.xlsx", 10, "unsupported type"},
		{"no extension", "README", 10, "unsupported type"},
		{"blank name", "  ", 10, "name cannot be empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFile(tt.file, tt.size, rules)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !models.IsValidation(err) {
				t.Fatalf("err = %v, want validation error", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateFile_customRules(t *testing.T) {
	rules := Rules{Extensions: []string{"pdf"}, MaxBytes: 100}
	if err := ValidateFile("a.pdf", 100, rules); err != nil {
		t.Errorf("a.pdf at limit: %v", err)
	}
	if ValidateFile("a.png", 10, rules) == nil {
		t.Error("png should be rejected by pdf-only rules")
	}
	if ValidateFile("a.pdf", 101, rules) == nil {
		t.Error("file over the custom limit should be rejected")
	}
}

func newUploader(t *testing.T, opts ...Option) (*Uploader, *remotetest.Backend) {
	t.Helper()
	backend := remotetest.NewBackend()
	t.Cleanup(backend.Close)
	client := remote.New(backend.URL, "session-1")
	return NewUploader(client, opts...), backend
}

func closedBackendClient() *remote.Client {
	backend := remotetest.NewBackend()
	client := remote.New(backend.URL, "session-1")
	backend.Close()
	return client
}

func TestUploader_UploadFile(t *testing.T) {
	u, backend := newUploader(t)
	path := writeTemp(t, t.TempDir(), "scan.png", pngBytes(t, 4, 3))

	resp, err := u.UploadFile(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Filename != "scan.png" || resp.DocumentID == "" {
		t.Errorf("unexpected response: %+v", resp)
	}

	docs := backend.Documents("session-1")
	if len(docs) != 1 || docs[0].DocumentID != resp.DocumentID {
		t.Errorf("backend documents = %+v", docs)
	}
}

func TestUploader_rejectsUnreadableContent(t *testing.T) {
	u, backend := newUploader(t)
	path := writeTemp(t, t.TempDir(), "broken.pdf", []byte("this is not a pdf"))

	_, err := u.UploadFile(context.Background(), path)
	if !models.IsValidation(err) || !IsRejected(err) {
		t.Errorf("err = %v, want a rejection", err)
	}
	if docs := backend.Documents("session-1"); len(docs) != 0 {
		t.Errorf("nothing should reach the backend, got %d documents", len(docs))
	}
}

func TestUploader_inspectionDisabled(t *testing.T) {
	rules := DefaultRules()
	rules.InspectContent = false
	u, backend := newUploader(t, WithRules(rules))
	path := writeTemp(t, t.TempDir(), "opaque.pdf", []byte("opaque bytes"))

	if _, err := u.UploadFile(context.Background(), path); err != nil {
		t.Fatal(err)
	}
	if docs := backend.Documents("session-1"); len(docs) != 1 {
		t.Errorf("got %d documents, want 1", len(docs))
	}
}

func TestUploader_rejectsBeforeReading(t *testing.T) {
	u, backend := newUploader(t)
	dir := t.TempDir()

	if _, err := u.UploadFile(context.Background(), writeTemp(t, dir, "table.csv", []byte("a,b"))); !models.IsValidation(err) {
		t.Errorf("csv: err = %v, want validation error", err)
	}
	if _, err := u.UploadFile(context.Background(), dir); !models.IsValidation(err) {
		t.Errorf("directory: err = %v, want validation error", err)
	}
	_, err := u.UploadFile(context.Background(), filepath.Join(dir, "missing.pdf"))
	if err == nil || IsRejected(err) {
		t.Errorf("missing file: err = %v, want a non-rejection error", err)
	}
	if docs := backend.Documents("session-1"); len(docs) != 0 {
		t.Errorf("got %d documents, want none", len(docs))
	}
}

func TestUploader_Check(t *testing.T) {
	u := NewUploader(nil)
	info, err := u.Check("pixel.png", pngBytes(t, 7, 5))
	if err != nil {
		t.Fatal(err)
	}
	if info == nil || info.Width != 7 || info.Height != 5 {
		t.Errorf("info = %+v, want 7x5", info)
	}
}

func TestUploader_backendFailureIsNotRejection(t *testing.T) {
	u := NewUploader(closedBackendClient())
	path := writeTemp(t, t.TempDir(), "scan.png", pngBytes(t, 2, 2))

	_, err := u.UploadFile(context.Background(), path)
	if !models.IsNetwork(err) {
		t.Errorf("err = %v, want network error", err)
	}
	if IsRejected(err) {
		t.Error("a transport failure is not a rejection")
	}
}

func TestDropFolder_uploadsEachContentOnce(t *testing.T) {
	u, backend := newUploader(t)
	d := NewDropFolder(u, nil)
	dir := t.TempDir()
	content := pngBytes(t, 3, 3)
	first := writeTemp(t, dir, "a.png", content)
	copyOf := writeTemp(t, dir, "b.png", content)

	var mu sync.Mutex
	var notified []string
	d.OnUpload(func(path string, resp *models.UploadResponse) {
		mu.Lock()
		notified = append(notified, path)
		mu.Unlock()
	})

	ok, err := d.Handle(context.Background(), first)
	if err != nil || !ok {
		t.Fatalf("first upload: ok %v, err %v", ok, err)
	}
	ok, err = d.Handle(context.Background(), copyOf)
	if err != nil || ok {
		t.Errorf("identical content should be skipped: ok %v, err %v", ok, err)
	}

	if docs := backend.Documents("session-1"); len(docs) != 1 {
		t.Errorf("got %d documents, want 1", len(docs))
	}
	if !reflect.DeepEqual(notified, []string{first}) {
		t.Errorf("notified = %v", notified)
	}
	if d.Seen() != 1 {
		t.Errorf("Seen = %d, want 1", d.Seen())
	}
}

func TestDropFolder_concurrentDuplicates(t *testing.T) {
	u, backend := newUploader(t)
	d := NewDropFolder(u, nil)
	path := writeTemp(t, t.TempDir(), "a.png", pngBytes(t, 2, 2))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = d.Handle(context.Background(), path)
		}()
	}
	wg.Wait()
	if docs := backend.Documents("session-1"); len(docs) != 1 {
		t.Errorf("got %d documents, want 1", len(docs))
	}
}

func TestDropFolder_retriesAfterTransportFailure(t *testing.T) {
	d := NewDropFolder(NewUploader(closedBackendClient()), nil)
	path := writeTemp(t, t.TempDir(), "a.png", pngBytes(t, 2, 2))

	if _, err := d.Handle(context.Background(), path); err == nil {
		t.Fatal("expected upload error")
	}
	if d.Seen() != 0 {
		t.Errorf("failed upload marked content as seen: Seen = %d", d.Seen())
	}
}

func TestDropFolder_rejectedContentStaysSeen(t *testing.T) {
	u, _ := newUploader(t)
	d := NewDropFolder(u, nil)
	path := writeTemp(t, t.TempDir(), "bad.pdf", []byte(strings.Repeat("x", 64)))

	if _, err := d.Handle(context.Background(), path); err == nil {
		t.Fatal("expected rejection")
	}
	ok, err := d.Handle(context.Background(), path)
	if err != nil || ok {
		t.Errorf("rejected content should be skipped: ok %v, err %v", ok, err)
	}
}
