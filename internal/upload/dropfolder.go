package upload

import (
	"context"
	"sync"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/hyperjump/kiku/internal/fileid"
	"github.com/hyperjump/kiku/internal/models"
)

// DropFolder uploads files reported by a folder watcher, at most once per
// content hash for the life of the process.
type DropFolder struct {
	uploader *Uploader
	seen     *cache.Cache
	logger   *zap.Logger

	mu       sync.Mutex
	onUpload func(path string, resp *models.UploadResponse)
}

// NewDropFolder returns a DropFolder that sends through uploader.
func NewDropFolder(uploader *Uploader, logger *zap.Logger) *DropFolder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DropFolder{
		uploader: uploader,
		seen:     cache.New(cache.NoExpiration, 0),
		logger:   logger,
	}
}

// OnUpload registers fn to run after each successful upload.
func (d *DropFolder) OnUpload(fn func(path string, resp *models.UploadResponse)) {
	d.mu.Lock()
	d.onUpload = fn
	d.mu.Unlock()
}

// Handle uploads the file at path unless identical content was already
// uploaded or is being uploaded. uploaded is false for duplicates.
func (d *DropFolder) Handle(ctx context.Context, path string) (uploaded bool, err error) {
	id, err := fileid.FileContentID(path)
	if err != nil {
		return false, err
	}
	// Add fails when the hash is present, so concurrent duplicates upload once.
	if err := d.seen.Add(id, path, cache.NoExpiration); err != nil {
		d.logger.Debug("Skipping duplicate drop", zap.String("path", path), zap.String("content_id", id))
		return false, nil
	}
	resp, err := d.uploader.UploadFile(ctx, path)
	if err != nil {
		if !IsRejected(err) {
			// Transport failures may succeed on the next drop of the same file.
			d.seen.Delete(id)
		}
		d.logger.Warn("Drop-folder upload failed", zap.String("path", path), zap.Error(err))
		return false, err
	}
	d.mu.Lock()
	fn := d.onUpload
	d.mu.Unlock()
	if fn != nil {
		fn(path, resp)
	}
	return true, nil
}

// Seen returns how many distinct contents were accepted.
func (d *DropFolder) Seen() int {
	return d.seen.ItemCount()
}
