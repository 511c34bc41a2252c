// Package models defines core data structures for documents, messages, transcripts, and backend payloads.
package models

// Document is an uploaded document as reported by the backend listing.
// Only Status, Processed, and ErrorMessage change after upload, and only on the backend.
type Document struct {
	ID           string `json:"id"`
	DocumentID   string `json:"document_id"`
	SessionID    string `json:"session_id"`
	Filename     string `json:"filename"`
	Status       string `json:"status"`
	UploadDate   string `json:"upload_date"`
	Processed    bool   `json:"processed"`
	FileSize     int64  `json:"file_size"`
	FileType     string `json:"file_type"`
	BlobName     string `json:"blob_name"`
	BlobURL      string `json:"blob_url,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Document lifecycle statuses reported by the backend.
const (
	StatusUploaded   = "uploaded"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusReady      = "ready"
	StatusError      = "error"
)

// Ready reports whether the document can be asked about.
func (d *Document) Ready() bool {
	return d.Processed
}

// UploadResponse is returned by the backend after an upload.
type UploadResponse struct {
	Message    string `json:"message"`
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	Size       int64  `json:"size"`
	Status     string `json:"status"`
}

// DocumentListResponse is the backend listing for one session.
type DocumentListResponse struct {
	Documents []Document `json:"documents"`
	Count     int        `json:"count"`
}

// DocumentStatus is the backend's per-document indexing status.
type DocumentStatus struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

// AskRequest is the body sent to the answering endpoint.
type AskRequest struct {
	DocumentID string `json:"document_id"`
	Question   string `json:"question"`
	SessionID  string `json:"session_id,omitempty"`
}

// AskResponse is the answering endpoint's reply. Some backend versions return
// citations under "sources".
type AskResponse struct {
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations,omitempty"`
	Sources   []Citation `json:"sources,omitempty"`
}

// AllCitations returns Citations, falling back to Sources when Citations is empty.
func (r *AskResponse) AllCitations() []Citation {
	if len(r.Citations) > 0 {
		return r.Citations
	}
	return r.Sources
}
