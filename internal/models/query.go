package models

import "fmt"

// HistoryQuery is a full-text search over stored transcripts.
type HistoryQuery struct {
	Query      string `json:"query"`
	Limit      int    `json:"limit,omitempty"`
	DocumentID string `json:"document_id,omitempty"` // restrict to one transcript
	Fuzzy      bool   `json:"fuzzy,omitempty"`
}

// Validate ensures the query is non-empty and normalizes the limit.
func (q *HistoryQuery) Validate() error {
	if q.Query == "" {
		return fmt.Errorf("query cannot be empty")
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	return nil
}
