package models

// HistoryHit is one message matched by a transcript search.
type HistoryHit struct {
	DocumentID string    `json:"document_id"`
	MessageID  string    `json:"message_id"`
	Type       Direction `json:"type"`
	Text       string    `json:"text"`
	Score      float64   `json:"score"`
	Rank       int       `json:"rank"`
}

// HistorySearchResponse is the result of a transcript search. Suggestion is a
// respelled query offered when nothing matched.
type HistorySearchResponse struct {
	Query      string        `json:"query"`
	Hits       []*HistoryHit `json:"hits"`
	Total      int           `json:"total"`
	QueryTime  int64         `json:"query_time_ms"`
	Suggestion string        `json:"suggestion,omitempty"`
}
