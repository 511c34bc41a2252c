package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Direction says who authored a message. It has exactly two values.
type Direction uint8

const (
	// DirectionUser is a question typed by the user.
	DirectionUser Direction = iota + 1
	// DirectionSystem is a reply produced by the backend or synthesized locally.
	DirectionSystem
)

// String returns the wire name: "user" or "bot".
func (d Direction) String() string {
	switch d {
	case DirectionUser:
		return "user"
	case DirectionSystem:
		return "bot"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d Direction) MarshalText() ([]byte, error) {
	switch d {
	case DirectionUser, DirectionSystem:
		return []byte(d.String()), nil
	default:
		return nil, fmt.Errorf("invalid message direction %d", uint8(d))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler. Unknown names are rejected.
func (d *Direction) UnmarshalText(text []byte) error {
	switch string(text) {
	case "user":
		*d = DirectionUser
	case "bot":
		*d = DirectionSystem
	default:
		return fmt.Errorf("invalid message direction %q", string(text))
	}
	return nil
}

// Citation references an excerpt of the source document supporting an answer.
type Citation struct {
	Text         string   `json:"text"`
	PageNumber   *int     `json:"page_number,omitempty"`
	Section      *string  `json:"section,omitempty"`
	ChunkID      *string  `json:"chunk_id,omitempty"`
	Score        *float64 `json:"score,omitempty"`
	DocumentName *string  `json:"document_name,omitempty"`
}

// ScorePercent returns the relevance score as a whole percentage, rounded to nearest.
// ok is false when the citation carries no score.
func (c *Citation) ScorePercent() (pct int, ok bool) {
	if c.Score == nil {
		return 0, false
	}
	return int(math.Round(*c.Score * 100)), true
}

// Reference returns a short locator such as "Page 3, Introduction, Chunk c-7".
func (c *Citation) Reference() string {
	var parts []string
	if c.PageNumber != nil && *c.PageNumber != 0 {
		parts = append(parts, fmt.Sprintf("Page %d", *c.PageNumber))
	}
	if c.Section != nil && *c.Section != "" {
		parts = append(parts, *c.Section)
	}
	if c.ChunkID != nil && *c.ChunkID != "" {
		parts = append(parts, "Chunk "+*c.ChunkID)
	}
	if len(parts) == 0 {
		return "Reference"
	}
	return strings.Join(parts, ", ")
}

// SimilarityLabel buckets a relevance score into a human label.
func SimilarityLabel(score float64) string {
	switch {
	case score >= 0.9:
		return "Excellent Match"
	case score >= 0.8:
		return "High Relevance"
	case score >= 0.7:
		return "Good Match"
	case score >= 0.6:
		return "Moderate Match"
	default:
		return "Low Relevance"
	}
}

// Message is one entry of a transcript.
type Message struct {
	ID        string     `json:"id"`
	Type      Direction  `json:"type"`
	Text      string     `json:"text"`
	Timestamp time.Time  `json:"timestamp"`
	Citations []Citation `json:"citations,omitempty"`
}

// Transcript is the stored message log of one document.
type Transcript struct {
	DocumentID string    `json:"document_id"`
	Messages   []Message `json:"messages"`
	UpdatedAt  time.Time `json:"updated_at"`
}
