// Package cli provides CLI output helpers for kiku.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/hyperjump/kiku/internal/extract"
	"github.com/hyperjump/kiku/internal/models"
	"github.com/hyperjump/kiku/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseFormat returns the format named by s; an empty string means text.
func ParseFormat(s string) (OutputFormat, error) {
	switch OutputFormat(strings.ToLower(strings.TrimSpace(s))) {
	case "", OutputText:
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (use text or json)", s)
	}
}

const maxFilenameRunes = 40

const rule = "─────────────────────────────────────────────────────────"

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteDocuments writes the session's document list.
func WriteDocuments(w io.Writer, docs []models.Document, format OutputFormat) error {
	if format == OutputJSON {
		if docs == nil {
			docs = []models.Document{}
		}
		return writeJSON(w, models.DocumentListResponse{Documents: docs, Count: len(docs)})
	}
	if len(docs) == 0 {
		fmt.Fprintln(w, "No documents yet. Upload one with: kiku upload <file>")
		return nil
	}
	fmt.Fprintf(w, "%d document(s)\n\n", len(docs))
	for _, d := range docs {
		fmt.Fprintf(w, "● %-10s %s\n", StatusLabel(d), TruncateFilename(d.Filename, maxFilenameRunes))
		fmt.Fprintf(w, "  id: %s | %s | uploaded %s\n", d.DocumentID, FormatFileSize(d.FileSize), FormatDate(d.UploadDate))
		if d.ErrorMessage != "" {
			fmt.Fprintf(w, "  error: %s\n", d.ErrorMessage)
		}
	}
	return nil
}

// StatusLabel is the short status shown next to a document.
func StatusLabel(d models.Document) string {
	switch {
	case d.Processed:
		return "Ready"
	case d.Status == models.StatusProcessing:
		return "Processing"
	case d.Status == models.StatusError:
		return "Error"
	default:
		return "Uploaded"
	}
}

// WriteTranscript writes a chat transcript.
func WriteTranscript(w io.Writer, messages []models.Message, format OutputFormat) error {
	if format == OutputJSON {
		if messages == nil {
			messages = []models.Message{}
		}
		return writeJSON(w, messages)
	}
	for _, m := range messages {
		WriteMessage(w, m)
	}
	return nil
}

// WriteReply writes a single reply message.
func WriteReply(w io.Writer, m models.Message, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, m)
	}
	WriteMessage(w, m)
	return nil
}

// WriteMessage writes one message with its citations in text form.
func WriteMessage(w io.Writer, m models.Message) {
	who := "You"
	if m.Type == models.DirectionSystem {
		who = "Assistant"
	}
	fmt.Fprintf(w, "[%s] %s:\n%s\n", FormatTimestamp(m.Timestamp), who, m.Text)
	if len(m.Citations) > 0 {
		fmt.Fprintf(w, "\nSources (%d):\n", len(m.Citations))
		for i, c := range m.Citations {
			fmt.Fprintf(w, "  %d. %s", i+1, c.Reference())
			if pct, ok := c.ScorePercent(); ok {
				fmt.Fprintf(w, " (%d%%, %s)", pct, models.SimilarityLabel(*c.Score))
			}
			fmt.Fprintln(w)
			fmt.Fprintf(w, "     %s\n", utils.Truncate(utils.SingleLine(c.Text), 160))
		}
	}
	fmt.Fprintln(w)
}

// WriteHistoryHits writes transcript search results.
func WriteHistoryHits(w io.Writer, resp *models.HistorySearchResponse, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, resp)
	}
	fmt.Fprintf(w, "\nFound %d messages in %dms\n\n", resp.Total, resp.QueryTime)
	if resp.Total == 0 && resp.Suggestion != "" {
		fmt.Fprintf(w, "Did you mean: %s\n\n", resp.Suggestion)
	}
	for _, h := range resp.Hits {
		fmt.Fprintln(w, rule)
		fmt.Fprintf(w, "Rank: %d | Score: %.4f | %s in %s\n", h.Rank, h.Score, h.Type, h.DocumentID)
		fmt.Fprintf(w, "\n%s\n\n", utils.Truncate(utils.SingleLine(h.Text), 200))
	}
	return nil
}

// WriteInspect writes what was found in a local file.
func WriteInspect(w io.Writer, path string, info *extract.Info, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, struct {
			Path string `json:"path"`
			*extract.Info
		}{path, info})
	}
	fmt.Fprintf(w, "File:   %s\n", path)
	fmt.Fprintf(w, "Format: %s\n", info.Format)
	if info.Pages > 0 {
		fmt.Fprintf(w, "Pages:  %d\n", info.Pages)
	}
	if info.Width > 0 {
		fmt.Fprintf(w, "Size:   %dx%d\n", info.Width, info.Height)
	} else {
		fmt.Fprintf(w, "Words:  %d\n", info.Words)
	}
	if info.Preview != "" {
		fmt.Fprintf(w, "\n%s\n", info.Preview)
	}
	return nil
}

var sizeUnits = []string{"Bytes", "KB", "MB", "GB"}

// FormatFileSize renders a byte count as "1.5 MB", with up to two decimals.
func FormatFileSize(bytes int64) string {
	if bytes <= 0 {
		return "0 Bytes"
	}
	v := float64(bytes)
	i := 0
	for v >= 1024 && i < len(sizeUnits)-1 {
		v /= 1024
		i++
	}
	v = math.Round(v*100) / 100
	s := strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", v), "0"), ".")
	return s + " " + sizeUnits[i]
}

// FormatTimestamp renders the local hour and minute of t.
func FormatTimestamp(t time.Time) string {
	return t.Local().Format("15:04")
}

// FormatDate renders a backend upload date in local time, or returns it
// unchanged when it does not parse.
func FormatDate(s string) string {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Local().Format("2006-01-02 15:04")
		}
	}
	return s
}

// TruncateFilename shortens name to maxRunes, keeping its extension.
func TruncateFilename(name string, maxRunes int) string {
	r := []rune(name)
	if len(r) <= maxRunes {
		return name
	}
	if maxRunes <= 3 {
		return string(r[:maxRunes])
	}
	var ext []rune
	if i := strings.LastIndex(name, "."); i > 0 {
		ext = []rune(name[i:])
	}
	keep := maxRunes - len(ext) - 3
	if keep < 1 {
		return string(r[:maxRunes-3]) + "..."
	}
	return string(r[:keep]) + "..." + string(ext)
}
