// Package keyword provides full-text search over stored chat transcripts.
package keyword

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/kiku/internal/models"
)

const (
	fieldDocumentID = "document_id"
	fieldMessageID  = "message_id"
	fieldDirection  = "direction"
	fieldText       = "text"

	defaultFuzziness = 2
	deletePageSize   = 500
)

// messageDoc is the indexed form of one transcript message.
type messageDoc struct {
	DocumentID string `json:"document_id"`
	MessageID  string `json:"message_id"`
	Direction  string `json:"direction"`
	Text       string `json:"text"`
}

// TranscriptIndex indexes transcript messages in Bleve, one index document per message.
type TranscriptIndex struct {
	index bleve.Index
}

func newMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	msgMapping := bleve.NewDocumentMapping()

	// Standard analyzer: lowercase and tokenize without stemming, so a search
	// for a word finds that word.
	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name
	msgMapping.AddFieldMappingsAt(fieldText, textField)

	for _, name := range []string{fieldDocumentID, fieldMessageID, fieldDirection} {
		msgMapping.AddFieldMappingsAt(name, bleve.NewKeywordFieldMapping())
	}
	im.AddDocumentMapping("message", msgMapping)
	im.DefaultType = "message"
	im.DefaultMapping = msgMapping
	return im
}

// openTimeout bounds the wait for another process holding the index.
const openTimeout = 3 * time.Second

// NewTranscriptIndex creates or opens the index at path.
// If the mapping changes in code, remove the index directory and run a rebuild.
func NewTranscriptIndex(path string) (*TranscriptIndex, error) {
	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.OpenUsing(path, map[string]interface{}{"bolt_timeout": openTimeout.String()})
		if openErr != nil {
			return nil, fmt.Errorf("failed to open transcript index: %w", openErr)
		}
		return &TranscriptIndex{index: index}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}
	index, err := bleve.New(path, newMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript index: %w", err)
	}
	return &TranscriptIndex{index: index}, nil
}

// NewMemTranscriptIndex returns an index that lives only in memory.
func NewMemTranscriptIndex() (*TranscriptIndex, error) {
	index, err := bleve.NewMemOnly(newMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript index: %w", err)
	}
	return &TranscriptIndex{index: index}, nil
}

func messageKey(documentID, messageID string) string {
	return documentID + "/" + messageID
}

// IndexTranscript replaces everything indexed for documentID with messages.
func (t *TranscriptIndex) IndexTranscript(documentID string, messages []models.Message) error {
	if err := t.DeleteDocument(documentID); err != nil {
		return err
	}
	batch := t.index.NewBatch()
	for _, m := range messages {
		doc := messageDoc{
			DocumentID: documentID,
			MessageID:  m.ID,
			Direction:  m.Type.String(),
			Text:       m.Text,
		}
		if err := batch.Index(messageKey(documentID, m.ID), doc); err != nil {
			return fmt.Errorf("index message %s: %w", m.ID, err)
		}
	}
	if err := t.index.Batch(batch); err != nil {
		return fmt.Errorf("index transcript %s: %w", documentID, err)
	}
	return nil
}

// DeleteDocument removes every message of documentID from the index.
func (t *TranscriptIndex) DeleteDocument(documentID string) error {
	q := bleve.NewTermQuery(documentID)
	q.SetField(fieldDocumentID)
	return t.deleteMatching(q)
}

// Rebuild empties the index and indexes transcripts from scratch.
func (t *TranscriptIndex) Rebuild(ctx context.Context, transcripts []models.Transcript) (int, error) {
	if err := t.deleteMatching(bleve.NewMatchAllQuery()); err != nil {
		return 0, err
	}
	n := 0
	for _, tr := range transcripts {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := t.IndexTranscript(tr.DocumentID, tr.Messages); err != nil {
			return n, err
		}
		n += len(tr.Messages)
	}
	return n, nil
}

func (t *TranscriptIndex) deleteMatching(q blevequery.Query) error {
	for {
		req := bleve.NewSearchRequest(q)
		req.Size = deletePageSize
		res, err := t.index.Search(req)
		if err != nil {
			return fmt.Errorf("transcript index lookup failed: %w", err)
		}
		if len(res.Hits) == 0 {
			return nil
		}
		batch := t.index.NewBatch()
		for _, hit := range res.Hits {
			batch.Delete(hit.ID)
		}
		if err := t.index.Batch(batch); err != nil {
			return fmt.Errorf("transcript index delete failed: %w", err)
		}
	}
}

// Search runs q against message text. With no hits and fuzzy matching off, the
// response carries a respelled query when the index knows a close word.
func (t *TranscriptIndex) Search(ctx context.Context, q *models.HistoryQuery) (*models.HistorySearchResponse, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	var textQuery blevequery.Query
	if q.Fuzzy {
		textQuery = buildFuzzyQuery(q.Query, defaultFuzziness)
	} else {
		mq := bleve.NewMatchQuery(q.Query)
		mq.SetField(fieldText)
		textQuery = mq
	}
	if q.DocumentID != "" {
		tq := bleve.NewTermQuery(q.DocumentID)
		tq.SetField(fieldDocumentID)
		textQuery = bleve.NewConjunctionQuery(textQuery, tq)
	}

	req := bleve.NewSearchRequest(textQuery)
	req.Size = q.Limit
	req.Fields = []string{fieldDocumentID, fieldMessageID, fieldDirection, fieldText}
	res, err := t.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("transcript search failed: %w", err)
	}

	out := &models.HistorySearchResponse{
		Query: q.Query,
		Hits:  make([]*models.HistoryHit, 0, len(res.Hits)),
		Total: int(res.Total),
	}
	for i, hit := range res.Hits {
		h := &models.HistoryHit{
			DocumentID: stringField(hit.Fields, fieldDocumentID),
			MessageID:  stringField(hit.Fields, fieldMessageID),
			Text:       stringField(hit.Fields, fieldText),
			Score:      hit.Score,
			Rank:       i + 1,
		}
		_ = h.Type.UnmarshalText([]byte(stringField(hit.Fields, fieldDirection)))
		out.Hits = append(out.Hits, h)
	}
	if len(out.Hits) == 0 && !q.Fuzzy {
		if s, err := t.Suggest(q.Query); err == nil && s != "" {
			out.Suggestion = s
		}
	}
	out.QueryTime = time.Since(start).Milliseconds()
	return out, nil
}

// DocCount returns the number of indexed messages.
func (t *TranscriptIndex) DocCount() (uint64, error) {
	return t.index.DocCount()
}

// Close closes the index.
func (t *TranscriptIndex) Close() error {
	return t.index.Close()
}

func stringField(fields map[string]interface{}, name string) string {
	if s, ok := fields[name].(string); ok {
		return s
	}
	return ""
}

// tokenizeQuery splits query into lowercase terms.
func tokenizeQuery(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

// buildFuzzyQuery matches any term of queryStr within fuzziness edits.
func buildFuzzyQuery(queryStr string, fuzziness int) blevequery.Query {
	terms := tokenizeQuery(queryStr)
	if len(terms) == 0 {
		mq := bleve.NewMatchQuery(queryStr)
		mq.SetField(fieldText)
		return mq
	}
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(fuzziness)
		fq.SetField(fieldText)
		queries = append(queries, fq)
	}
	if len(queries) == 1 {
		return queries[0]
	}
	return bleve.NewDisjunctionQuery(queries...)
}
