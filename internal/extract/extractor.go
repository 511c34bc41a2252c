// Package extract inspects uploadable documents: page and word counts, a text
// preview, and image dimensions.
package extract

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hyperjump/kiku/pkg/utils"
)

// previewRunes is the length of the text preview.
const previewRunes = 200

// ErrUnsupported is returned for file types that cannot be inspected.
var ErrUnsupported = errors.New("unsupported file type")

// Info describes a document's content.
type Info struct {
	Format  string `json:"format"`
	Pages   int    `json:"pages,omitempty"`
	Words   int    `json:"words,omitempty"`
	Preview string `json:"preview,omitempty"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
}

// HasText reports whether any text was found.
func (i *Info) HasText() bool {
	return i.Words > 0
}

// Extractor inspects document files.
type Extractor struct{}

// NewExtractor returns a new Extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Inspect reads the file at path and describes its content.
func (e *Extractor) Inspect(path string) (*Info, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return e.InspectBytes(content, strings.ToLower(filepath.Ext(path)))
}

// InspectBytes describes content based on ext, which includes the leading dot.
func (e *Extractor) InspectBytes(content []byte, ext string) (*Info, error) {
	switch strings.ToLower(ext) {
	case ".pdf":
		text, pages, err := extractPDF(content)
		if err != nil {
			return nil, err
		}
		info := textInfo("pdf", text)
		info.Pages = pages
		return info, nil
	case ".docx":
		text, err := extractDOCX(content)
		if err != nil {
			return nil, err
		}
		return textInfo("docx", text), nil
	case ".jpg", ".jpeg", ".png":
		return inspectImage(content)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, ext)
	}
}

func textInfo(format, text string) *Info {
	flat := utils.SingleLine(text)
	return &Info{
		Format:  format,
		Words:   len(strings.Fields(flat)),
		Preview: utils.Truncate(flat, previewRunes),
	}
}
