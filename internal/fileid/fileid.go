// Package fileid derives stable identifiers for local files.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

const contentPrefix = "sha256:"

// ContentID returns an id derived from the bytes read from r. Files with equal
// content share an id wherever they live.
func ContentID(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	return contentPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// FileContentID returns ContentID of the file at path.
func FileContentID(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return ContentID(f)
}
