package extract

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
)

// inspectImage reads only the image header to report format and dimensions.
func inspectImage(content []byte) (*Info, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return &Info{Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}
