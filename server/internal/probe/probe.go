// Package probe inspects camera images without decoding their pixels.
package probe

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg" // register the JPEG decoder for image.DecodeConfig
)

// Height returns the pixel height of the encoded image in b. Only the image
// header is parsed.
func Height(b []byte) (int, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(b))
	if err != nil {
		return 0, fmt.Errorf("probe: decode config: %w", err)
	}
	if cfg.Height <= 0 {
		return 0, fmt.Errorf("probe: %s image has no height", format)
	}
	return cfg.Height, nil
}
