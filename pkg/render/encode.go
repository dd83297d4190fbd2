package render

import (
	"bytes"
	"fmt"

	"github.com/gogpu/gg"
)

// Encoding policy: prefer a quality-scaled JPEG for size and speed. If the
// first pass exceeds the upload transport's size ceiling, re-encode at a
// more aggressive quality, falling back to JPEG regardless of the requested
// format (PNG has no quality knob to trade with).
const (
	// DefaultJPEGQuality is the first-pass JPEG quality.
	DefaultJPEGQuality = 90

	// AggressiveJPEGQuality is used when the first pass exceeds the ceiling.
	AggressiveJPEGQuality = 60

	// DefaultMaxBlobBytes matches the upload transport's practical limit.
	DefaultMaxBlobBytes = 4 << 20
)

// EncodeOptions configures canvas export.
type EncodeOptions struct {
	// Format is "jpeg" (default) or "png".
	Format string

	// Quality is the JPEG quality. Zero means DefaultJPEGQuality.
	Quality int

	// MaxBytes is the blob size ceiling. Zero means DefaultMaxBlobBytes.
	MaxBytes int
}

func (o EncodeOptions) withDefaults() EncodeOptions {
	if o.Format == "" {
		o.Format = "jpeg"
	}
	if o.Quality <= 0 {
		o.Quality = DefaultJPEGQuality
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxBlobBytes
	}
	return o
}

// encodeCanvas exports dc to a compressed blob under the size ceiling.
// Returns the blob and the file extension of the chosen format.
func encodeCanvas(dc *gg.Context, opts EncodeOptions) ([]byte, string, error) {
	opts = opts.withDefaults()

	var buf bytes.Buffer
	var ext string
	switch opts.Format {
	case "png":
		if err := dc.EncodePNG(&buf); err != nil {
			return nil, "", fmt.Errorf("encode png: %w", err)
		}
		ext = "png"
	case "jpeg", "jpg":
		if err := dc.EncodeJPEG(&buf, opts.Quality); err != nil {
			return nil, "", fmt.Errorf("encode jpeg: %w", err)
		}
		ext = "jpg"
	default:
		return nil, "", fmt.Errorf("unsupported encode format %q", opts.Format)
	}

	if buf.Len() <= opts.MaxBytes {
		return buf.Bytes(), ext, nil
	}

	// Over the ceiling: one aggressive JPEG pass.
	buf.Reset()
	if err := dc.EncodeJPEG(&buf, AggressiveJPEGQuality); err != nil {
		return nil, "", fmt.Errorf("re-encode jpeg: %w", err)
	}
	if buf.Len() > opts.MaxBytes {
		return nil, "", fmt.Errorf("encoded image is %d bytes, exceeds %d byte limit even at quality %d",
			buf.Len(), opts.MaxBytes, AggressiveJPEGQuality)
	}
	return buf.Bytes(), "jpg", nil
}
