// Package imaging normalizes generated images before they are stored.
package imaging

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// Normalized is an image re-encoded for delivery.
type Normalized struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
}

// Config for image normalization
type Config struct {
	MaxEdge int // longest side in pixels (default 2048)
	Quality int // JPEG quality 1-100 (default 90)
}

// DefaultConfig returns default normalization config
func DefaultConfig() Config {
	return Config{
		MaxEdge: 2048,
		Quality: 90,
	}
}

// Normalizer re-encodes backend output as JPEG, bounded to MaxEdge.
type Normalizer struct {
	config Config
}

// NewNormalizer creates an image normalizer
func NewNormalizer(config Config) *Normalizer {
	def := DefaultConfig()
	if config.MaxEdge <= 0 {
		config.MaxEdge = def.MaxEdge
	}
	if config.Quality <= 0 || config.Quality > 100 {
		config.Quality = def.Quality
	}
	return &Normalizer{config: config}
}

// Normalize decodes data (honouring EXIF orientation), downsizes it if
// either side exceeds MaxEdge and encodes it as JPEG.
func (n *Normalizer) Normalize(data []byte) (*Normalized, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	if needsResize(img, n.config.MaxEdge) {
		img = imaging.Fit(img, n.config.MaxEdge, n.config.MaxEdge, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(n.config.Quality)); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	return &Normalized{
		Data:        buf.Bytes(),
		ContentType: "image/jpeg",
		Width:       img.Bounds().Dx(),
		Height:      img.Bounds().Dy(),
	}, nil
}

func needsResize(img image.Image, maxEdge int) bool {
	b := img.Bounds()
	return b.Dx() > maxEdge || b.Dy() > maxEdge
}
