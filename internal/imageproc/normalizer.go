// Package imageproc turns uploaded bytes into a decoded, upright RGB frame.
package imageproc

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"

	"github.com/Tutortoise/food-freshness-service/internal/models"
)

var (
	ErrPayloadTooLarge      = errors.New("payload too large")
	ErrUnsupportedMediaType = errors.New("unsupported media type")
)

// SupportedTypes lists the accepted MIME types.
var SupportedTypes = []string{"image/jpeg", "image/png", "image/webp"}

type Normalizer struct {
	maxBytes  int64
	maxPixels int
}

func NewNormalizer(maxBytes int64, maxPixels int) *Normalizer {
	return &Normalizer{maxBytes: maxBytes, maxPixels: maxPixels}
}

func (n *Normalizer) MaxBytes() int64 {
	return n.maxBytes
}

// Normalize validates and decodes data, applying EXIF orientation. The
// declared type may be empty or generic, in which case the content decides.
func (n *Normalizer) Normalize(data []byte, declared string) (*models.Frame, error) {
	if int64(len(data)) > n.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrPayloadTooLarge, len(data), n.maxBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrUnsupportedMediaType)
	}

	if err := checkDeclared(declared); err != nil {
		return nil, err
	}

	sniffed := mimetype.Detect(data)
	if !isSupported(sniffed.String()) {
		return nil, fmt.Errorf("%w: content looks like %s", ErrUnsupportedMediaType, sniffed.String())
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedMediaType, err)
	}
	if format != "jpeg" && format != "png" && format != "webp" {
		return nil, fmt.Errorf("%w: format %s", ErrUnsupportedMediaType, format)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrUnsupportedMediaType)
	}
	if cfg.Width*cfg.Height > n.maxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrPayloadTooLarge, cfg.Width, cfg.Height, n.maxPixels)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedMediaType, err)
	}

	frame, err := models.NewFrame(img)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedMediaType, err)
	}
	return frame, nil
}

func checkDeclared(declared string) error {
	mt := strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch mt {
	case "", "application/octet-stream", "image/jpg", "image/pjpeg":
		return nil
	}
	if isSupported(mt) {
		return nil
	}
	return fmt.Errorf("%w: %q, accepted: %s", ErrUnsupportedMediaType, declared, strings.Join(SupportedTypes, ", "))
}

func isSupported(mt string) bool {
	for _, t := range SupportedTypes {
		if mt == t {
			return true
		}
	}
	return false
}
