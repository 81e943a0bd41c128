package storage

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrFileTooLarge    = errors.New("file exceeds maximum size")
	ErrInvalidMimeType = errors.New("file type not allowed")
	ErrEmptyFile       = errors.New("file is empty")
)

// MaxAssetSize bounds generated images accepted from a backend (20MB).
const MaxAssetSize int64 = 20 * 1024 * 1024

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
}

// ValidateImage checks size and sniffed MIME type of raw image bytes and
// returns the detected content type.
func ValidateImage(data []byte, maxSize int64) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyFile
	}
	if int64(len(data)) > maxSize {
		return "", fmt.Errorf("%w: %d bytes", ErrFileTooLarge, len(data))
	}

	mimeType := http.DetectContentType(data)
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	if !allowedImageTypes[mimeType] {
		return "", fmt.Errorf("%w: %s", ErrInvalidMimeType, mimeType)
	}
	return mimeType, nil
}
