package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/decorai/decorai-api/internal/pkg/imaging"
)

var ErrInvalidDataURI = errors.New("invalid data URI")

// AssetStore persists generated images and returns their stable URLs.
type AssetStore struct {
	storage    Storage
	normalizer *imaging.Normalizer
	prefix     string
}

// NewAssetStore creates an asset store writing under "generations/".
func NewAssetStore(storage Storage, normalizer *imaging.Normalizer) *AssetStore {
	return &AssetStore{
		storage:    storage,
		normalizer: normalizer,
		prefix:     "generations",
	}
}

// PutGenerated stores the output of a job. The key is derived from the job
// id, so a retried upload overwrites instead of leaking a second object.
func (a *AssetStore) PutGenerated(ctx context.Context, jobID string, data []byte) (string, error) {
	contentType, err := ValidateImage(data, MaxAssetSize)
	if err != nil {
		return "", err
	}

	ext := extensionFor(contentType)
	if a.normalizer != nil {
		normalized, nerr := a.normalizer.Normalize(data)
		if nerr == nil {
			data, contentType, ext = normalized.Data, normalized.ContentType, ".jpg"
		} else {
			// Formats the decoder can't read (webp) are stored as received.
			log.Warn().Err(nerr).Str("job_id", jobID).Str("content_type", contentType).Msg("Storing generated image without normalization")
		}
	}

	key := fmt.Sprintf("%s/%s%s", a.prefix, jobID, ext)
	if err := a.storage.Put(ctx, key, bytes.NewReader(data), contentType); err != nil {
		return "", err
	}
	return a.storage.GetURL(key), nil
}

// DecodeDataURI returns the payload of a base64 data: URI.
func DecodeDataURI(uri string) ([]byte, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return nil, ErrInvalidDataURI
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, ErrInvalidDataURI
	}
	if !strings.HasSuffix(meta, ";base64") {
		decoded, err := url.PathUnescape(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDataURI, err)
		}
		return []byte(decoded), nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDataURI, err)
	}
	return data, nil
}

// IsStableURL reports whether s is an absolute http(s) URL usable as output as is.
func IsStableURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".jpg"
	}
}
