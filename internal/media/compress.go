// Package media prepares photo assets for upload.
package media

import (
	"bytes"
	"fmt"
	"os"

	"github.com/disintegration/imaging"

	apperrors "github.com/fieldhq/fieldsync/internal/errors"
)

// Compressor shrinks oversized photos before upload. Failures here are
// terminal for the asset: a file that cannot be decoded or stays too
// large after re-encoding will not get better on retry.
type Compressor struct {
	threshold int64 // bytes; at or below, the asset is sent as-is
	maxBytes  int64 // hard ceiling after compression
	maxEdge   int   // longest edge after resize, px
	quality   int   // JPEG quality 1-100
}

// NewCompressor creates a Compressor with the given limits.
func NewCompressor(threshold, maxBytes int64, maxEdge, quality int) *Compressor {
	return &Compressor{
		threshold: threshold,
		maxBytes:  maxBytes,
		maxEdge:   maxEdge,
		quality:   quality,
	}
}

// Compress returns the upload-ready bytes for the photo at path.
// Assets at or below the threshold pass through untouched; larger ones
// are resized so the longer edge fits maxEdge and re-encoded as JPEG.
func (c *Compressor) Compress(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCompression, "photo file unreadable", err)
	}

	if info.Size() <= c.threshold {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCompression, "photo file unreadable", err)
		}
		return data, nil
	}

	// imaging.Open applies EXIF orientation so the re-encoded JPEG is
	// upright without carrying the original metadata.
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCompression, "failed to decode photo", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > c.maxEdge || bounds.Dy() > c.maxEdge {
		// Fit preserves aspect ratio and never upscales.
		img = imaging.Fit(img, c.maxEdge, c.maxEdge, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(c.quality)); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCompression, "failed to encode photo", err)
	}

	if int64(buf.Len()) > c.maxBytes {
		return nil, apperrors.New(apperrors.ErrAssetTooLarge,
			fmt.Sprintf("photo still %d bytes after compression (limit %d)", buf.Len(), c.maxBytes))
	}

	return buf.Bytes(), nil
}
