package media

import (
	"bytes"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	apperrors "github.com/fieldhq/fieldsync/internal/errors"
)

func writeTestImage(t *testing.T, width, height int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x += 10 {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	path := filepath.Join(t.TempDir(), "photo.jpg")
	if err := imaging.Save(img, path, imaging.JPEGQuality(90)); err != nil {
		t.Fatalf("Failed to save test image: %v", err)
	}
	return path
}

func TestCompressPassthroughBelowThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "small.jpg")
	raw := []byte("tiny-photo-bytes")
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	c := NewCompressor(1<<20, 10<<20, 1920, 80)
	data, err := c.Compress(path)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if !bytes.Equal(data, raw) {
		t.Error("Small assets must pass through byte-for-byte")
	}
}

func TestCompressResizesOversizedImage(t *testing.T) {
	path := writeTestImage(t, 3840, 1920)

	// Threshold of 1 byte forces the resize path regardless of the
	// encoded size of the fixture.
	c := NewCompressor(1, 10<<20, 1920, 80)
	data, err := c.Compress(path)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Output is not a decodable image: %v", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() != 1920 {
		t.Errorf("Expected longest edge 1920, got %d", bounds.Dx())
	}
	if bounds.Dy() != 960 {
		t.Errorf("Expected aspect ratio preserved (960), got %d", bounds.Dy())
	}
}

func TestCompressKeepsSmallDimensions(t *testing.T) {
	path := writeTestImage(t, 800, 600)

	c := NewCompressor(1, 10<<20, 1920, 80)
	data, err := c.Compress(path)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Output is not a decodable image: %v", err)
	}
	if img.Bounds().Dx() != 800 || img.Bounds().Dy() != 600 {
		t.Errorf("Images within bounds must not be upscaled, got %dx%d",
			img.Bounds().Dx(), img.Bounds().Dy())
	}
}

func TestCompressRejectsStillOversizedResult(t *testing.T) {
	path := writeTestImage(t, 2400, 2400)

	c := NewCompressor(1, 10, 1920, 80)
	_, err := c.Compress(path)
	if err == nil {
		t.Fatal("Expected an error for an asset over the hard ceiling")
	}
	if !apperrors.Is(err, apperrors.ErrAssetTooLarge) {
		t.Errorf("Expected ASSET_TOO_LARGE, got %v", err)
	}
}

func TestCompressUnreadableFile(t *testing.T) {
	c := NewCompressor(1<<20, 10<<20, 1920, 80)
	_, err := c.Compress("/nonexistent/photo.jpg")
	if err == nil {
		t.Fatal("Expected an error for a missing file")
	}
	if !apperrors.Is(err, apperrors.ErrCompression) {
		t.Errorf("Expected COMPRESSION_FAILED, got %v", err)
	}
}

func TestCompressUndecodableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-an-image.jpg")
	if err := os.WriteFile(path, bytes.Repeat([]byte("x"), 64), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	c := NewCompressor(1, 10<<20, 1920, 80)
	_, err := c.Compress(path)
	if err == nil {
		t.Fatal("Expected an error for a corrupt asset")
	}
	if !apperrors.Is(err, apperrors.ErrCompression) {
		t.Errorf("Expected COMPRESSION_FAILED, got %v", err)
	}
}
