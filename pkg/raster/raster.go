// Package raster decodes and encodes the raster images the pipeline works on.
package raster

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	// ErrUnsupportedFormat is returned for bytes no registered decoder accepts
	ErrUnsupportedFormat = errors.New("unsupported image format")
	// ErrImageTooSmall is returned when an image is below the minimum size
	ErrImageTooSmall = errors.New("image too small")
)

// Codec decodes and saves images
type Codec struct {
	config Config
}

// Config holds configuration for the codec
type Config struct {
	DefaultQuality   int
	SupportedFormats []string
	MinImageSize     int
}

// New creates a new Codec with default configuration
func New() *Codec {
	return &Codec{
		config: Config{
			DefaultQuality:   90,
			SupportedFormats: []string{"jpeg", "png", "gif", "webp", "tiff", "bmp"},
			MinImageSize:     16,
		},
	}
}

// NewWithConfig creates a new Codec with custom configuration
func NewWithConfig(config Config) *Codec {
	return &Codec{config: config}
}

// Decode decodes raw image bytes. Colour information must be present; the
// decoded image is never modified by the pipeline.
func (c *Codec) Decode(data []byte) (image.Image, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		// chai2010/webp handles extended webp variants x/image rejects
		if wimg, werr := webp.Decode(bytes.NewReader(data)); werr == nil {
			return wimg, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	if !c.isFormatSupported(format) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	return img, nil
}

// Load reads and decodes an image file
func (c *Codec) Load(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image file: %w", err)
	}
	return c.Decode(data)
}

// Save saves an image to path. The format is taken from the extension when
// format is empty.
func (c *Codec) Save(img image.Image, path, format string, quality int, lossless bool) error {
	if format == "" {
		format = strings.TrimPrefix(filepath.Ext(path), ".")
	}
	if quality <= 0 {
		quality = c.config.DefaultQuality
	}

	switch strings.ToLower(format) {
	case "webp":
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		return webp.Encode(f, img, &webp.Options{Lossless: lossless, Quality: float32(quality)})
	case "png":
		return imaging.Save(img, path)
	case "jpg", "jpeg":
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

// Encode encodes an image to PNG or JPEG bytes
func (c *Codec) Encode(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "png":
		if err := png.Encode(&buf, img); err != nil {
			return nil, err
		}
	case "jpg", "jpeg":
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.config.DefaultQuality}); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
	return buf.Bytes(), nil
}

// GetImageInfo returns basic information about an image
func (c *Codec) GetImageInfo(img image.Image) ImageInfo {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	return ImageInfo{
		Width:       width,
		Height:      height,
		AspectRatio: float64(width) / float64(height),
		Area:        width * height,
	}
}

// ImageInfo contains basic image metadata
type ImageInfo struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	AspectRatio float64 `json:"aspect_ratio"`
	Area        int     `json:"area"`
}

func (c *Codec) isFormatSupported(format string) bool {
	for _, supported := range c.config.SupportedFormats {
		if strings.EqualFold(format, supported) {
			return true
		}
	}
	return false
}

// ValidateImage checks if an image meets minimum requirements
func (c *Codec) ValidateImage(img image.Image) error {
	bounds := img.Bounds()
	if bounds.Dx() < c.config.MinImageSize || bounds.Dy() < c.config.MinImageSize {
		return fmt.Errorf("%w: %dx%d (minimum: %d)", ErrImageTooSmall,
			bounds.Dx(), bounds.Dy(), c.config.MinImageSize)
	}
	return nil
}
