package raster

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestImage creates a simple test image
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	// Fill with a gradient pattern
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r := uint8((x * 255) / width)
			g := uint8((y * 255) / height)
			img.Set(x, y, color.RGBA{r, g, 128, 255})
		}
	}

	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestNew(t *testing.T) {
	codec := New()
	require.NotNil(t, codec)
	assert.Equal(t, 90, codec.config.DefaultQuality)
	assert.Equal(t, 16, codec.config.MinImageSize)
}

func TestNewWithConfig(t *testing.T) {
	codec := NewWithConfig(Config{
		DefaultQuality:   95,
		SupportedFormats: []string{"png"},
		MinImageSize:     200,
	})
	assert.Equal(t, 95, codec.config.DefaultQuality)
	assert.Equal(t, 200, codec.config.MinImageSize)
}

func TestDecodePNG(t *testing.T) {
	codec := New()
	img, err := codec.Decode(encodePNG(t, createTestImage(40, 30)))
	require.NoError(t, err)
	assert.Equal(t, 40, img.Bounds().Dx())
	assert.Equal(t, 30, img.Bounds().Dy())
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := New().Decode([]byte("not an image"))
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

func TestDecodeRejectsDisallowedFormat(t *testing.T) {
	codec := NewWithConfig(Config{SupportedFormats: []string{"jpeg"}, MinImageSize: 1})
	_, err := codec.Decode(encodePNG(t, createTestImage(8, 8)))
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

func TestSaveAndLoad(t *testing.T) {
	codec := New()
	dir := t.TempDir()
	img := createTestImage(32, 32)

	for _, name := range []string{"out.png", "out.jpg", "out.webp"} {
		path := filepath.Join(dir, name)
		require.NoError(t, codec.Save(img, path, "", 0, false), name)

		loaded, err := codec.Load(path)
		require.NoError(t, err, name)
		assert.Equal(t, img.Bounds(), loaded.Bounds(), name)
	}

	assert.Error(t, codec.Save(img, filepath.Join(dir, "out.xyz"), "", 0, false))
}

func TestEncode(t *testing.T) {
	codec := New()
	data, err := codec.Encode(createTestImage(10, 10), "png")
	require.NoError(t, err)

	img, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 10, img.Bounds().Dx())

	_, err = codec.Encode(createTestImage(10, 10), "svg")
	assert.Error(t, err)
}

func TestGetImageInfo(t *testing.T) {
	info := New().GetImageInfo(createTestImage(400, 300))

	assert.Equal(t, 400, info.Width)
	assert.Equal(t, 300, info.Height)
	assert.Equal(t, float64(400)/float64(300), info.AspectRatio)
	assert.Equal(t, 120000, info.Area)
}

func TestValidateImage(t *testing.T) {
	codec := New()

	assert.NoError(t, codec.ValidateImage(createTestImage(200, 200)))

	err := codec.ValidateImage(createTestImage(8, 8))
	assert.True(t, errors.Is(err, ErrImageTooSmall))
}

func BenchmarkDecode(b *testing.B) {
	var buf bytes.Buffer
	_ = png.Encode(&buf, createTestImage(1024, 768))
	data := buf.Bytes()
	codec := New()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = codec.Decode(data)
	}
}
