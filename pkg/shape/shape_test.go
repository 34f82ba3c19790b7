package shape

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/orthotic-engine/pkg/types"
)

// footprintMask draws a 100x200 footprint, toes at the top: forefoot rows
// 0-79 are 80px wide, midfoot rows 80-139 are isthmus px wide, heel rows
// 140-199 are 60px wide.
func footprintMask(isthmus int) *image.Gray {
	mask := image.NewGray(image.Rect(0, 0, 100, 200))
	for y := 0; y < 200; y++ {
		width := 80
		switch {
		case y >= 140:
			width = 60
		case y >= 80:
			width = isthmus
		}
		start := (100 - width) / 2
		for x := start; x < start+width; x++ {
			mask.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	return mask
}

type fakeDetector struct {
	regions []types.FootprintRegion
	err     error
}

func (f fakeDetector) Detect(image.Image) ([]types.FootprintRegion, error) {
	return f.regions, f.err
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestClassifyBoundaries(t *testing.T) {
	tests := []struct {
		index float64
		want  types.ArchType
	}{
		{45.01, types.ArchFlat},
		{45, types.ArchNormal},
		{35, types.ArchNormal},
		{30, types.ArchNormal},
		{29.99, types.ArchHigh},
		{0, types.ArchHigh},
		{120, types.ArchFlat},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.index, DefaultThresholds), "index %v", tt.index)
	}
}

func TestArchIndex(t *testing.T) {
	tests := []struct {
		isthmus int
		index   float64
		arch    types.ArchType
	}{
		{40, 50, types.ArchFlat},
		{36, 45, types.ArchNormal},
		{28, 35, types.ArchNormal},
		{24, 30, types.ArchNormal},
		{16, 20, types.ArchHigh},
	}
	for _, tt := range tests {
		index := ArchIndex(footprintMask(tt.isthmus), DefaultSlices)
		assert.InDelta(t, tt.index, index, 1e-9, "isthmus %d", tt.isthmus)
		assert.Equal(t, tt.arch, Classify(index, DefaultThresholds))
	}
}

func TestArchIndexHeelAtTop(t *testing.T) {
	// flipped footprint: heel rows are now 0-59
	flipped := image.NewGray(image.Rect(0, 0, 100, 200))
	src := footprintMask(20)
	for y := 0; y < 200; y++ {
		for x := 0; x < 100; x++ {
			flipped.SetGray(x, 199-y, src.GrayAt(x, y))
		}
	}

	slices := DefaultSlices
	slices.HeelAtBottom = false
	assert.InDelta(t, 25.0, ArchIndex(flipped, slices), 1e-9)
}

func TestArchIndexBandAveraging(t *testing.T) {
	mask := footprintMask(40)
	slices := DefaultSlices
	slices.Band = 2
	assert.InDelta(t, 50.0, ArchIndex(mask, slices), 1e-9)
}

func TestArchIndexDegenerate(t *testing.T) {
	assert.Equal(t, 0.0, ArchIndex(nil, DefaultSlices))
	assert.Equal(t, 0.0, ArchIndex(image.NewGray(image.Rect(0, 0, 10, 10)), DefaultSlices))
}

func TestArchIndexOffsetBounds(t *testing.T) {
	// masks cropped from a larger image may not start at the origin
	mask := footprintMask(28)
	shifted := &image.Gray{
		Pix:    mask.Pix,
		Stride: mask.Stride,
		Rect:   image.Rect(300, 40, 400, 240),
	}
	assert.InDelta(t, 35.0, ArchIndex(shifted, DefaultSlices), 1e-9)
}

func TestSegmentAndClassifyOrdersSides(t *testing.T) {
	detector := fakeDetector{regions: []types.FootprintRegion{
		{Bounds: image.Rect(300, 0, 400, 200), Area: 9000, Mask: footprintMask(16)},
		{Bounds: image.Rect(10, 0, 110, 200), Area: 4000, Mask: footprintMask(40)},
	}}
	analyzer := NewWithConfig(Config{Detector: detector})

	fp, err := analyzer.SegmentAndClassify(pngBytes(t, 64, 64))
	require.NoError(t, err)

	assert.Equal(t, types.Left, fp.Left.Side)
	assert.Equal(t, types.ArchFlat, fp.Left.ArchType)
	assert.Equal(t, 100, fp.Left.WidthPx)
	assert.Equal(t, 200, fp.Left.HeightPx)

	require.NotNil(t, fp.Right)
	assert.Equal(t, types.Right, fp.Right.Side)
	assert.Equal(t, types.ArchHigh, fp.Right.ArchType)
}

func TestSegmentAndClassifySingleFoot(t *testing.T) {
	detector := fakeDetector{regions: []types.FootprintRegion{
		{Bounds: image.Rect(5, 5, 105, 205), Area: 9000, Mask: footprintMask(28)},
	}}
	fp, err := NewWithConfig(Config{Detector: detector}).SegmentAndClassify(pngBytes(t, 32, 32))
	require.NoError(t, err)
	assert.Nil(t, fp.Right)
	assert.Equal(t, types.ArchNormal, fp.Left.ArchType)
	assert.Len(t, fp.Profiles(), 1)
}

func TestSegmentAndClassifyNoFootprint(t *testing.T) {
	analyzer := NewWithConfig(Config{Detector: fakeDetector{}})
	_, err := analyzer.SegmentAndClassify(pngBytes(t, 32, 32))
	assert.True(t, errors.Is(err, ErrNoFootprintDetected))
}

func TestSegmentAndClassifyDetectorError(t *testing.T) {
	analyzer := NewWithConfig(Config{Detector: fakeDetector{err: errors.New("boom")}})
	_, err := analyzer.SegmentAndClassify(pngBytes(t, 32, 32))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoFootprintDetected))
}

func TestSegmentAndClassifyBadImage(t *testing.T) {
	_, err := New().SegmentAndClassify([]byte("%PDF-1.4"))
	assert.Error(t, err)
}

func TestSegmentAndClassifyDeterministic(t *testing.T) {
	detector := fakeDetector{regions: []types.FootprintRegion{
		{Bounds: image.Rect(0, 0, 100, 200), Area: 1, Mask: footprintMask(31)},
	}}
	analyzer := NewWithConfig(Config{Detector: detector})
	data := pngBytes(t, 32, 32)

	first, err := analyzer.SegmentAndClassify(data)
	require.NoError(t, err)
	second, err := analyzer.SegmentAndClassify(data)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDefaultProfile(t *testing.T) {
	p := DefaultProfile(types.Left)
	assert.Equal(t, 35.0, p.ArchIndex)
	assert.Equal(t, types.ArchNormal, p.ArchType)
}

func BenchmarkArchIndex(b *testing.B) {
	mask := footprintMask(30)
	for i := 0; i < b.N; i++ {
		ArchIndex(mask, DefaultSlices)
	}
}
