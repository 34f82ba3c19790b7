package shape

import (
	"image"

	"gonum.org/v1/gonum/stat"

	"github.com/menta2k/orthotic-engine/pkg/types"
)

// Thresholds classify an arch index. Both comparisons are strict, so an
// index equal to Flat or High is Normal.
type Thresholds struct {
	Flat float64
	High float64
}

// DefaultThresholds are the clinical CSI cut-offs
var DefaultThresholds = Thresholds{Flat: 45, High: 30}

// Classify maps an arch index to an arch type
func Classify(archIndex float64, th Thresholds) types.ArchType {
	switch {
	case archIndex > th.Flat:
		return types.ArchFlat
	case archIndex < th.High:
		return types.ArchHigh
	default:
		return types.ArchNormal
	}
}

// SliceSpec locates the two measurement rows as fractions of footprint
// height measured from the heel end.
type SliceSpec struct {
	Isthmus      float64
	Forefoot     float64
	Band         int
	HeelAtBottom bool
}

// DefaultSlices measures at 50% and 80% of the height, heel at the bottom of
// the image.
var DefaultSlices = SliceSpec{Isthmus: 0.5, Forefoot: 0.8, Band: 0, HeelAtBottom: true}

// ArchIndex returns 100 * isthmus width / forefoot width for a region mask.
// Widths are foreground pixel counts per row, averaged over Band rows on
// either side of each slice. A footprint with no forefoot pixels yields 0.
func ArchIndex(mask *image.Gray, slices SliceSpec) float64 {
	if mask == nil || mask.Bounds().Empty() {
		return 0
	}

	isthmus := sliceWidth(mask, sliceRow(mask.Bounds(), slices.Isthmus, slices.HeelAtBottom), slices.Band)
	forefoot := sliceWidth(mask, sliceRow(mask.Bounds(), slices.Forefoot, slices.HeelAtBottom), slices.Band)
	if forefoot == 0 {
		return 0
	}
	return 100 * isthmus / forefoot
}

// SliceRows returns the isthmus and forefoot rows for a footprint occupying b
func SliceRows(b image.Rectangle, slices SliceSpec) (isthmus, forefoot int) {
	return sliceRow(b, slices.Isthmus, slices.HeelAtBottom), sliceRow(b, slices.Forefoot, slices.HeelAtBottom)
}

// sliceRow converts a height fraction from the heel into an image row
func sliceRow(b image.Rectangle, fraction float64, heelAtBottom bool) int {
	offset := int(fraction * float64(b.Dy()))
	row := b.Min.Y + offset
	if heelAtBottom {
		row = b.Max.Y - 1 - offset
	}
	if row < b.Min.Y {
		row = b.Min.Y
	}
	if row >= b.Max.Y {
		row = b.Max.Y - 1
	}
	return row
}

// sliceWidth is the mean foreground count of the rows within band of row
func sliceWidth(mask *image.Gray, row, band int) float64 {
	b := mask.Bounds()
	counts := make([]float64, 0, 2*band+1)
	for y := row - band; y <= row+band; y++ {
		if y < b.Min.Y || y >= b.Max.Y {
			continue
		}
		counts = append(counts, float64(rowCount(mask, y)))
	}
	if len(counts) == 0 {
		return 0
	}
	return stat.Mean(counts, nil)
}

func rowCount(mask *image.Gray, y int) int {
	b := mask.Bounds()
	start := mask.PixOffset(b.Min.X, y)
	n := 0
	for _, v := range mask.Pix[start : start+b.Dx()] {
		if v != 0 {
			n++
		}
	}
	return n
}
