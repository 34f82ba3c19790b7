package vision

import (
	"fmt"
	"image"
	"image/color"
	"sort"

	"gocv.io/x/gocv"

	"github.com/menta2k/orthotic-engine/pkg/types"
)

// FootprintDetector segments heatmap/ink footprints from a page or scan
type FootprintDetector struct {
	config DetectionConfig
}

// DetectionConfig holds configuration for footprint segmentation
type DetectionConfig struct {
	// HSV window (OpenCV ranges: H 0-180, S and V 0-255) of foreground pixels.
	// The default keeps anything with colour and brightness, rejecting
	// white and grey page background.
	LowerHSV [3]float64
	UpperHSV [3]float64
	// MaxRegions keeps only the largest regions by contour area
	MaxRegions int
	// MinRegionArea drops contours smaller than this before ranking
	MinRegionArea float64
}

// New creates a new FootprintDetector with default configuration
func New() *FootprintDetector {
	return &FootprintDetector{
		config: DetectionConfig{
			LowerHSV:      [3]float64{0, 50, 50},
			UpperHSV:      [3]float64{180, 255, 255},
			MaxRegions:    2,
			MinRegionArea: 0,
		},
	}
}

// NewWithConfig creates a new FootprintDetector with custom configuration
func NewWithConfig(config DetectionConfig) *FootprintDetector {
	if config.MaxRegions < 1 {
		config.MaxRegions = 2
	}
	return &FootprintDetector{config: config}
}

// Detect segments img and returns at most MaxRegions footprint regions
// ordered by the left edge of their bounding box. The input is not modified.
func (d *FootprintDetector) Detect(img image.Image) ([]types.FootprintRegion, error) {
	src, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("failed to convert image: %w", err)
	}
	defer src.Close()

	mask := d.foregroundMask(src)
	defer mask.Close()

	contours := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	candidates := make([]candidate, 0, contours.Size())
	for i := 0; i < contours.Size(); i++ {
		contour := contours.At(i)
		area := gocv.ContourArea(contour)
		if area < d.config.MinRegionArea {
			continue
		}
		candidates = append(candidates, candidate{
			index:  i,
			area:   area,
			bounds: gocv.BoundingRect(contour),
		})
	}

	selected := selectCandidates(candidates, d.config.MaxRegions)

	regions := make([]types.FootprintRegion, 0, len(selected))
	for _, c := range selected {
		regionMask, err := d.regionMask(mask, contours, c)
		if err != nil {
			return nil, err
		}
		regions = append(regions, types.FootprintRegion{
			Contour: contours.At(c.index).ToPoints(),
			Bounds:  c.bounds,
			Area:    c.area,
			Mask:    regionMask,
		})
	}

	return regions, nil
}

// foregroundMask builds the binary mask of non-background pixels
func (d *FootprintDetector) foregroundMask(src gocv.Mat) gocv.Mat {
	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(src, &hsv, gocv.ColorBGRToHSV)

	lo, hi := d.config.LowerHSV, d.config.UpperHSV
	mask := gocv.NewMat()
	gocv.InRangeWithScalar(hsv,
		gocv.NewScalar(lo[0], lo[1], lo[2], 0),
		gocv.NewScalar(hi[0], hi[1], hi[2], 0),
		&mask)
	return mask
}

// regionMask returns the foreground pixels inside one contour, cropped to its
// bounding box. Pixels of a neighbouring footprint that intrude into the box
// are excluded.
func (d *FootprintDetector) regionMask(mask gocv.Mat, contours gocv.PointsVector, c candidate) (*image.Gray, error) {
	filled := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), mask.Rows(), mask.Cols(), gocv.MatTypeCV8U)
	defer filled.Close()
	gocv.DrawContours(&filled, contours, c.index, color.RGBA{R: 255, G: 255, B: 255, A: 255}, -1)

	inside := gocv.NewMat()
	defer inside.Close()
	gocv.BitwiseAnd(mask, filled, &inside)

	roi := inside.Region(c.bounds)
	defer roi.Close()
	crop := roi.Clone()
	defer crop.Close()

	img, err := crop.ToImage()
	if err != nil {
		return nil, fmt.Errorf("failed to read region mask: %w", err)
	}
	gray, ok := img.(*image.Gray)
	if !ok {
		return nil, fmt.Errorf("unexpected region mask type %T", img)
	}
	return gray, nil
}

type candidate struct {
	index  int
	area   float64
	bounds image.Rectangle
}

// selectCandidates keeps the limit largest candidates by area and returns them
// ordered by bounding-box left edge. Equal areas keep contour order.
func selectCandidates(candidates []candidate, limit int) []candidate {
	ranked := append([]candidate(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].area > ranked[j].area
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].bounds.Min.X < ranked[j].bounds.Min.X
	})
	return ranked
}

// OrderRegions applies the same largest-then-leftmost selection to already
// extracted regions.
func OrderRegions(regions []types.FootprintRegion, limit int) []types.FootprintRegion {
	candidates := make([]candidate, len(regions))
	for i, r := range regions {
		candidates[i] = candidate{index: i, area: r.Area, bounds: r.Bounds}
	}

	selected := selectCandidates(candidates, limit)
	out := make([]types.FootprintRegion, len(selected))
	for i, c := range selected {
		out[i] = regions[c.index]
	}
	return out
}
