// Package shape turns a footprint image into per-foot shape profiles.
package shape

import (
	"errors"
	"fmt"
	"image"

	"go.uber.org/zap"

	"github.com/menta2k/orthotic-engine/internal/logging"
	"github.com/menta2k/orthotic-engine/pkg/raster"
	"github.com/menta2k/orthotic-engine/pkg/types"
	"github.com/menta2k/orthotic-engine/pkg/vision"
)

// ErrNoFootprintDetected is returned when segmentation finds no region
var ErrNoFootprintDetected = errors.New("no footprint detected")

// Detector segments an image into footprint regions
type Detector interface {
	Detect(img image.Image) ([]types.FootprintRegion, error)
}

// Analyzer implements segment-and-classify over raw image bytes
type Analyzer struct {
	codec      *raster.Codec
	detector   Detector
	slices     SliceSpec
	thresholds Thresholds
	logger     *zap.Logger
}

// Config holds configuration for the analyzer
type Config struct {
	Slices     SliceSpec
	Thresholds Thresholds
	Codec      *raster.Codec
	Detector   Detector
	Logger     *zap.Logger
}

// New creates an Analyzer with default configuration
func New() *Analyzer {
	return NewWithConfig(Config{})
}

// NewWithConfig creates an Analyzer; zero-valued fields take defaults
func NewWithConfig(config Config) *Analyzer {
	a := &Analyzer{
		codec:      config.Codec,
		detector:   config.Detector,
		slices:     config.Slices,
		thresholds: config.Thresholds,
		logger:     logging.OrNop(config.Logger),
	}
	if a.codec == nil {
		a.codec = raster.New()
	}
	if a.detector == nil {
		a.detector = vision.New()
	}
	if a.slices == (SliceSpec{}) {
		a.slices = DefaultSlices
	}
	if a.thresholds == (Thresholds{}) {
		a.thresholds = DefaultThresholds
	}
	return a
}

// SegmentAndClassify decodes data and returns the left profile and, when a
// second footprint exists, the right one.
func (a *Analyzer) SegmentAndClassify(data []byte) (types.Footprints, error) {
	img, err := a.codec.Decode(data)
	if err != nil {
		return types.Footprints{}, fmt.Errorf("failed to decode footprint image: %w", err)
	}
	if err := a.codec.ValidateImage(img); err != nil {
		return types.Footprints{}, err
	}
	return a.AnalyzeImage(img)
}

// AnalyzeImage is SegmentAndClassify on an already decoded image
func (a *Analyzer) AnalyzeImage(img image.Image) (types.Footprints, error) {
	fp, _, err := a.AnalyzeRegions(img)
	return fp, err
}

// AnalyzeRegions also returns the regions the profiles were measured on, in
// the same left-to-right order.
func (a *Analyzer) AnalyzeRegions(img image.Image) (types.Footprints, []types.FootprintRegion, error) {
	regions, err := a.detector.Detect(img)
	if err != nil {
		return types.Footprints{}, nil, fmt.Errorf("segmentation failed: %w", err)
	}
	regions = vision.OrderRegions(regions, 2)
	if len(regions) == 0 {
		return types.Footprints{}, nil, ErrNoFootprintDetected
	}

	fp := types.Footprints{Left: a.Profile(regions[0], types.Left)}
	if len(regions) > 1 {
		right := a.Profile(regions[1], types.Right)
		fp.Right = &right
	}

	a.logger.Debug("footprints analyzed",
		zap.Int("regions", len(regions)),
		zap.Float64("left_arch_index", fp.Left.ArchIndex),
		zap.String("left_arch_type", string(fp.Left.ArchType)))

	return fp, regions, nil
}

// Profile measures one region
func (a *Analyzer) Profile(region types.FootprintRegion, side types.Side) types.ShapeProfile {
	index := ArchIndex(region.Mask, a.slices)
	return types.ShapeProfile{
		Side:      side,
		WidthPx:   region.Bounds.Dx(),
		HeightPx:  region.Bounds.Dy(),
		ArchIndex: index,
		ArchType:  Classify(index, a.thresholds),
	}
}

// Slices returns the slice specification in use
func (a *Analyzer) Slices() SliceSpec {
	return a.slices
}

// DefaultProfile is used when a request carries no image
func DefaultProfile(side types.Side) types.ShapeProfile {
	return types.ShapeProfile{
		Side:      side,
		ArchIndex: 35,
		ArchType:  types.ArchNormal,
	}
}
