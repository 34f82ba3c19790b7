// Package orthotic turns footprint evidence into deformed 3D insole meshes
// and a print infill recommendation.
//
// Basic usage:
//
//	engine, err := orthotic.New(config.Default())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	scan, _ := os.ReadFile("scan.png")
//	result, err := engine.Process(ctx, types.NewRecord(82, 43, types.DiagnosisNormal, scan))
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println(result.Feet[0].MeshPath, result.Infill)
//
// The pipeline consists of:
//
//  1. Shape analysis (pkg/shape, pkg/vision): segments the scan into left and
//     right footprints and classifies each arch.
//  2. Morphing (pkg/morph, pkg/template): scales the master insole by size,
//     weight and arch type and exports it as STL.
//  3. Infill (pkg/infill): maps body weight to a print density.
//
// Requests share nothing but the read-only template store, so an Engine may
// serve concurrent calls.
package orthotic

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/menta2k/orthotic-engine/internal/config"
	"github.com/menta2k/orthotic-engine/internal/jobs"
	"github.com/menta2k/orthotic-engine/internal/logging"
	"github.com/menta2k/orthotic-engine/internal/utils"
	"github.com/menta2k/orthotic-engine/pkg/infill"
	"github.com/menta2k/orthotic-engine/pkg/morph"
	"github.com/menta2k/orthotic-engine/pkg/overlay"
	"github.com/menta2k/orthotic-engine/pkg/raster"
	"github.com/menta2k/orthotic-engine/pkg/shape"
	"github.com/menta2k/orthotic-engine/pkg/template"
	"github.com/menta2k/orthotic-engine/pkg/types"
	"github.com/menta2k/orthotic-engine/pkg/vision"
)

// Version of the orthotic engine
const Version = "1.0.0"

var (
	// ErrIncompleteRecord is returned when weight or target size is missing
	ErrIncompleteRecord = errors.New("incomplete measurement record")
	// ErrSideNotDetected is returned when the requested foot is not on the scan
	ErrSideNotDetected = errors.New("requested side not detected")
)

// Engine runs the analysis, morphing and infill pipeline
type Engine struct {
	config   config.Config
	codec    *raster.Codec
	analyzer *shape.Analyzer
	morpher  *morph.Morpher
	advisor  *infill.Advisor
	overlay  *overlay.Renderer
	ledger   *jobs.Ledger
	logger   *zap.Logger

	detector   shape.Detector
	store      template.Store
	ownsLedger bool
	newID      func() string
}

// Option customizes an Engine
type Option func(*Engine)

// WithLogger sets the logger shared by every component
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithDetector replaces the OpenCV footprint detector
func WithDetector(d shape.Detector) Option {
	return func(e *Engine) { e.detector = d }
}

// WithTemplateStore replaces the directory template store
func WithTemplateStore(s template.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithLedger records jobs in l. The caller keeps ownership of l.
func WithLedger(l *jobs.Ledger) Option {
	return func(e *Engine) { e.ledger = l }
}

// WithIDGenerator overrides job id generation
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// FootResult is the output for one foot
type FootResult struct {
	Profile  types.ShapeProfile `json:"profile"`
	Scale    types.ScaleFactors `json:"scale"`
	MeshPath string             `json:"mesh_path"`
	Fallback bool               `json:"fallback_template"`
}

// Result is the output of one pipeline request
type Result struct {
	JobID           string          `json:"job_id"`
	WeightKg        float64         `json:"weight_kg"`
	TargetSize      int             `json:"target_size"`
	Diagnosis       types.Diagnosis `json:"diagnosis"`
	Source          string          `json:"source"` // "image" or "default"
	Feet            []FootResult    `json:"feet"`
	Infill          int             `json:"infill_percent"`
	ThicknessFactor float64         `json:"thickness_factor"`
}

// New creates an Engine from cfg. cfg is copied; later changes have no
// effect. The job ledger is opened when cfg.Jobs.Enabled and no ledger was
// supplied.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	e := &Engine{config: *cfg, newID: uuid.NewString}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrNop(e.logger)

	e.codec = raster.NewWithConfig(raster.Config{
		DefaultQuality:   cfg.Output.Quality,
		SupportedFormats: []string{"jpeg", "png", "gif", "webp", "tiff", "bmp"},
		MinImageSize:     cfg.Shape.MinImageSize,
	})

	if e.detector == nil {
		e.detector = vision.NewWithConfig(vision.DetectionConfig{
			LowerHSV:      cfg.Vision.LowerHSV,
			UpperHSV:      cfg.Vision.UpperHSV,
			MaxRegions:    cfg.Vision.MaxRegions,
			MinRegionArea: cfg.Vision.MinRegionArea,
		})
	}

	slices := shape.SliceSpec{
		Isthmus:      cfg.Shape.IsthmusSlice,
		Forefoot:     cfg.Shape.ForefootSlice,
		Band:         cfg.Shape.SliceBand,
		HeelAtBottom: cfg.Shape.HeelAtBottom,
	}
	e.analyzer = shape.NewWithConfig(shape.Config{
		Slices:     slices,
		Thresholds: shape.Thresholds{Flat: cfg.Shape.FlatThreshold, High: cfg.Shape.HighThreshold},
		Codec:      e.codec,
		Detector:   e.detector,
		Logger:     e.logger,
	})
	e.overlay = overlay.New(e.analyzer.Slices(), e.codec)

	if e.store == nil {
		e.store = template.NewDirStore(cfg.Templates.Dir, cfg.Templates.FilenamePattern, e.logger)
	}
	e.morpher = morph.New(morph.Config{
		MasterSize:        cfg.Morph.MasterSize,
		ReferenceWeightKg: cfg.Morph.ReferenceWeightKg,
		MinWeightMod:      cfg.Morph.MinWeightMod,
		MaxWeightMod:      cfg.Morph.MaxWeightMod,
		HighArchMod:       cfg.Morph.HighArchMod,
		FlatArchMod:       cfg.Morph.FlatArchMod,
		NormalArchMod:     cfg.Morph.NormalArchMod,
		FallbackPlate:     cfg.Morph.FallbackPlate,
	}, e.store, e.logger)

	brackets := make([]infill.Bracket, len(cfg.Infill.Brackets))
	for i, b := range cfg.Infill.Brackets {
		brackets[i] = infill.Bracket{UpperBoundKg: b.UpperBoundKg, Percent: b.Percent}
	}
	advisor, err := infill.NewWithBrackets(brackets, cfg.Infill.DefaultPercent)
	if err != nil {
		return nil, err
	}
	e.advisor = advisor

	if e.ledger == nil && cfg.Jobs.Enabled {
		ledger, err := jobs.Open(cfg.Jobs.DatabasePath)
		if err != nil {
			return nil, err
		}
		e.ledger = ledger
		e.ownsLedger = true
	}

	return e, nil
}

// Close releases the job ledger opened by New
func (e *Engine) Close() error {
	if e.ownsLedger && e.ledger != nil {
		return e.ledger.Close()
	}
	return nil
}

// Analyze segments a footprint image into shape profiles
func (e *Engine) Analyze(data []byte) (types.Footprints, error) {
	return e.analyzer.SegmentAndClassify(data)
}

// Analysis is the result of analyzing one image file
type Analysis struct {
	Image      raster.ImageInfo `json:"image"`
	Footprints types.Footprints `json:"footprints"`
	Overlay    string           `json:"overlay,omitempty"`
}

// AnalyzeWithOverlay is Analyze that also writes a debug overlay to path
func (e *Engine) AnalyzeWithOverlay(data []byte, path string) (types.Footprints, error) {
	img, err := e.codec.Decode(data)
	if err != nil {
		return types.Footprints{}, fmt.Errorf("failed to decode footprint image: %w", err)
	}
	analysis, err := e.analyzeImage(img, path)
	if err != nil {
		return types.Footprints{}, err
	}
	return analysis.Footprints, nil
}

// AnalyzeFile loads and segments an image file. The debug overlay is written
// to overlayPath unless it is empty.
func (e *Engine) AnalyzeFile(path, overlayPath string) (*Analysis, error) {
	img, err := e.codec.Load(path)
	if err != nil {
		return nil, err
	}
	return e.analyzeImage(img, overlayPath)
}

// OverlayPath is the default overlay location for an input file
func (e *Engine) OverlayPath(inputFile string) string {
	return utils.OverlayPath(inputFile, e.config.Output.Dir, e.config.Output.OverlayFormat)
}

func (e *Engine) analyzeImage(img image.Image, overlayPath string) (*Analysis, error) {
	if err := e.codec.ValidateImage(img); err != nil {
		return nil, err
	}

	fp, regions, err := e.analyzer.AnalyzeRegions(img)
	if err != nil {
		return nil, err
	}
	analysis := &Analysis{Image: e.codec.GetImageInfo(img), Footprints: fp}
	if overlayPath == "" {
		return analysis, nil
	}

	if err := utils.EnsureDir(filepath.Dir(overlayPath)); err != nil {
		return nil, fmt.Errorf("failed to create overlay directory: %w", err)
	}
	if err := e.overlay.Save(img, regions, overlayPath, "", e.config.Output.Quality); err != nil {
		return nil, fmt.Errorf("failed to save overlay: %w", err)
	}
	if info, err := os.Stat(overlayPath); err == nil {
		e.logger.Info("overlay written",
			zap.String("path", overlayPath),
			zap.String("size", utils.FormatFileSize(info.Size())))
	}
	analysis.Overlay = overlayPath
	return analysis, nil
}

// Infill returns the recommended infill percent for a body weight
func (e *Engine) Infill(weightKg float64) int {
	return e.advisor.Recommend(weightKg)
}

// Process runs the full pipeline for every foot found on the record's image
func (e *Engine) Process(ctx context.Context, record types.MeasurementRecord) (*Result, error) {
	return e.process(ctx, record, "")
}

// ProcessSide runs the pipeline for a single foot
func (e *Engine) ProcessSide(ctx context.Context, record types.MeasurementRecord, side types.Side) (*Result, error) {
	return e.process(ctx, record, side)
}

// ProcessBatch processes independent records with at most limit running at
// once. Results keep the input order. The first failure cancels the rest.
func (e *Engine) ProcessBatch(ctx context.Context, records []types.MeasurementRecord, limit int) ([]*Result, error) {
	results := make([]*Result, len(records))

	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, record := range records {
		g.Go(func() error {
			result, err := e.Process(ctx, record)
			if err != nil {
				return fmt.Errorf("record %d: %w", i, err)
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Engine) process(ctx context.Context, record types.MeasurementRecord, side types.Side) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !record.Complete() {
		return nil, fmt.Errorf("%w: weight and target size are required", ErrIncompleteRecord)
	}
	weight, size := *record.WeightKg, *record.TargetSize

	// reject bad targets before any image work
	if _, err := e.morpher.ComputeScale(size, weight, types.ArchNormal); err != nil {
		return nil, err
	}

	profiles, source, err := e.profiles(record.ImageBytes, side)
	if err != nil {
		return nil, err
	}

	diagnosis := record.Diagnosis
	if diagnosis == "" {
		diagnosis = types.DiagnosisNormal
	}

	result := &Result{
		JobID:           e.newID(),
		WeightKg:        weight,
		TargetSize:      size,
		Diagnosis:       diagnosis,
		Source:          source,
		Infill:          e.advisor.Recommend(weight),
		ThicknessFactor: e.morpher.ThicknessFactor(weight),
	}

	if err := utils.EnsureDir(e.config.Output.Dir); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	for _, profile := range profiles {
		foot, err := e.generate(result.JobID, size, weight, profile)
		if err != nil {
			e.removeMeshes(result.Feet)
			return nil, err
		}
		result.Feet = append(result.Feet, foot)
	}

	if err := e.record(ctx, result); err != nil {
		e.removeMeshes(result.Feet)
		return nil, err
	}

	e.logger.Info("orthotic generated",
		zap.String("job_id", result.JobID),
		zap.Int("feet", len(result.Feet)),
		zap.String("source", source),
		zap.Int("infill", result.Infill))

	return result, nil
}

// profiles returns the shape profiles to generate meshes for
func (e *Engine) profiles(image []byte, side types.Side) ([]types.ShapeProfile, string, error) {
	if len(image) == 0 {
		if side == "" {
			side = types.Left
		}
		e.logger.Debug("no footprint image, using default profile", zap.String("side", string(side)))
		return []types.ShapeProfile{shape.DefaultProfile(side)}, "default", nil
	}

	fp, err := e.analyzer.SegmentAndClassify(image)
	if err != nil {
		return nil, "", err
	}
	if side == "" {
		return fp.Profiles(), "image", nil
	}

	profile, ok := fp.Get(side)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrSideNotDetected, side)
	}
	return []types.ShapeProfile{profile}, "image", nil
}

func (e *Engine) generate(jobID string, size int, weight float64, profile types.ShapeProfile) (FootResult, error) {
	mesh, err := e.morpher.Morph(size, weight, profile)
	if err != nil {
		return FootResult{}, err
	}

	path := utils.MeshPath(e.config.Output.Dir, jobID, string(profile.Side))
	if err := morph.Export(mesh, path); err != nil {
		return FootResult{}, err
	}

	return FootResult{
		Profile:  profile,
		Scale:    mesh.Scale,
		MeshPath: path,
		Fallback: mesh.Fallback,
	}, nil
}

func (e *Engine) record(ctx context.Context, result *Result) error {
	if e.ledger == nil {
		return nil
	}

	paths := make([]string, len(result.Feet))
	for i, f := range result.Feet {
		paths[i] = f.MeshPath
	}
	return e.ledger.Record(ctx, jobs.Job{
		ID:         result.JobID,
		WeightKg:   result.WeightKg,
		TargetSize: result.TargetSize,
		Diagnosis:  string(result.Diagnosis),
		ArchType:   string(result.Feet[0].Profile.ArchType),
		Infill:     result.Infill,
		MeshPaths:  paths,
	})
}

func (e *Engine) removeMeshes(feet []FootResult) {
	for _, f := range feet {
		if err := os.Remove(f.MeshPath); err != nil && !os.IsNotExist(err) {
			e.logger.Warn("failed to remove mesh", zap.String("path", f.MeshPath), zap.Error(err))
		}
	}
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
