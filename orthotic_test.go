package orthotic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/menta2k/orthotic-engine/internal/config"
	"github.com/menta2k/orthotic-engine/internal/jobs"
	"github.com/menta2k/orthotic-engine/pkg/morph"
	"github.com/menta2k/orthotic-engine/pkg/shape"
	"github.com/menta2k/orthotic-engine/pkg/template"
	"github.com/menta2k/orthotic-engine/pkg/types"
)

// footprintMask draws a 100x200 footprint, toes at the top, whose arch
// index is isthmus*100/80.
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

// twoFeet puts a high arch on the right of the page and a flat one on the left
var twoFeet = fakeDetector{regions: []types.FootprintRegion{
	{Bounds: image.Rect(300, 10, 400, 210), Area: 12000, Mask: footprintMask(16)},
	{Bounds: image.Rect(10, 10, 110, 210), Area: 9000, Mask: footprintMask(40)},
}}

// createTestImage creates a blank scan the fake detectors ignore
func createTestImage(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{255, 255, 255, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, string) {
	t.Helper()
	cfg := config.Default()
	cfg.Output.Dir = filepath.Join(t.TempDir(), "out")

	var n atomic.Int64
	opts = append([]Option{
		WithDetector(twoFeet),
		WithTemplateStore(template.MemStore{}),
		WithIDGenerator(func() string { return fmt.Sprintf("job%d", n.Add(1)) }),
	}, opts...)

	engine, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine, cfg.Output.Dir
}

func TestNew(t *testing.T) {
	engine, err := New(nil)
	require.NoError(t, err)
	assert.NotNil(t, engine.analyzer)
	assert.NotNil(t, engine.morpher)
	assert.NotNil(t, engine.advisor)
	assert.Nil(t, engine.ledger)
	assert.NoError(t, engine.Close())
}

func TestNewInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Morph.MasterSize = 0
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestProcessTwoFeet(t *testing.T) {
	engine, outDir := newTestEngine(t)
	record := types.NewRecord(82, 44, types.DiagnosisSupination, createTestImage(t, 64, 64))

	result, err := engine.Process(context.Background(), record)
	require.NoError(t, err)

	assert.Equal(t, "job1", result.JobID)
	assert.Equal(t, "image", result.Source)
	assert.Equal(t, types.DiagnosisSupination, result.Diagnosis)
	assert.Equal(t, 40, result.Infill)
	assert.InDelta(t, 82.0/75.0, result.ThicknessFactor, 1e-9)

	require.Len(t, result.Feet, 2)
	left, right := result.Feet[0], result.Feet[1]
	assert.Equal(t, types.Left, left.Profile.Side)
	assert.Equal(t, types.ArchFlat, left.Profile.ArchType)
	assert.Equal(t, types.Right, right.Profile.Side)
	assert.Equal(t, types.ArchHigh, right.Profile.ArchType)

	assert.Equal(t, filepath.Join(outDir, "job1_Left.stl"), left.MeshPath)
	assert.Equal(t, filepath.Join(outDir, "job1_Right.stl"), right.MeshPath)
	assert.FileExists(t, left.MeshPath)
	assert.FileExists(t, right.MeshPath)
	assert.True(t, left.Fallback)

	assert.InDelta(t, 82.0/75.0*0.8, left.Scale.Z, 1e-9)
	assert.InDelta(t, 82.0/75.0*1.25, right.Scale.Z, 1e-9)
	assert.Equal(t, left.Scale.X, left.Scale.Y)
}

func TestProcessWithoutImage(t *testing.T) {
	engine, _ := newTestEngine(t)

	result, err := engine.Process(context.Background(), types.NewRecord(75, 44, "", nil))
	require.NoError(t, err)

	assert.Equal(t, "default", result.Source)
	assert.Equal(t, types.DiagnosisNormal, result.Diagnosis)
	require.Len(t, result.Feet, 1)

	want := FootResult{
		Profile:  shape.DefaultProfile(types.Left),
		Scale:    types.ScaleFactors{X: 1, Y: 1, Z: 1},
		MeshPath: result.Feet[0].MeshPath,
		Fallback: true,
	}
	if diff := cmp.Diff(want, result.Feet[0]); diff != "" {
		t.Errorf("foot mismatch (-want +got):\n%s", diff)
	}
}

func TestProcessIncompleteRecord(t *testing.T) {
	engine, _ := newTestEngine(t)
	weight := 70.0

	_, err := engine.Process(context.Background(), types.MeasurementRecord{WeightKg: &weight})
	assert.True(t, errors.Is(err, ErrIncompleteRecord))
}

func TestProcessInvalidTarget(t *testing.T) {
	engine, outDir := newTestEngine(t)

	_, err := engine.Process(context.Background(), types.NewRecord(70, 0, types.DiagnosisNormal, nil))
	assert.True(t, errors.Is(err, morph.ErrInvalidTarget))

	_, err = engine.Process(context.Background(), types.NewRecord(-1, 42, types.DiagnosisNormal, nil))
	assert.True(t, errors.Is(err, morph.ErrInvalidTarget))

	_, statErr := os.Stat(outDir)
	assert.True(t, os.IsNotExist(statErr), "nothing is written for rejected requests")
}

func TestProcessNoFootprint(t *testing.T) {
	engine, _ := newTestEngine(t, WithDetector(fakeDetector{}))

	_, err := engine.Process(context.Background(), types.NewRecord(70, 42, types.DiagnosisNormal, createTestImage(t, 32, 32)))
	assert.True(t, errors.Is(err, shape.ErrNoFootprintDetected))
}

func TestProcessSide(t *testing.T) {
	engine, _ := newTestEngine(t)
	record := types.NewRecord(70, 42, types.DiagnosisNormal, createTestImage(t, 32, 32))

	result, err := engine.ProcessSide(context.Background(), record, types.Right)
	require.NoError(t, err)
	require.Len(t, result.Feet, 1)
	assert.Equal(t, types.Right, result.Feet[0].Profile.Side)

	single, _ := newTestEngine(t, WithDetector(fakeDetector{regions: twoFeet.regions[:1]}))
	_, err = single.ProcessSide(context.Background(), record, types.Right)
	assert.True(t, errors.Is(err, ErrSideNotDetected))
}

func TestProcessExportFailure(t *testing.T) {
	cfg := config.Default()
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	cfg.Output.Dir = blocker

	engine, err := New(cfg, WithDetector(twoFeet), WithTemplateStore(template.MemStore{}))
	require.NoError(t, err)

	_, err = engine.Process(context.Background(), types.NewRecord(70, 42, types.DiagnosisNormal, nil))
	assert.True(t, errors.Is(err, morph.ErrExportFailure))
}

func TestProcessCancelled(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Process(ctx, types.NewRecord(70, 42, types.DiagnosisNormal, nil))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestProcessRecordsJob(t *testing.T) {
	ledger, err := jobs.Open(":memory:")
	require.NoError(t, err)
	defer ledger.Close()

	engine, _ := newTestEngine(t, WithLedger(ledger))
	result, err := engine.Process(context.Background(), types.NewRecord(95, 41, types.DiagnosisPronation, createTestImage(t, 32, 32)))
	require.NoError(t, err)

	job, err := ledger.Get(context.Background(), result.JobID)
	require.NoError(t, err)
	assert.Equal(t, 95.0, job.WeightKg)
	assert.Equal(t, 41, job.TargetSize)
	assert.Equal(t, "Pronation", job.Diagnosis)
	assert.Equal(t, "Flat", job.ArchType)
	assert.Equal(t, 50, job.Infill)
	assert.Len(t, job.MeshPaths, 2)
}

func TestProcessBatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	engine, _ := newTestEngine(t)
	scan := createTestImage(t, 32, 32)

	var records []types.MeasurementRecord
	for i := 0; i < 8; i++ {
		records = append(records, types.NewRecord(float64(40+i*10), 36+i, types.DiagnosisNormal, scan))
	}

	results, err := engine.ProcessBatch(context.Background(), records, 3)
	require.NoError(t, err)
	require.Len(t, results, len(records))

	seen := map[string]bool{}
	for i, r := range results {
		assert.Equal(t, 36+i, r.TargetSize, "results keep input order")
		assert.Equal(t, engine.Infill(float64(40+i*10)), r.Infill)
		assert.False(t, seen[r.JobID], "job ids are unique")
		seen[r.JobID] = true
	}
}

func TestProcessBatchFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	engine, _ := newTestEngine(t)
	records := []types.MeasurementRecord{
		types.NewRecord(70, 42, types.DiagnosisNormal, nil),
		{Diagnosis: types.DiagnosisNormal},
	}

	_, err := engine.ProcessBatch(context.Background(), records, 0)
	assert.True(t, errors.Is(err, ErrIncompleteRecord))
}

func TestInfill(t *testing.T) {
	engine, _ := newTestEngine(t)
	assert.Equal(t, 20, engine.Infill(49.9))
	assert.Equal(t, 30, engine.Infill(50))
	assert.Equal(t, 60, engine.Infill(110))
}

func TestAnalyzeWithOverlay(t *testing.T) {
	engine, _ := newTestEngine(t)
	path := filepath.Join(t.TempDir(), "overlay.png")

	fp, err := engine.AnalyzeWithOverlay(createTestImage(t, 420, 220), path)
	require.NoError(t, err)
	assert.NotNil(t, fp.Right)
	assert.FileExists(t, path)

	plain, err := engine.Analyze(createTestImage(t, 420, 220))
	require.NoError(t, err)
	assert.Equal(t, fp, plain)
}

func TestAnalyzeFile(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	engine, outDir := newTestEngine(t, WithLogger(zap.New(core)))

	input := filepath.Join(t.TempDir(), "scan_07.png")
	require.NoError(t, os.WriteFile(input, createTestImage(t, 420, 220), 0644))

	overlayPath := engine.OverlayPath(input)
	assert.Equal(t, filepath.Join(outDir, "scan_07_overlay.png"), overlayPath)

	analysis, err := engine.AnalyzeFile(input, overlayPath)
	require.NoError(t, err)
	assert.Equal(t, 420, analysis.Image.Width)
	assert.Equal(t, 220, analysis.Image.Height)
	assert.NotNil(t, analysis.Footprints.Right)
	assert.Equal(t, overlayPath, analysis.Overlay)
	assert.FileExists(t, overlayPath)

	written := logs.FilterMessage("overlay written").All()
	require.Len(t, written, 1)
	assert.NotEmpty(t, written[0].ContextMap()["size"])

	plain, err := engine.AnalyzeFile(input, "")
	require.NoError(t, err)
	assert.Empty(t, plain.Overlay)
	assert.Equal(t, analysis.Footprints, plain.Footprints)

	_, err = engine.AnalyzeFile(filepath.Join(t.TempDir(), "missing.png"), "")
	assert.Error(t, err)
}

func BenchmarkProcess(b *testing.B) {
	cfg := config.Default()
	cfg.Output.Dir = b.TempDir()
	engine, err := New(cfg, WithDetector(twoFeet), WithTemplateStore(template.MemStore{}))
	if err != nil {
		b.Fatal(err)
	}
	record := types.NewRecord(80, 42, types.DiagnosisNormal, nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := engine.Process(context.Background(), record); err != nil {
			b.Fatal(err)
		}
	}
}
