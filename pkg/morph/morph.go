// Package morph deforms the reference insole template for one patient and
// exports the result.
package morph

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/unixpickle/model3d/model3d"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/menta2k/orthotic-engine/internal/logging"
	"github.com/menta2k/orthotic-engine/pkg/template"
	"github.com/menta2k/orthotic-engine/pkg/types"
)

var (
	// ErrInvalidTarget is returned for a non-positive size or weight
	ErrInvalidTarget = errors.New("invalid morph target")
	// ErrExportFailure is returned when a mesh cannot be written
	ErrExportFailure = errors.New("mesh export failed")
)

// Config holds the deformation constants
type Config struct {
	MasterSize        int
	ReferenceWeightKg float64
	MinWeightMod      float64
	MaxWeightMod      float64
	HighArchMod       float64
	FlatArchMod       float64
	NormalArchMod     float64
	// FallbackPlate is width, length and thickness of the plate used when the
	// master template is missing
	FallbackPlate [3]float64
}

// DefaultConfig returns the standard constants: master size 44, 75 kg
// reference weight, weight modifier clamped to [0.5, 1.5].
func DefaultConfig() Config {
	return Config{
		MasterSize:        44,
		ReferenceWeightKg: 75,
		MinWeightMod:      0.5,
		MaxWeightMod:      1.5,
		HighArchMod:       1.25,
		FlatArchMod:       0.8,
		NormalArchMod:     1.0,
		FallbackPlate:     [3]float64{100, 270, 5},
	}
}

// Mesh is one request's deformed insole. Triangles are owned by the mesh.
type Mesh struct {
	Triangles []*model3d.Triangle
	Scale     types.ScaleFactors
	// Fallback is true when the plate replaced a missing template
	Fallback bool
}

// Model returns the triangles as a model3d mesh
func (m *Mesh) Model() *model3d.Mesh {
	return model3d.NewMeshTriangles(m.Triangles)
}

// Morpher applies size, weight and arch scaling to the master template
type Morpher struct {
	config Config
	store  template.Store
	plate  []*model3d.Triangle
	logger *zap.Logger
}

// New creates a Morpher reading the master template from store. A nil store
// always uses the fallback plate.
func New(config Config, store template.Store, logger *zap.Logger) *Morpher {
	return &Morpher{
		config: config,
		store:  store,
		plate:  fallbackPlate(config.FallbackPlate),
		logger: logging.OrNop(logger),
	}
}

// ComputeScale derives the per-axis scale factors. X and Y are always the
// size ratio; Z also carries the weight and arch modifiers.
func (m *Morpher) ComputeScale(targetSize int, weightKg float64, arch types.ArchType) (types.ScaleFactors, error) {
	if targetSize <= 0 || weightKg <= 0 || math.IsNaN(weightKg) || math.IsInf(weightKg, 0) {
		return types.ScaleFactors{}, fmt.Errorf("%w: size=%d weight=%v", ErrInvalidTarget, targetSize, weightKg)
	}

	sizeRatio := float64(targetSize) / float64(m.config.MasterSize)
	return types.ScaleFactors{
		X: sizeRatio,
		Y: sizeRatio,
		Z: sizeRatio * m.WeightMod(weightKg) * m.ArchMod(arch),
	}, nil
}

// WeightMod is weight/reference clamped to the configured bounds
func (m *Morpher) WeightMod(weightKg float64) float64 {
	mod := weightKg / m.config.ReferenceWeightKg
	return math.Max(m.config.MinWeightMod, math.Min(mod, m.config.MaxWeightMod))
}

// ArchMod returns the thickness modifier for an arch type
func (m *Morpher) ArchMod(arch types.ArchType) float64 {
	switch arch {
	case types.ArchHigh:
		return m.config.HighArchMod
	case types.ArchFlat:
		return m.config.FlatArchMod
	default:
		return m.config.NormalArchMod
	}
}

// ThicknessFactor is the unclamped weight/reference ratio reported to users
func (m *Morpher) ThicknessFactor(weightKg float64) float64 {
	return weightKg / m.config.ReferenceWeightKg
}

// Morph produces the deformed mesh for one request. A missing master
// template is not an error: the fallback plate is scaled instead.
func (m *Morpher) Morph(targetSize int, weightKg float64, profile types.ShapeProfile) (*Mesh, error) {
	scale, err := m.ComputeScale(targetSize, weightKg, profile.ArchType)
	if err != nil {
		return nil, err
	}

	source, fallback, err := m.source()
	if err != nil {
		return nil, err
	}

	return &Mesh{
		Triangles: applyScale(source, scale),
		Scale:     scale,
		Fallback:  fallback,
	}, nil
}

// source returns the master template triangles, or the plate if absent
func (m *Morpher) source() ([]*model3d.Triangle, bool, error) {
	if m.store == nil {
		m.logger.Warn("no template store configured, using fallback plate")
		return m.plate, true, nil
	}

	tmpl, err := m.store.Template(m.config.MasterSize)
	switch {
	case err == nil:
		return tmpl.Triangles, false, nil
	case errors.Is(err, template.ErrTemplateNotFound):
		m.logger.Warn("master template not found, using fallback plate",
			zap.Int("master_size", m.config.MasterSize),
			zap.Error(err))
		return m.plate, true, nil
	default:
		return nil, false, fmt.Errorf("failed to load master template: %w", err)
	}
}

// applyScale returns scaled copies of triangles, leaving the source intact.
// Vertices are stacked into an n x 3 matrix and multiplied by diag(scale).
func applyScale(triangles []*model3d.Triangle, scale types.ScaleFactors) []*model3d.Triangle {
	n := len(triangles) * 3
	if n == 0 {
		return nil
	}

	vertices := mat.NewDense(n, 3, nil)
	for i, t := range triangles {
		for j, c := range t {
			vertices.SetRow(i*3+j, []float64{c.X, c.Y, c.Z})
		}
	}

	var scaled mat.Dense
	scaled.Mul(vertices, ScaleMatrix(scale))

	out := make([]*model3d.Triangle, len(triangles))
	for i := range triangles {
		t := &model3d.Triangle{}
		for j := 0; j < 3; j++ {
			row := i*3 + j
			t[j] = model3d.XYZ(scaled.At(row, 0), scaled.At(row, 1), scaled.At(row, 2))
		}
		out[i] = t
	}
	return out
}

// ScaleMatrix is the anisotropic scale as a 3x3 diagonal matrix
func ScaleMatrix(scale types.ScaleFactors) *mat.DiagDense {
	return mat.NewDiagDense(3, []float64{scale.X, scale.Y, scale.Z})
}

// fallbackPlate builds a flat box centred on the origin in X/Y, resting on
// Z=0. Triangles are sorted so output is byte-for-byte repeatable.
func fallbackPlate(dims [3]float64) []*model3d.Triangle {
	w, l, h := dims[0], dims[1], dims[2]
	mesh := model3d.NewMeshRect(model3d.XYZ(-w/2, -l/2, 0), model3d.XYZ(w/2, l/2, h))
	tris := mesh.TriangleSlice()
	sort.Slice(tris, func(i, j int) bool {
		return lessTriangle(tris[i], tris[j])
	})
	return tris
}

func lessTriangle(a, b *model3d.Triangle) bool {
	for k := 0; k < 3; k++ {
		ca, cb := a[k].Array(), b[k].Array()
		for d := 0; d < 3; d++ {
			if ca[d] != cb[d] {
				return ca[d] < cb[d]
			}
		}
	}
	return false
}

// Export writes mesh as binary STL to dest. The file is written beside dest
// and renamed into place, so a failed export leaves nothing behind.
func Export(mesh *Mesh, dest string) (err error) {
	if mesh == nil || len(mesh.Triangles) == 0 {
		return fmt.Errorf("%w: empty mesh", ErrExportFailure)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExportFailure, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	if err = model3d.WriteSTL(w, mesh.Triangles); err != nil {
		return fmt.Errorf("%w: %w", ErrExportFailure, err)
	}
	if err = w.Flush(); err != nil {
		return fmt.Errorf("%w: %w", ErrExportFailure, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrExportFailure, err)
	}
	if err = os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("%w: %w", ErrExportFailure, err)
	}
	return nil
}
