// Package template holds the read-only reference insole meshes, one per
// reference foot size.
package template

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/unixpickle/model3d/model3d"
	"go.uber.org/zap"

	"github.com/menta2k/orthotic-engine/internal/logging"
)

// ErrTemplateNotFound is returned when no mesh exists for a size
var ErrTemplateNotFound = errors.New("reference template not found")

// Template is a reference mesh keyed by foot size. Triangles must not be
// modified by callers; they are shared by every request.
type Template struct {
	Size      int
	Path      string
	Triangles []*model3d.Triangle
}

// Store provides reference templates. Implementations must be safe for
// concurrent reads.
type Store interface {
	Template(size int) (*Template, error)
}

// DirStore loads STL or OBJ templates from a directory. Each size is read
// from disk at most once; later lookups share the loaded template.
type DirStore struct {
	dir     string
	pattern string
	logger  *zap.Logger

	mu     sync.Mutex
	loaded map[int]*entry
}

type entry struct {
	once sync.Once
	tmpl *Template
	err  error
}

// NewDirStore creates a store reading dir/<pattern>, where pattern contains a
// %d verb for the size, e.g. "base_%d.stl". When that file is absent the same
// name with an .obj (or .stl) extension is tried.
func NewDirStore(dir, pattern string, logger *zap.Logger) *DirStore {
	return &DirStore{
		dir:     dir,
		pattern: pattern,
		logger:  logging.OrNop(logger),
		loaded:  map[int]*entry{},
	}
}

// PathFor returns the file a size is loaded from
func (s *DirStore) PathFor(size int) string {
	return filepath.Join(s.dir, fmt.Sprintf(s.pattern, size))
}

// Template returns the template for size, loading it on first use.
func (s *DirStore) Template(size int) (*Template, error) {
	s.mu.Lock()
	e, ok := s.loaded[size]
	if !ok {
		e = &entry{}
		s.loaded[size] = e
	}
	s.mu.Unlock()

	e.once.Do(func() {
		e.tmpl, e.err = s.load(size)
	})
	return e.tmpl, e.err
}

// candidates lists the files tried for a size: the configured name first,
// then the same name with the other supported mesh extension.
func (s *DirStore) candidates(size int) []string {
	path := s.PathFor(size)
	stem := strings.TrimSuffix(path, filepath.Ext(path))
	out := []string{path}
	for _, ext := range []string{".stl", ".obj"} {
		if alt := stem + ext; alt != path {
			out = append(out, alt)
		}
	}
	return out
}

func (s *DirStore) load(size int) (*Template, error) {
	for _, path := range s.candidates(size) {
		f, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open template: %w", err)
		}
		defer f.Close()
		return s.read(f, path, size)
	}
	return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, s.PathFor(size))
}

func (s *DirStore) read(r io.Reader, path string, size int) (*Template, error) {
	var (
		triangles []*model3d.Triangle
		err       error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".obj":
		triangles, err = ReadOBJ(r)
	default:
		triangles, err = model3d.ReadSTL(r)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", path, err)
	}
	if len(triangles) == 0 {
		return nil, fmt.Errorf("template %s has no triangles", path)
	}

	s.logger.Info("loaded reference template",
		zap.String("path", path),
		zap.Int("size", size),
		zap.Int("triangles", len(triangles)))

	return &Template{Size: size, Path: path, Triangles: triangles}, nil
}

// MemStore serves templates held in memory
type MemStore map[int]*Template

// Template returns the template for size
func (m MemStore) Template(size int) (*Template, error) {
	if t, ok := m[size]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: size %d", ErrTemplateNotFound, size)
}
