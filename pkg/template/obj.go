package template

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/unixpickle/model3d/model3d"
)

// ReadOBJ decodes the geometry of a Wavefront OBJ file. Only vertex ("v")
// and face ("f") records are used; polygons are split into a triangle fan.
// Texture and normal indices, materials and groups are ignored.
func ReadOBJ(r io.Reader) ([]*model3d.Triangle, error) {
	var (
		vertices  []model3d.Coord3D
		triangles []*model3d.Triangle
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "v":
			if len(fields) < 4 {
				return nil, fmt.Errorf("line %d: vertex needs 3 coordinates", line)
			}
			var c [3]float64
			for i := range c {
				v, err := strconv.ParseFloat(fields[i+1], 64)
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", line, err)
				}
				c[i] = v
			}
			vertices = append(vertices, model3d.NewCoord3DArray(c))
		case "f":
			if len(fields) < 4 {
				return nil, fmt.Errorf("line %d: face needs at least 3 vertices", line)
			}
			face := make([]model3d.Coord3D, len(fields)-1)
			for i, ref := range fields[1:] {
				idx, err := vertexIndex(ref, len(vertices))
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", line, err)
				}
				face[i] = vertices[idx]
			}
			for i := 1; i+1 < len(face); i++ {
				triangles = append(triangles, &model3d.Triangle{face[0], face[i], face[i+1]})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return triangles, nil
}

// vertexIndex resolves a face vertex reference ("7", "7/2", "7//3" or a
// negative relative index) to a zero-based index into n vertices.
func vertexIndex(ref string, n int) (int, error) {
	if slash := strings.IndexByte(ref, '/'); slash >= 0 {
		ref = ref[:slash]
	}
	idx, err := strconv.Atoi(ref)
	if err != nil {
		return 0, fmt.Errorf("bad vertex reference %q", ref)
	}
	switch {
	case idx > 0 && idx <= n:
		return idx - 1, nil
	case idx < 0 && -idx <= n:
		return n + idx, nil
	}
	return 0, fmt.Errorf("vertex reference %d out of range (%d vertices)", idx, n)
}
