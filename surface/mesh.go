// Package surface compensates for an uneven or tilted canvas by adjusting Z from
// a triangulated mesh of measured points.
package surface

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/fogleman/delaunay"
	"github.com/mastercactapus/airbrush/coord"
)

var (
	ErrTooFewPoints   = errors.New("need at least 3 points to create a mesh")
	ErrCollinear      = errors.New("points are collinear")
	ErrDuplicatePoint = errors.New("duplicate XY in surface points")
)

// Bounds is the XY rectangle covered by a mesh.
type Bounds struct {
	MinX, MinY, MaxX, MaxY float64
}

func (b Bounds) contains(x, y float64) bool {
	return x >= b.MinX-coord.Epsilon && x <= b.MaxX+coord.Epsilon &&
		y >= b.MinY-coord.Epsilon && y <= b.MaxY+coord.Epsilon
}

// Mesh interpolates Z offsets linearly inside the triangles of its points. It is
// safe for concurrent use.
type Mesh struct {
	bounds    Bounds
	triangles []coord.Triangle

	// index of the triangle that answered the last lookup; consecutive strokes
	// usually stay inside it
	hint atomic.Int32
}

func NewMesh(points []coord.Point) (*Mesh, error) {
	if len(points) < 3 {
		return nil, ErrTooFewPoints
	}

	b := Bounds{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
	flat := make([]delaunay.Point, len(points))
	seen := make(map[delaunay.Point]int, len(points))
	for i, p := range points {
		d := delaunay.Point{X: p.X, Y: p.Y}
		if j, ok := seen[d]; ok {
			return nil, fmt.Errorf("%w: points %d and %d at X%g Y%g", ErrDuplicatePoint, j, i, p.X, p.Y)
		}
		seen[d] = i
		flat[i] = d

		b.MinX, b.MaxX = math.Min(b.MinX, p.X), math.Max(b.MaxX, p.X)
		b.MinY, b.MaxY = math.Min(b.MinY, p.Y), math.Max(b.MaxY, p.Y)
	}

	tri, err := delaunay.Triangulate(flat)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCollinear, err)
	}
	if len(tri.Triangles) < 3 {
		return nil, ErrCollinear
	}

	// triangle indices refer to the input order
	ts := make([]coord.Triangle, len(tri.Triangles)/3)
	for i := range ts {
		idx := tri.Triangles[i*3 : i*3+3]
		ts[i] = coord.Triangle{A: points[idx[0]], B: points[idx[1]], C: points[idx[2]]}
	}
	return &Mesh{bounds: b, triangles: ts}, nil
}

func (m *Mesh) Bounds() Bounds { return m.bounds }

// Triangles returns the number of triangles in the mesh.
func (m *Mesh) Triangles() int { return len(m.triangles) }

// OffsetZ returns the interpolated Z at x, y, or false outside the mesh.
func (m *Mesh) OffsetZ(x, y float64) (float64, bool) {
	if !m.bounds.contains(x, y) {
		return 0, false
	}
	h := int(m.hint.Load())
	if h < len(m.triangles) && m.triangles[h].ContainsXY(x, y) {
		return m.triangles[h].Z(x, y), true
	}
	for i, t := range m.triangles {
		if t.ContainsXY(x, y) {
			m.hint.Store(int32(i))
			return t.Z(x, y), true
		}
	}
	return 0, false
}

// OffsetFrom returns a copy of points with z subtracted, so a measured reference
// height becomes zero offset.
func OffsetFrom(z float64, points []coord.Point) []coord.Point {
	out := make([]coord.Point, len(points))
	for i, p := range points {
		p.Z -= z
		out[i] = p
	}
	return out
}
