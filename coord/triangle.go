package coord

import "math"

type Triangle struct{ A, B, C Point }

// ContainsXY returns true if the 2D projection of the triangle
// has the point x,y, allowing Epsilon slack on the edges.
func (t Triangle) ContainsXY(x, y float64) bool {
	minX := math.Min(t.A.X, math.Min(t.B.X, t.C.X)) - Epsilon
	maxX := math.Max(t.A.X, math.Max(t.B.X, t.C.X)) + Epsilon
	minY := math.Min(t.A.Y, math.Min(t.B.Y, t.C.Y)) - Epsilon
	maxY := math.Max(t.A.Y, math.Max(t.B.Y, t.C.Y)) + Epsilon
	if x < minX || x > maxX || y < minY || y > maxY {
		return false
	}

	d1 := edge(t.A, t.B, x, y)
	d2 := edge(t.B, t.C, x, y)
	d3 := edge(t.C, t.A, x, y)

	hasNeg := d1 < -Epsilon || d2 < -Epsilon || d3 < -Epsilon
	hasPos := d1 > Epsilon || d2 > Epsilon || d3 > Epsilon

	// inside (or on an edge) when the point is never on both sides
	return !(hasNeg && hasPos)
}

// Z will give the Z-coordinate on the plane defined by the triangle
// where it intersects x,y.
func (t Triangle) Z(x, y float64) float64 {
	n := t.C.Sub(t.A).Cross(t.B.Sub(t.A))
	if n.Z == 0 {
		return t.A.Z
	}
	return (n.Dot(t.C) - n.X*x - n.Y*y) / n.Z
}

func edge(a, b Point, x, y float64) float64 {
	// normalized so Epsilon is a distance, not an area
	l := math.Hypot(b.X-a.X, b.Y-a.Y)
	if l == 0 {
		return 0
	}
	return ((b.X-a.X)*(y-a.Y) - (b.Y-a.Y)*(x-a.X)) / l
}
