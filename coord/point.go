package coord

import (
	"fmt"
	"math"
)

// Epsilon is the default tolerance, in mm, for comparing positions.
const Epsilon = 0.001

// Point is a position in machine space, in mm.
type Point struct{ X, Y, Z float64 }

// Near reports whether every axis of p is within eps of b.
func (p Point) Near(b Point, eps float64) bool {
	return math.Abs(p.X-b.X) <= eps &&
		math.Abs(p.Y-b.Y) <= eps &&
		math.Abs(p.Z-b.Z) <= eps
}

func (p Point) Cross(op Point) Point {
	return Point{
		p.Y*op.Z - p.Z*op.Y,
		p.Z*op.X - p.X*op.Z,
		p.X*op.Y - p.Y*op.X,
	}
}
func (p Point) Dot(op Point) float64 { return p.X*op.X + p.Y*op.Y + p.Z*op.Z }

// Add will add the target values to p.
func (p Point) Add(target Point) Point {
	p.X += target.X
	p.Y += target.Y
	p.Z += target.Z
	return p
}

// Sub will subtract the target values from p.
func (p Point) Sub(target Point) Point {
	p.X -= target.X
	p.Y -= target.Y
	p.Z -= target.Z
	return p
}

// DistanceXY will return the 2D distance to p from (x,y).
func (p Point) DistanceXY(x, y float64) float64 {
	return math.Hypot(x-p.X, y-p.Y)
}

// Map returns p as a lower-case axis map, the shape used in machine state trees.
func (p Point) Map() map[string]any {
	return map[string]any{"x": p.X, "y": p.Y, "z": p.Z}
}

func (p Point) String() string {
	return fmt.Sprintf("X%.3f Y%.3f Z%.3f", p.X, p.Y, p.Z)
}

// FromMap reads an axis map produced by Map. Missing axes are left at zero.
func FromMap(m map[string]any) (p Point, ok bool) {
	read := func(k string, dst *float64) {
		switch v := m[k].(type) {
		case float64:
			*dst = v
			ok = true
		case int:
			*dst = float64(v)
			ok = true
		}
	}
	read("x", &p.X)
	read("y", &p.Y)
	read("z", &p.Z)
	return p, ok
}
