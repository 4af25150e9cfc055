package surface

import (
	"math"

	"github.com/mastercactapus/airbrush/coord"
	"github.com/mastercactapus/airbrush/gcode"
	"github.com/mastercactapus/airbrush/machine"
)

// Offsetter reports the surface height at a point.
type Offsetter interface {
	OffsetZ(x, y float64) (float64, bool)
}

// Compensator shifts move Z by the surface offset. Moves that start or end
// outside the surface are left alone.
type Compensator struct {
	Surface Offsetter
}

func NewCompensator(s Offsetter) *Compensator { return &Compensator{Surface: s} }

// Compensate adjusts m given the predictive state before it runs. The predicted
// position already includes the offset of the previous move.
func (c *Compensator) Compensate(m gcode.Move, state machine.Tree) gcode.Move {
	if c == nil || c.Surface == nil || (m.X == nil && m.Y == nil) {
		return m
	}
	var cur coord.Point
	if p, ok := state[gcode.KeyPosition].(map[string]any); ok {
		cur, _ = coord.FromMap(p)
	}
	rel, _ := state[gcode.KeyRelative].(bool)

	next := cur
	axis := func(dst *float64, v *float64) {
		if v == nil {
			return
		}
		if rel {
			*dst += *v
		} else {
			*dst = *v
		}
	}
	axis(&next.X, m.X)
	axis(&next.Y, m.Y)

	newOff, ok := c.Surface.OffsetZ(next.X, next.Y)
	if !ok {
		return m
	}
	if !rel && m.Z != nil {
		z := *m.Z + newOff
		m.Z = &z
		return m
	}

	oldOff, ok := c.Surface.OffsetZ(cur.X, cur.Y)
	if !ok {
		return m
	}
	delta := newOff - oldOff
	if m.Z == nil && math.Abs(delta) < coord.Epsilon {
		return m
	}

	var z float64
	switch {
	case rel && m.Z != nil:
		z = *m.Z + delta
	case rel:
		z = delta
	default:
		z = cur.Z + delta
	}
	m.Z = &z
	return m
}
