package gcode

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mastercactapus/airbrush/coord"
	"github.com/mastercactapus/airbrush/machine"
)

// Predictive state keys written by the catalog.
const (
	KeyPosition = "position"
	KeyFeedRate = "feedRate"
	KeyRelative = "relative"
	KeyTool     = "tool"
	KeyHomed    = "homed"
	KeyFans     = "fans"
)

// Move is a linear move (G1), or a rapid (G0) when Rapid is set.
// Nil axes are not moved.
type Move struct {
	X, Y, Z *float64
	F       *float64
	Rapid   bool
}

// MoveTo is a convenience constructor for an absolute XY move.
func MoveTo(x, y float64) Move { return Move{X: &x, Y: &y} }

func (m Move) Block() Block {
	b := Block{{W: 'G', Arg: 1}}
	if m.Rapid {
		b[0].Arg = 0
	}
	add := func(w byte, v *float64) {
		if v != nil {
			b = append(b, Word{W: w, Arg: *v})
		}
	}
	add('X', m.X)
	add('Y', m.Y)
	add('Z', m.Z)
	add('F', m.F)
	return b
}

func (m Move) String() string { return m.Block().String() }

func (m Move) Capabilities() Capabilities {
	return Capabilities{
		Motion:     true,
		ExpectsAck: true,
		Predict:    m.predict,
	}
}

func (m Move) predict(t machine.Tree) machine.Tree {
	rel, _ := t[KeyRelative].(bool)
	var pos coord.Point
	if cur, ok := t[KeyPosition].(map[string]any); ok {
		pos, _ = coord.FromMap(cur)
	}
	apply := func(dst *float64, v *float64) {
		if v == nil {
			return
		}
		if rel {
			*dst += *v
		} else {
			*dst = *v
		}
	}
	apply(&pos.X, m.X)
	apply(&pos.Y, m.Y)
	apply(&pos.Z, m.Z)
	t[KeyPosition] = pos.Map()
	if m.F != nil {
		t[KeyFeedRate] = *m.F
	}
	return t
}

// Home homes the given axes (G28), or all axes when Axes is empty.
type Home struct{ Axes string }

func (h Home) String() string {
	if h.Axes == "" {
		return "G28"
	}
	parts := []string{"G28"}
	for _, a := range strings.ToUpper(h.Axes) {
		parts = append(parts, string(a))
	}
	return strings.Join(parts, " ")
}

func (h Home) Capabilities() Capabilities {
	return Capabilities{
		Motion:      true,
		ExpectsAck:  true,
		Blocks:      true,
		LongRunning: true,
		Predict: func(t machine.Tree) machine.Tree {
			axes := strings.ToLower(h.Axes)
			if axes == "" {
				axes = "xyz"
			}
			for _, a := range axes {
				t.Set(KeyHomed+"."+string(a), true)
			}
			return t
		},
	}
}

// SelectTool selects one of the airbrushes (T<n>). Tool -1 deselects.
type SelectTool struct{ Tool int }

func (s SelectTool) String() string { return "T" + strconv.Itoa(s.Tool) }

func (s SelectTool) Capabilities() Capabilities {
	return Capabilities{
		ToolSelect:  true,
		ExpectsAck:  true,
		LongRunning: true,
		Predict: func(t machine.Tree) machine.Tree {
			t[KeyTool] = s.Tool
			return t
		},
	}
}

// Fan sets a fan output (M106), which drives the air and paint valves. Speed is 0-1.
type Fan struct {
	Index int
	Speed float64
}

func (f Fan) String() string {
	if f.Speed <= 0 {
		return fmt.Sprintf("M107 P%d", f.Index)
	}
	return fmt.Sprintf("M106 P%d S%s", f.Index, formatFloat(f.Speed, 3))
}

func (f Fan) Capabilities() Capabilities {
	return Capabilities{
		ExpectsAck: true,
		Predict: func(t machine.Tree) machine.Tree {
			t.Set(KeyFans+"."+strconv.Itoa(f.Index), f.Speed)
			return t
		},
	}
}

// DistanceMode switches between absolute (G90) and relative (G91) moves.
type DistanceMode struct{ Relative bool }

func (d DistanceMode) String() string {
	if d.Relative {
		return "G91"
	}
	return "G90"
}

func (d DistanceMode) Capabilities() Capabilities {
	return Capabilities{
		ExpectsAck: true,
		Predict: func(t machine.Tree) machine.Tree {
			t[KeyRelative] = d.Relative
			return t
		},
	}
}

// Dwell pauses motion planning (G4).
type Dwell struct{ Millis int }

// DwellFor builds a Dwell from a duration.
func DwellFor(d time.Duration) Dwell { return Dwell{Millis: int(d / time.Millisecond)} }

func (d Dwell) String() string { return "G4 P" + strconv.Itoa(d.Millis) }

func (d Dwell) Capabilities() Capabilities {
	return Capabilities{Blocks: true, ExpectsAck: true}
}

// WaitMotion (M400) completes once every queued move has finished.
type WaitMotion struct{}

func (WaitMotion) String() string { return "M400" }

func (WaitMotion) Capabilities() Capabilities {
	return Capabilities{Blocks: true, ExpectsAck: true}
}

// Message echoes text back on the current channel (M118).
type Message struct{ Text string }

func (m Message) String() string {
	return `M118 S"` + strings.ReplaceAll(m.Text, `"`, `""`) + `"`
}

func (Message) Capabilities() Capabilities { return Capabilities{} }
