package gcode

import (
	"testing"
	"time"

	"github.com/mastercactapus/airbrush/machine"
	"github.com/stretchr/testify/assert"
)

func apply(t machine.Tree, in Instruction) machine.Tree {
	if p := in.Capabilities().Predict; p != nil {
		return p(t)
	}
	return t
}

func TestMove_Predict(t *testing.T) {
	tree := machine.Tree{}
	tree = apply(tree, MoveTo(10, 5))
	assert.Equal(t, map[string]any{"x": 10.0, "y": 5.0, "z": 0.0}, tree[KeyPosition])

	tree = apply(tree, DistanceMode{Relative: true})
	z := 2.0
	tree = apply(tree, Move{Z: &z})
	tree = apply(tree, Move{Z: &z})
	assert.Equal(t, map[string]any{"x": 10.0, "y": 5.0, "z": 4.0}, tree[KeyPosition])
}

func TestMove_String(t *testing.T) {
	f := 1200.0
	m := MoveTo(1.25, -3)
	m.F = &f
	assert.Equal(t, "G1 X1.25 Y-3 F1200", m.String())
}

func TestCapabilities(t *testing.T) {
	assert.True(t, MoveTo(0, 0).Capabilities().Motion)
	assert.True(t, SelectTool{Tool: 0}.Capabilities().ToolSelect)
	assert.True(t, Home{}.Capabilities().LongRunning)
	assert.True(t, WaitMotion{}.Capabilities().Blocks)
	assert.False(t, Message{Text: "x"}.Capabilities().ExpectsAck)
}

func TestHome_Predict(t *testing.T) {
	tree := apply(machine.Tree{}, Home{Axes: "XY"})
	v, _ := tree.Get("homed.x")
	assert.Equal(t, true, v)
	_, ok := tree.Get("homed.z")
	assert.False(t, ok)

	tree = apply(machine.Tree{}, Home{})
	v, _ = tree.Get("homed.z")
	assert.Equal(t, true, v)
}

func TestRendering(t *testing.T) {
	assert.Equal(t, "G28 X Y", Home{Axes: "xy"}.String())
	assert.Equal(t, "T1", SelectTool{Tool: 1}.String())
	assert.Equal(t, "M106 P1 S0.75", Fan{Index: 1, Speed: 0.75}.String())
	assert.Equal(t, "M107 P0", Fan{}.String())
	assert.Equal(t, "G4 P1500", DwellFor(1500*time.Millisecond).String())
	assert.Equal(t, `M118 S"say ""hi"""`, Message{Text: `say "hi"`}.String())
}

func TestFan_Predict(t *testing.T) {
	tree := apply(machine.Tree{}, Fan{Index: 1, Speed: 0.5})
	v, _ := tree.Get("fans.1")
	assert.Equal(t, 0.5, v)
}
