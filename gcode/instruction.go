package gcode

import "github.com/mastercactapus/airbrush/machine"

// Capabilities describe how an instruction must be dispatched.
type Capabilities struct {
	// Predict, if set, computes the predictive state after the instruction runs.
	Predict machine.Transition

	// ExpectsAck requires confirmation that the firmware processed the line.
	ExpectsAck bool

	// Blocks marks synchronization barriers (dwell, wait-for-motion).
	Blocks bool

	// Motion and ToolSelect instructions are never queued behind telemetry.
	Motion     bool
	ToolSelect bool

	// LongRunning instructions (homing, tool change) pause background polling
	// and get a longer timeout.
	LongRunning bool
}

// Instruction is a rendered line of G-code plus its dispatch capabilities.
type Instruction interface {
	String() string
	Capabilities() Capabilities
}

// Raw is a verbatim line with caller-declared capabilities.
type Raw struct {
	Line string
	Caps Capabilities
}

func (r Raw) String() string             { return r.Line }
func (r Raw) Capabilities() Capabilities { return r.Caps }
