package poller

import (
	"strconv"
	"strings"

	"github.com/mastercactapus/airbrush/coord"
	"github.com/mastercactapus/airbrush/machine"
)

// A Key is one piece of telemetry: where it lives in the firmware object model
// and how its result becomes an observed patch.
type Key struct {
	Name  string
	Model string
	Flags string

	// Promoted keys poll at Medium priority so they keep flowing while updates
	// are paused.
	Promoted bool

	Translate func(result any) machine.Tree
}

var (
	KeyPosition = Key{Name: "position", Model: "move.axes", Flags: "f", Promoted: true, Translate: translatePosition}
	KeyStatus   = Key{Name: "status", Model: "state.status", Flags: "f", Promoted: true, Translate: scalar("status")}
	KeyTool     = Key{Name: "tool", Model: "state.currentTool", Flags: "f", Promoted: true, Translate: scalar("tool")}
	KeyEndstops = Key{Name: "endstops", Model: "sensors.endstops", Flags: "f", Promoted: true, Translate: translateEndstops}

	KeyHomed = Key{Name: "homed", Model: "move.axes", Flags: "f", Translate: translateHomed}
	KeyPower = Key{Name: "power", Model: "boards", Flags: "f", Translate: translatePower}
	KeyFans  = Key{Name: "fans", Model: "fans", Flags: "f", Translate: translateFans}

	KeyBoards  = Key{Name: "boards", Model: "boards", Flags: "v", Translate: translateBoards}
	KeyNetwork = Key{Name: "network", Model: "network.interfaces", Flags: "v", Translate: translateNetwork}
)

var (
	FastKeys   = []Key{KeyPosition, KeyStatus, KeyTool, KeyEndstops}
	MediumKeys = []Key{KeyHomed, KeyPower, KeyFans}
	SlowKeys   = []Key{KeyBoards, KeyNetwork}
)

func scalar(name string) func(any) machine.Tree {
	return func(v any) machine.Tree {
		if v == nil {
			return nil
		}
		if f, ok := v.(float64); ok && f == float64(int(f)) {
			v = int(f)
		}
		return machine.Tree{name: v}
	}
}

func axes(v any) []map[string]any {
	list, _ := v.([]any)
	var out []map[string]any
	for _, a := range list {
		if m, ok := a.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func axisName(a map[string]any, i int) string {
	if l, ok := a["letter"].(string); ok && l != "" {
		return strings.ToLower(l)
	}
	return indexAxis(i)
}

func indexAxis(i int) string {
	if i < 3 {
		return string("xyz"[i])
	}
	return "a" + strconv.Itoa(i)
}

// PositionFromAxes reads user coordinates out of a move.axes result.
func PositionFromAxes(v any) (coord.Point, bool) {
	pos := map[string]any{}
	for i, a := range axes(v) {
		p, ok := a["userPosition"].(float64)
		if !ok {
			p, ok = a["machinePosition"].(float64)
		}
		if ok {
			pos[axisName(a, i)] = p
		}
	}
	if len(pos) == 0 {
		return coord.Point{}, false
	}
	return coord.FromMap(pos)
}

func translatePosition(v any) machine.Tree {
	p, ok := PositionFromAxes(v)
	if !ok {
		return nil
	}
	return machine.Tree{"position": p.Map()}
}

func translateHomed(v any) machine.Tree {
	homed := map[string]any{}
	for i, a := range axes(v) {
		if h, ok := a["homed"].(bool); ok {
			homed[axisName(a, i)] = h
		}
	}
	if len(homed) == 0 {
		return nil
	}
	return machine.Tree{"homed": homed}
}

func translateEndstops(v any) machine.Tree {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := map[string]any{}
	for i, e := range list {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		if trig, ok := m["triggered"].(bool); ok {
			out[indexAxis(i)] = trig
		}
	}
	return machine.Tree{"endstops": out}
}

func translatePower(v any) machine.Tree {
	list := axes(v)
	if len(list) == 0 {
		return nil
	}
	b := list[0]
	power := map[string]any{}
	for name, field := range map[string]string{"vin": "vIn", "v12": "v12", "mcuTemp": "mcuTemp"} {
		if m, ok := b[field].(map[string]any); ok {
			if cur, ok := m["current"].(float64); ok {
				power[name] = cur
			}
		}
	}
	if len(power) == 0 {
		return nil
	}
	return machine.Tree{"power": power}
}

func translateFans(v any) machine.Tree {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	fans := map[string]any{}
	for i, f := range list {
		m, ok := f.(map[string]any)
		if !ok {
			continue
		}
		if s, ok := m["requestedValue"].(float64); ok {
			fans[strconv.Itoa(i)] = s
		}
	}
	return machine.Tree{"fans": fans}
}

func translateBoards(v any) machine.Tree {
	boards := map[string]any{}
	for i, b := range axes(v) {
		entry := map[string]any{}
		for _, field := range []string{"name", "shortName", "firmwareName", "firmwareVersion"} {
			if s, ok := b[field].(string); ok {
				entry[field] = s
			}
		}
		boards[strconv.Itoa(i)] = entry
	}
	if len(boards) == 0 {
		return nil
	}
	return machine.Tree{"boards": boards}
}

func translateNetwork(v any) machine.Tree {
	ifaces := map[string]any{}
	for i, n := range axes(v) {
		entry := map[string]any{}
		for _, field := range []string{"type", "state", "actualIP"} {
			if s, ok := n[field].(string); ok {
				entry[field] = s
			}
		}
		ifaces[strconv.Itoa(i)] = entry
	}
	if len(ifaces) == 0 {
		return nil
	}
	return machine.Tree{"network": ifaces}
}
