package poller

import (
	"errors"
	"strconv"
	"strings"

	"github.com/mastercactapus/airbrush/coord"
)

var errNoPosition = errors.New("no position in reply")

// ParseM114 reads the "X:1.000 Y:2.000 Z:0.500 E:0.0 Count ..." line of an M114
// reply. Fields after the first "Count" are stepper counts and are ignored.
func ParseM114(reply string) (coord.Point, error) {
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "X:") {
			continue
		}
		if i := strings.Index(line, "Count"); i >= 0 {
			line = line[:i]
		}
		pos := map[string]any{}
		for _, field := range strings.Fields(line) {
			parts := strings.SplitN(field, ":", 2)
			if len(parts) != 2 {
				continue
			}
			v, err := strconv.ParseFloat(parts[1], 64)
			if err != nil {
				return coord.Point{}, err
			}
			pos[strings.ToLower(parts[0])] = v
		}
		p, ok := coord.FromMap(pos)
		if !ok {
			return coord.Point{}, errNoPosition
		}
		return p, nil
	}
	return coord.Point{}, errNoPosition
}
