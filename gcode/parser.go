package gcode

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

var (
	rx      = regexp.MustCompile(`^([A-Z][0-9.\-]*)+$`)
	rxSplit = regexp.MustCompile(`[A-Z][0-9.\-]*`)
)

// ErrUnhandledLine is returned by ParseBlock for lines that are not plain word lists,
// such as lines carrying quoted string parameters.
var ErrUnhandledLine = errors.New("invalid or unhandled line")

// clean strips comments, whitespace and case from a raw line.
func clean(s string) string {
	s = strings.SplitN(s, ";", 2)[0]
	return strings.TrimSpace(s)
}

// ParseBlock parses one line into words.
func ParseBlock(line string) (Block, error) {
	s := strings.ToUpper(strings.Replace(clean(line), " ", "", -1))
	if s == "" {
		return nil, nil
	}
	if !rx.MatchString(s) {
		return nil, fmt.Errorf("%w: %s", ErrUnhandledLine, s)
	}

	codes := rxSplit.FindAllString(s, -1)
	res := make(Block, len(codes))
	for i, c := range codes {
		res[i].W = c[0]
		if len(c) == 1 {
			// bare axis letters, as in "G28 X Y"
			continue
		}
		v, err := strconv.ParseFloat(c[1:], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnhandledLine, s)
		}
		res[i].Arg = v
	}
	return res, nil
}

// ParseLine turns a raw line into an Instruction, recognizing the catalog entries so
// they carry their capabilities. Lines that do not parse are passed through as Raw.
// Blank and comment-only lines return nil.
func ParseLine(line string) Instruction {
	line = clean(line)
	if line == "" {
		return nil
	}
	b, err := ParseBlock(line)
	if err != nil || b.Validate() != nil {
		return Raw{Line: line, Caps: Capabilities{ExpectsAck: true}}
	}
	if in := fromBlock(b); in != nil {
		return in
	}
	return Raw{Line: line, Caps: Capabilities{ExpectsAck: true}}
}

// Parse reads every line from r.
func Parse(r io.Reader) ([]Instruction, error) {
	var res []Instruction
	scan := bufio.NewScanner(r)
	for scan.Scan() {
		if in := ParseLine(scan.Text()); in != nil {
			res = append(res, in)
		}
	}
	return res, scan.Err()
}

func fromBlock(b Block) Instruction {
	if len(b) == 0 {
		return nil
	}
	head := b[0]
	switch {
	case head.Is('G', 0), head.Is('G', 1):
		if strings.Trim(b[1:].Letters(), "XYZF") != "" {
			return nil
		}
		m := Move{Rapid: head.Arg == 0}
		for _, w := range b[1:] {
			v := w.Arg
			switch w.W {
			case 'X':
				m.X = &v
			case 'Y':
				m.Y = &v
			case 'Z':
				m.Z = &v
			case 'F':
				m.F = &v
			}
		}
		return m
	case head.Is('G', 28):
		return Home{Axes: b[1:].Letters()}
	case head.Is('G', 90), head.Is('G', 91):
		if len(b) != 1 {
			return nil
		}
		return DistanceMode{Relative: head.Arg == 91}
	case head.Is('G', 4):
		if ok, p := b.Arg('P'); ok {
			return Dwell{Millis: int(p)}
		}
		if ok, s := b.Arg('S'); ok {
			return Dwell{Millis: int(s * 1000)}
		}
	case head.Is('M', 400):
		return WaitMotion{}
	case head.Is('M', 106):
		f := Fan{Speed: 1}
		if ok, p := b.Arg('P'); ok {
			f.Index = int(p)
		}
		if ok, s := b.Arg('S'); ok {
			f.Speed = s
			if s > 1 {
				// Marlin-style 0-255 range
				f.Speed = s / 255
			}
		}
		return f
	case head.Is('M', 107):
		f := Fan{}
		if ok, p := b.Arg('P'); ok {
			f.Index = int(p)
		}
		return f
	case head.W == 'T' && len(b) == 1:
		return SelectTool{Tool: int(head.Arg)}
	}
	return nil
}
