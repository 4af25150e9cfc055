package gcode

import (
	"errors"
	"strings"
)

// Block is one line of G-code as a list of words.
type Block []Word

func (b Block) Arg(w byte) (bool, float64) {
	for _, g := range b {
		if g.W == w {
			return true, g.Arg
		}
	}
	return false, 0
}

// Has reports whether the block contains the exact word c<n>.
func (b Block) Has(c byte, n float64) bool {
	for _, g := range b {
		if g.Is(c, n) {
			return true
		}
	}
	return false
}

// Letters returns the set of letters used by b, in order.
func (b Block) Letters() string {
	var sb strings.Builder
	for _, g := range b {
		sb.WriteByte(g.W)
	}
	return sb.String()
}

func (b Block) Validate() error {
	var checkWord [256]bool
	var checkModal [256]bool

	for _, g := range b {
		if !g.IsValid() {
			return errors.New("invalid word in block")
		}
		if g.W != 'G' && g.W != 'M' && checkWord[g.W] {
			return errors.New("word was repeated in a block")
		}
		checkWord[g.W] = true
		m := g.ModalGroup()
		if m != ModalGroupNone && checkModal[m] {
			return errors.New("multiple words from same modal group")
		}
		checkModal[m] = true
	}

	return nil
}

func (b Block) String() string {
	parts := make([]string, len(b))
	for i, w := range b {
		parts[i] = w.String()
	}
	return strings.Join(parts, " ")
}
