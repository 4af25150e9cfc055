package transport

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"sync"
)

// lineBuffer collects reply lines read from the device.
type lineBuffer struct {
	mx     sync.Mutex
	lines  []string
	notify chan struct{}
	err    error
	max    int
}

func newLineBuffer(max int) *lineBuffer {
	return &lineBuffer{notify: make(chan struct{}, 1), max: max}
}

func (b *lineBuffer) push(line string) {
	b.mx.Lock()
	b.lines = append(b.lines, line)
	if b.max > 0 && len(b.lines) > b.max {
		b.lines = b.lines[len(b.lines)-b.max:]
	}
	b.mx.Unlock()
	b.wake()
}

func (b *lineBuffer) fail(err error) {
	b.mx.Lock()
	b.err = err
	b.mx.Unlock()
	b.wake()
}

func (b *lineBuffer) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// drain removes and returns every buffered line.
func (b *lineBuffer) drain() ([]string, error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	lines := b.lines
	b.lines = nil
	return lines, b.err
}

// requeue puts unconsumed lines back at the front of the buffer.
func (b *lineBuffer) requeue(lines []string) {
	if len(lines) == 0 {
		return
	}
	b.mx.Lock()
	b.lines = append(append([]string(nil), lines...), b.lines...)
	b.mx.Unlock()
	b.wake()
}

func splitLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, bytes.TrimRight(data[:i], "\r"), nil
	}
	if atEOF {
		return len(data), data, io.ErrUnexpectedEOF
	}
	return 0, nil, nil
}

// readLines scans r until it fails, pushing every non-empty line.
func readLines(r io.Reader, buf *lineBuffer) {
	scan := bufio.NewScanner(r)
	scan.Split(splitLines)
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" {
			continue
		}
		buf.push(line)
	}
	err := scan.Err()
	if err == nil {
		err = io.EOF
	}
	buf.fail(err)
}

func isOK(line string) bool { return line == "ok" || strings.HasPrefix(line, "ok ") }

func isError(line string) bool {
	return strings.HasPrefix(line, "Error:") || strings.HasPrefix(line, "error:")
}
