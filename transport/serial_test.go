package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDevice answers each line written to the port with respond(line).
func fakeDevice(t *testing.T, respond func(line string) []string) *Serial {
	t.Helper()
	host, dev := net.Pipe()
	go func() {
		scan := bufio.NewScanner(dev)
		for scan.Scan() {
			for _, out := range respond(scan.Text()) {
				if _, err := io.WriteString(dev, out+"\r\n"); err != nil {
					return
				}
			}
		}
	}()

	s := NewSerial(SerialConfig{Port: "fake", QueryTimeout: time.Second}, zerolog.Nop())
	s.open = func(SerialConfig) (io.ReadWriteCloser, error) { return host, nil }
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() {
		s.Disconnect()
		dev.Close()
	})
	return s
}

func TestSerial_Query(t *testing.T) {
	s := fakeDevice(t, func(line string) []string {
		if line == "M408 S0" {
			return []string{`{"status":"I","pos":[1,2,3]}`, "ok"}
		}
		return []string{"ok"}
	})

	reply, err := s.Query(context.Background(), "M408 S0")
	require.NoError(t, err)
	assert.Equal(t, `{"status":"I","pos":[1,2,3]}`, reply)

	doc, err := s.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "I", doc["status"])
}

func TestSerial_QueryDeviceError(t *testing.T) {
	s := fakeDevice(t, func(line string) []string {
		return []string{"Error: bad command", "ok"}
	})

	reply, err := s.Query(context.Background(), "G999")
	assert.ErrorIs(t, err, ErrDeviceError)
	assert.Equal(t, "Error: bad command", reply)
}

func TestSerial_QueryIncludesEarlierOutput(t *testing.T) {
	s := fakeDevice(t, func(line string) []string {
		if strings.HasPrefix(line, "M118") {
			return []string{"ack:abc123", "ok"}
		}
		return []string{"ok"}
	})

	require.NoError(t, s.SendLine(context.Background(), `M118 S"ack:abc123"`))

	var seen bool
	for i := 0; i < 3 && !seen; i++ {
		reply, err := s.Query(context.Background(), "M408 S0")
		require.NoError(t, err)
		seen = strings.Contains(reply, "abc123")
	}
	assert.True(t, seen, "marker output shows up in a later reply")
}

func TestSerial_QueryTimeout(t *testing.T) {
	s := fakeDevice(t, func(line string) []string { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Query(ctx, "M408 S0")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSerial_NotConnected(t *testing.T) {
	s := NewSerial(SerialConfig{Port: "none"}, zerolog.Nop())
	assert.False(t, s.Connected())
	assert.ErrorIs(t, s.SendLine(context.Background(), "G1 X1"), ErrNotConnected)
	_, err := s.Query(context.Background(), "M408")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, LinkSerial, s.Link())
}

func TestLineBuffer_Requeue(t *testing.T) {
	b := newLineBuffer(0)
	b.push("a")
	b.push("b")
	lines, err := b.drain()
	require.NoError(t, err)
	b.push("c")
	b.requeue(lines[1:])

	lines, _ = b.drain()
	assert.Equal(t, []string{"b", "c"}, lines)
}

func TestFindJSON(t *testing.T) {
	doc, ok := FindJSON("ok\n{\"key\":\"move\",\"result\":1}\n")
	require.True(t, ok)
	assert.Equal(t, "move", doc["key"])

	_, ok = FindJSON("ok\nnot json")
	assert.False(t, ok)
}
