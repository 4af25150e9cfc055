// Package transport connects to the firmware controller.
//
// A Transport allows exactly one exchange at a time and is not safe for concurrent
// use; the dispatch sequencer is its only caller.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// Link identifies how replies are correlated with requests.
type Link int

const (
	// LinkSerial replies are bare "ok" lines with no correlation.
	LinkSerial Link = iota
	// LinkHTTP replies are correlated by the HTTP exchange.
	LinkHTTP
)

func (l Link) String() string {
	switch l {
	case LinkSerial:
		return "serial"
	case LinkHTTP:
		return "http"
	}
	return "unknown"
}

var (
	ErrNotConnected = errors.New("transport not connected")
	// ErrDeviceError is wrapped around firmware "Error:" replies.
	ErrDeviceError = errors.New("device reported error")
)

// Transport is the minimal firmware link.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool
	Link() Link

	// SendLine writes a line without waiting for its reply.
	SendLine(ctx context.Context, line string) error

	// Query writes a line and returns the reply text.
	Query(ctx context.Context, line string) (string, error)

	// Status returns the controller's summary status document.
	Status(ctx context.Context) (map[string]any, error)
}

// ModelQuerier is implemented by transports with a native object model endpoint.
//
// The returned document has the same envelope as an M409 reply:
// {"key": ..., "flags": ..., "result": ...}.
type ModelQuerier interface {
	Model(ctx context.Context, key, flags string) (map[string]any, error)
}

// Uploader is implemented by transports that can store files on the controller.
type Uploader interface {
	Upload(ctx context.Context, name string, data []byte) error
}

// FindJSON returns the first line of reply that decodes as a JSON object.
func FindJSON(reply string) (map[string]any, bool) {
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var doc map[string]any
		if json.Unmarshal([]byte(line), &doc) == nil {
			return doc, true
		}
	}
	return nil, false
}
