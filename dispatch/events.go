package dispatch

import (
	"encoding/json"

	"github.com/mastercactapus/airbrush/machine"
)

// Event is published to Dispatcher subscribers.
type Event interface {
	EventType() string
}

// SentEvent is published just before a line goes out.
type SentEvent struct {
	Line string `json:"line"`
}

// ReceivedEvent carries one raw reply line.
type ReceivedEvent struct {
	Line string `json:"line"`
}

// AckEvent reports the outcome of a command.
type AckEvent struct {
	Instruction string `json:"instruction"`
	OK          bool   `json:"ok"`
	Message     string `json:"message,omitempty"`
	Motion      bool   `json:"motion,omitempty"`
}

type ErrorEvent struct {
	Message string `json:"message"`
	Context string `json:"context,omitempty"`
}

type StateUpdatedEvent struct {
	State machine.Snapshot `json:"state"`
}

type UpdatesPausedEvent struct {
	Reason string `json:"reason"`
}

type UpdatesResumedEvent struct{}

func (SentEvent) EventType() string           { return "sent" }
func (ReceivedEvent) EventType() string       { return "received" }
func (AckEvent) EventType() string            { return "ack" }
func (ErrorEvent) EventType() string          { return "error" }
func (StateUpdatedEvent) EventType() string   { return "state" }
func (UpdatesPausedEvent) EventType() string  { return "paused" }
func (UpdatesResumedEvent) EventType() string { return "resumed" }

// MarshalEvent encodes ev as {"type": ..., "data": ...}.
func MarshalEvent(ev Event) ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Data Event  `json:"data"`
	}{ev.EventType(), ev})
}
