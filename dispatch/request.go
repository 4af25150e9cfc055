package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mastercactapus/airbrush/transport"
)

// Kind is the type of work a Request performs.
type Kind int

const (
	KindCommand Kind = iota
	KindQuery
	KindUpload
	KindControl
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindQuery:
		return "query"
	case KindUpload:
		return "upload"
	case KindControl:
		return "control"
	}
	return "unknown"
}

// Priority selects the queue a Request waits in. Low and Background requests are
// held back while updates are paused.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
	PriorityBackground

	numPriorities = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	}
	return "unknown"
}

func (p Priority) gated() bool { return p == PriorityLow || p == PriorityBackground }

// SideEffect flags influence pausing and timeouts.
type SideEffect uint8

const (
	// SideEffectLongRunning marks homing, tool changes and similar slow commands.
	SideEffectLongRunning SideEffect = 1 << iota
)

func (s SideEffect) Has(f SideEffect) bool { return s&f != 0 }

var (
	ErrAckTimeout  = errors.New("Ack timeout")
	ErrStaleReply  = errors.New("stale reply")
	ErrUnsupported = errors.New("not supported by transport")
	ErrStopped     = errors.New("sequencer stopped")
	ErrSuperseded  = errors.New("superseded by a newer request")
	ErrBadPayload  = errors.New("unexpected payload")
	ErrStopTimeout = errors.New("timed out waiting for sequencer to stop")
)

// ModelQuery asks for part of the controller's object model.
type ModelQuery struct {
	Key   string
	Flags string
}

// SerialCommand is the textual query equivalent to q.
func (q ModelQuery) SerialCommand() string {
	return fmt.Sprintf(`M409 K"%s" F"%s"`, q.Key, q.Flags)
}

// RawQuery is a query line sent as-is; the reply text is the result.
type RawQuery string

// StatusQuery fetches the transport's summary status document.
type StatusQuery struct{}

// Upload stores a file on the controller.
type Upload struct {
	Name string
	Data []byte
}

// Control runs with exclusive access to the transport.
type Control func(ctx context.Context, t transport.Transport) (any, error)

// Request is a unit of work for the Sequencer.
type Request struct {
	ID      string
	Created time.Time

	Kind     Kind
	Priority Priority

	// Payload is a command line (string or fmt.Stringer) for commands, or one of
	// ModelQuery, RawQuery, StatusQuery, Upload, Control.
	Payload any

	// Timeout bounds execution; zero picks the configured default for Kind.
	Timeout     time.Duration
	ExpectsAck  bool
	SideEffects SideEffect

	// CoalesceKey collapses pending Low/Background requests: the newest wins.
	CoalesceKey string

	// OnComplete is called exactly once, from the sequencer goroutine.
	OnComplete func(Result)

	seq uint64
}

// NewRequest builds a Request with a fresh ID.
func NewRequest(kind Kind, prio Priority, payload any) *Request {
	return &Request{
		ID:       uuid.NewString(),
		Created:  time.Now(),
		Kind:     kind,
		Priority: prio,
		Payload:  payload,
	}
}

// Command builds a High priority command request.
func Command(line string, expectsAck bool) *Request {
	r := NewRequest(KindCommand, PriorityHigh, line)
	r.ExpectsAck = expectsAck
	return r
}

func (r *Request) line() (string, error) {
	switch p := r.Payload.(type) {
	case string:
		return strings.TrimSpace(p), nil
	case fmt.Stringer:
		return strings.TrimSpace(p.String()), nil
	}
	return "", fmt.Errorf("%w: %T for %s", ErrBadPayload, r.Payload, r.Kind)
}

func (r *Request) String() string {
	return fmt.Sprintf("%s/%s %s", r.Kind, r.Priority, r.ID)
}

// Result is the outcome of one Request.
type Result struct {
	OK         bool
	Data       any
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time

	err error
}

func failed(err error) Result {
	now := time.Now()
	return Result{Error: err.Error(), err: err, StartedAt: now, FinishedAt: now}
}

// Err returns the failure as an error, or nil on success. Sentinels such as
// ErrAckTimeout can be matched with errors.Is.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	if r.err != nil {
		return r.err
	}
	return errors.New(r.Error)
}

func (r Result) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }
