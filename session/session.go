// Package session owns one connection to a controller and everything that
// depends on it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mastercactapus/airbrush/dispatch"
	"github.com/mastercactapus/airbrush/gcode"
	"github.com/mastercactapus/airbrush/machine"
	"github.com/mastercactapus/airbrush/poller"
	"github.com/mastercactapus/airbrush/transport"
	"github.com/rs/zerolog"
)

// Poll modes.
const (
	PollTiered = "tiered"
	PollMotion = "motion"
	PollBoth   = "both"
	PollOff    = "off"
)

type Options struct {
	Log         zerolog.Logger
	Dispatch    dispatch.Config
	Poller      poller.Config
	PollMode    string
	Compensator dispatch.Compensator
	Metrics     *dispatch.Metrics
}

// DefaultOptions polls on the tiered schedule and logs nothing.
func DefaultOptions() Options {
	return Options{
		Log:      zerolog.Nop(),
		Dispatch: dispatch.DefaultConfig(),
		Poller:   poller.DefaultConfig(),
		PollMode: PollTiered,
	}
}

var ErrClosed = errors.New("session closed")

// Session wires a transport to the sequencer, dispatcher, state and pollers.
// Nothing outside the session touches the transport.
type Session struct {
	tr  transport.Transport
	log zerolog.Logger

	State      *machine.State
	Bus        *dispatch.Bus
	Sequencer  *dispatch.Sequencer
	Dispatcher *dispatch.Dispatcher

	tiered *poller.Tiered
	motion *poller.Motion

	mx          sync.Mutex
	open        bool
	closed      bool
	unsubscribe func()
}

func New(tr transport.Transport, opts Options) *Session {
	s := &Session{
		tr:    tr,
		log:   opts.Log,
		State: machine.NewState(),
		Bus:   dispatch.NewBus(opts.Log),
	}
	s.Sequencer = dispatch.NewSequencer(tr,
		dispatch.WithConfig(opts.Dispatch),
		dispatch.WithLogger(opts.Log.With().Str("component", "sequencer").Logger()),
		dispatch.WithEvents(s.Bus.Publish),
		dispatch.WithMetrics(opts.Metrics),
	)
	dopts := []dispatch.DispatcherOption{dispatch.WithDispatchLogger(opts.Log)}
	if opts.Compensator != nil {
		dopts = append(dopts, dispatch.WithCompensator(opts.Compensator))
	}
	s.Dispatcher = dispatch.NewDispatcher(s.Sequencer, s.State, s.Bus, dopts...)

	popts := []poller.Option{
		poller.WithConfig(opts.Poller),
		poller.WithLogger(opts.Log.With().Str("component", "poller").Logger()),
	}
	if opts.PollMode == PollTiered || opts.PollMode == PollBoth {
		s.tiered = poller.NewTiered(s.Sequencer, s.State, s.Bus.Publish, popts...)
	}
	if opts.PollMode == PollMotion || opts.PollMode == PollBoth {
		s.motion = poller.NewMotion(s.Sequencer, s.State, s.Bus.Publish, popts...)
	}
	return s
}

func (s *Session) Transport() transport.Transport { return s.tr }

// Open connects and starts dispatching and polling.
func (s *Session) Open(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.open {
		return nil
	}

	err := s.tr.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect %s: %w", s.tr.Link(), err)
	}
	s.State.Reset()
	s.Dispatcher.Start()
	if s.tiered != nil {
		s.tiered.Start()
	}
	if s.motion != nil {
		s.unsubscribe = s.Bus.Subscribe(s.motion.HandleEvent)
		s.motion.Refresh()
	}
	s.open = true
	s.log.Info().Str("link", s.tr.Link().String()).Msg("session open")
	return nil
}

// Close stops everything in reverse order and disconnects. A closed session
// cannot be reopened.
func (s *Session) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.open {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		if s.motion != nil {
			s.motion.Stop()
		}
		if s.tiered != nil {
			s.tiered.Stop()
		}
		errs = append(errs, s.Dispatcher.Stop())
		errs = append(errs, s.tr.Disconnect())
		s.open = false
	}
	s.Bus.Close()
	s.log.Info().Msg("session closed")
	return errors.Join(errs...)
}

// Enqueue hands instr to the dispatcher.
func (s *Session) Enqueue(instr gcode.Instruction) { s.Dispatcher.Enqueue(instr) }

// Run enqueues instrs in order and waits for all of them. It returns the first
// failure; instructions after a failure are still sent.
func (s *Session) Run(ctx context.Context, instrs []gcode.Instruction) error {
	if len(instrs) == 0 {
		return nil
	}
	results := make(chan dispatch.Result, len(instrs))
	for _, in := range instrs {
		s.Dispatcher.EnqueueFunc(in, func(r dispatch.Result) { results <- r })
	}

	var first error
	for range instrs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-results:
			if err := r.Err(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// Do submits r and waits for its result.
func (s *Session) Do(ctx context.Context, r *dispatch.Request) (dispatch.Result, error) {
	done := make(chan dispatch.Result, 1)
	next := r.OnComplete
	r.OnComplete = func(res dispatch.Result) {
		if next != nil {
			next(res)
		}
		done <- res
	}
	s.Sequencer.Submit(r)
	select {
	case <-ctx.Done():
		return dispatch.Result{}, ctx.Err()
	case res := <-done:
		return res, res.Err()
	}
}

// Status fetches the controller status document.
func (s *Session) Status(ctx context.Context) (map[string]any, error) {
	res, err := s.Do(ctx, dispatch.NewRequest(dispatch.KindQuery, dispatch.PriorityHigh, dispatch.StatusQuery{}))
	if err != nil {
		return nil, err
	}
	doc, _ := res.Data.(map[string]any)
	return doc, nil
}

// Upload stores a file on the controller.
func (s *Session) Upload(ctx context.Context, name string, data []byte) error {
	_, err := s.Do(ctx, dispatch.NewRequest(dispatch.KindUpload, dispatch.PriorityMedium, dispatch.Upload{Name: name, Data: data}))
	return err
}
