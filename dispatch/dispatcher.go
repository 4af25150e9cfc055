package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/mastercactapus/airbrush/gcode"
	"github.com/mastercactapus/airbrush/machine"
	"github.com/rs/zerolog"
)

// Compensator adjusts moves before they are predicted and sent. state is the
// current predictive tree.
type Compensator interface {
	Compensate(m gcode.Move, state machine.Tree) gcode.Move
}

type queued struct {
	instr gcode.Instruction
	done  func(Result)
}

// Dispatcher turns instructions into sequencer requests, keeping the predictive
// state ahead of the hardware and publishing events along the way.
type Dispatcher struct {
	seq   *Sequencer
	state *machine.State
	bus   *Bus
	cfg   Config
	log   zerolog.Logger
	comp  Compensator

	mx      sync.Mutex
	fifo    []queued
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	running bool
}

type DispatcherOption func(*Dispatcher)

func WithCompensator(c Compensator) DispatcherOption {
	return func(d *Dispatcher) { d.comp = c }
}

func WithDispatchLogger(log zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = log }
}

// NewDispatcher wires a Dispatcher. Events from seq should be routed to bus
// (see WithEvents) so subscribers see one causally ordered stream.
func NewDispatcher(seq *Sequencer, state *machine.State, bus *Bus, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		seq:   seq,
		state: state,
		bus:   bus,
		cfg:   seq.cfg,
		log:   zerolog.Nop(),
		wake:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dispatcher) Sequencer() *Sequencer { return d.seq }
func (d *Dispatcher) State() *machine.State { return d.state }

// OnEvent subscribes fn to all events. Panics in fn are logged and dropped.
func (d *Dispatcher) OnEvent(fn func(Event)) (cancel func()) {
	return d.bus.Subscribe(fn)
}

func (d *Dispatcher) Publish(ev Event) { d.bus.Publish(ev) }

// Enqueue queues instr for dispatch and returns immediately.
func (d *Dispatcher) Enqueue(instr gcode.Instruction) { d.EnqueueFunc(instr, nil) }

// EnqueueFunc is Enqueue with a completion callback, called from the sequencer
// goroutine.
func (d *Dispatcher) EnqueueFunc(instr gcode.Instruction, done func(Result)) {
	if instr == nil {
		return
	}
	d.mx.Lock()
	d.fifo = append(d.fifo, queued{instr: instr, done: done})
	d.mx.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) pop() (queued, bool) {
	d.mx.Lock()
	defer d.mx.Unlock()
	if len(d.fifo) == 0 {
		return queued{}, false
	}
	q := d.fifo[0]
	d.fifo[0] = queued{}
	d.fifo = d.fifo[1:]
	return q, true
}

func (d *Dispatcher) Start() {
	d.mx.Lock()
	if d.running {
		d.mx.Unlock()
		return
	}
	d.running = true
	d.quit = make(chan struct{})
	d.done = make(chan struct{})
	go d.loop(d.quit, d.done)
	d.mx.Unlock()

	d.seq.Start()
}

// Stop halts the dispatch loop and the sequencer. Instructions not yet handed to
// the sequencer fail with ErrStopped.
func (d *Dispatcher) Stop() error {
	d.mx.Lock()
	if !d.running {
		d.mx.Unlock()
		return d.seq.Stop()
	}
	d.running = false
	quit, done := d.quit, d.done
	d.mx.Unlock()

	close(quit)
	t := time.NewTimer(d.cfg.StopTimeout)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		d.log.Warn().Msg("dispatch loop did not stop in time")
	}

	for {
		q, ok := d.pop()
		if !ok {
			break
		}
		if q.done != nil {
			q.done(failed(ErrStopped))
		}
	}
	return d.seq.Stop()
}

func (d *Dispatcher) loop(quit, done chan struct{}) {
	defer close(done)
	for {
		q, ok := d.pop()
		if ok {
			d.dispatch(q)
			continue
		}
		select {
		case <-quit:
			return
		case <-d.wake:
		}
	}
}

func (d *Dispatcher) dispatch(q queued) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("instruction", q.instr.String()).Msg("dispatch failed")
			d.bus.Publish(ErrorEvent{Message: "dispatch failed", Context: q.instr.String()})
			if q.done != nil {
				q.done(failed(fmt.Errorf("dispatch: %v", r)))
			}
		}
	}()

	instr := q.instr
	if m, ok := instr.(gcode.Move); ok && d.comp != nil {
		instr = d.comp.Compensate(m, d.state.Snapshot().Predictive)
	}

	caps := instr.Capabilities()
	if d.state.ApplyPredictive(caps.Predict) {
		d.bus.Publish(StateUpdatedEvent{State: d.state.Snapshot()})
	}
	d.seq.Submit(d.request(instr, caps, q.done))
}

// request builds the sequencer request for instr. Caller instructions all share
// the High queue so they reach the wire in enqueue order, ahead of telemetry.
func (d *Dispatcher) request(instr gcode.Instruction, caps gcode.Capabilities, done func(Result)) *Request {
	line := instr.String()
	r := NewRequest(KindCommand, PriorityHigh, line)
	r.ExpectsAck = caps.ExpectsAck
	if caps.LongRunning {
		r.SideEffects |= SideEffectLongRunning
	}
	r.OnComplete = func(res Result) {
		d.bus.Publish(AckEvent{Instruction: line, OK: res.OK, Message: res.Error, Motion: caps.Motion})
		if !res.OK {
			d.bus.Publish(ErrorEvent{Message: res.Error, Context: line})
		}
		if done != nil {
			done(res)
		}
	}
	return r
}
