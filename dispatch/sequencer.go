package dispatch

import (
	"sync"
	"time"

	"github.com/mastercactapus/airbrush/transport"
	"github.com/rs/zerolog"
)

// Sequencer is the single writer to a Transport. Requests wait in one FIFO per
// priority; Low and Background requests with a CoalesceKey replace any pending
// request under the same key instead.
type Sequencer struct {
	tr      transport.Transport
	cfg     Config
	log     zerolog.Logger
	emit    func(Event)
	metrics *Metrics
	newTag  func() string

	mx         sync.Mutex
	queues     [numPriorities][]*Request
	coalesce   [numPriorities]map[string]*Request
	superseded []*Request
	pauseDepth int
	nextSeq    uint64

	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	running bool
}

// Option configures a Sequencer.
type Option func(*Sequencer)

func WithConfig(cfg Config) Option { return func(s *Sequencer) { s.cfg = cfg } }

func WithLogger(log zerolog.Logger) Option { return func(s *Sequencer) { s.log = log } }

// WithEvents sets the sink for Sent, Received and pause events.
func WithEvents(fn func(Event)) Option { return func(s *Sequencer) { s.emit = fn } }

func WithMetrics(m *Metrics) Option { return func(s *Sequencer) { s.metrics = m } }

func NewSequencer(tr transport.Transport, opts ...Option) *Sequencer {
	s := &Sequencer{
		tr:     tr,
		cfg:    DefaultConfig(),
		log:    zerolog.Nop(),
		emit:   func(Event) {},
		newTag: ackTag,
		wake:   make(chan struct{}, 1),
	}
	for i := range s.coalesce {
		s.coalesce[i] = make(map[string]*Request)
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RichModel reports whether model queries go to a native endpoint rather than
// the textual M409 fallback.
func (s *Sequencer) RichModel() bool {
	_, ok := s.tr.(transport.ModelQuerier)
	return ok
}

func (s *Sequencer) Link() transport.Link { return s.tr.Link() }

// Submit queues r and returns immediately.
func (s *Sequencer) Submit(r *Request) {
	if r.ID == "" {
		fresh := NewRequest(r.Kind, r.Priority, r.Payload)
		r.ID, r.Created = fresh.ID, fresh.Created
	}
	if r.Priority < PriorityHigh || r.Priority > PriorityBackground {
		r.Priority = PriorityMedium
	}

	s.mx.Lock()
	s.nextSeq++
	r.seq = s.nextSeq
	p := r.Priority
	if p.gated() && r.CoalesceKey != "" {
		for q := PriorityLow; q <= PriorityBackground; q++ {
			if old, ok := s.coalesce[q][r.CoalesceKey]; ok {
				delete(s.coalesce[q], r.CoalesceKey)
				s.superseded = append(s.superseded, old)
				s.metrics.coalesce()
			}
		}
		s.coalesce[p][r.CoalesceKey] = r
	} else {
		s.queues[p] = append(s.queues[p], r)
	}
	s.metrics.setQueued(p, len(s.queues[p])+len(s.coalesce[p]))
	s.mx.Unlock()

	s.signal()
}

func (s *Sequencer) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued requests.
func (s *Sequencer) Pending() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	var n int
	for p := range s.queues {
		n += len(s.queues[p]) + len(s.coalesce[p])
	}
	return n
}

// PauseUpdates holds back Low and Background requests. Calls nest; each must be
// matched by ResumeUpdates.
func (s *Sequencer) PauseUpdates(reason string) {
	s.mx.Lock()
	s.pauseDepth++
	depth := s.pauseDepth
	s.mx.Unlock()

	s.metrics.paused(depth)
	if depth == 1 {
		s.log.Debug().Str("reason", reason).Msg("updates paused")
		s.emit(UpdatesPausedEvent{Reason: reason})
	}
}

func (s *Sequencer) ResumeUpdates() {
	s.mx.Lock()
	if s.pauseDepth == 0 {
		s.mx.Unlock()
		s.log.Debug().Msg("resume without matching pause")
		return
	}
	s.pauseDepth--
	depth := s.pauseDepth
	s.mx.Unlock()

	s.metrics.paused(depth)
	if depth == 0 {
		s.log.Debug().Msg("updates resumed")
		s.emit(UpdatesResumedEvent{})
		s.signal()
	}
}

func (s *Sequencer) Paused() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.pauseDepth > 0
}

// next removes the next eligible request, or returns nil.
func (s *Sequencer) next() *Request {
	s.mx.Lock()
	defer s.mx.Unlock()

	for p := Priority(0); p < numPriorities; p++ {
		if p.gated() && s.pauseDepth > 0 {
			continue
		}
		var r *Request
		if m := s.coalesce[p]; len(m) > 0 {
			for _, c := range m {
				if r == nil || c.seq < r.seq {
					r = c
				}
			}
			delete(m, r.CoalesceKey)
		} else if len(s.queues[p]) > 0 {
			r = s.queues[p][0]
			s.queues[p][0] = nil
			s.queues[p] = s.queues[p][1:]
		}
		if r != nil {
			s.metrics.setQueued(p, len(s.queues[p])+len(s.coalesce[p]))
			return r
		}
	}
	return nil
}

func (s *Sequencer) takeSuperseded() []*Request {
	s.mx.Lock()
	defer s.mx.Unlock()
	old := s.superseded
	s.superseded = nil
	return old
}

// Start launches the worker goroutine. It is a no-op if already running. If a
// previous worker outlived its Stop, the new one waits for it to exit first.
func (s *Sequencer) Start() {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.running {
		return
	}
	s.running = true
	prev := s.done
	quit, done := make(chan struct{}), make(chan struct{})
	s.quit, s.done = quit, done
	go func() {
		if prev != nil {
			<-prev
		}
		s.loop(quit, done)
	}()
}

// Stop asks the worker to exit after the current request and waits up to
// Config.StopTimeout. Requests still queued when the worker exits fail with
// ErrStopped, even if Stop gave up waiting.
func (s *Sequencer) Stop() error {
	s.mx.Lock()
	if !s.running {
		s.mx.Unlock()
		return nil
	}
	s.running = false
	quit, done := s.quit, s.done
	s.mx.Unlock()

	close(quit)
	t := time.NewTimer(s.cfg.StopTimeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		s.log.Warn().Dur("timeout", s.cfg.StopTimeout).Msg("sequencer did not stop in time")
		return ErrStopTimeout
	}
}

// exit fails whatever is still queued, unless the sequencer was restarted in the
// meantime, then releases Stop and any waiting Start.
func (s *Sequencer) exit(done chan struct{}) {
	s.mx.Lock()
	var rs []*Request
	if !s.running {
		rs = s.drain()
	}
	s.mx.Unlock()

	for _, r := range rs {
		s.complete(r, failed(ErrStopped))
	}
	close(done)
}

// drain empties every queue. s.mx must be held.
func (s *Sequencer) drain() []*Request {
	rs := s.superseded
	s.superseded = nil
	for p := range s.queues {
		rs = append(rs, s.queues[p]...)
		s.queues[p] = nil
		for k, r := range s.coalesce[p] {
			rs = append(rs, r)
			delete(s.coalesce[p], k)
		}
		s.metrics.setQueued(Priority(p), 0)
	}
	return rs
}

func (s *Sequencer) loop(quit, done chan struct{}) {
	defer s.exit(done)
	idle := time.NewTimer(s.cfg.IdleWait)
	defer idle.Stop()
	for {
		select {
		case <-quit:
			return
		default:
		}

		for _, r := range s.takeSuperseded() {
			s.complete(r, failed(ErrSuperseded))
		}

		r := s.next()
		if r != nil {
			s.run(r)
			continue
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(s.cfg.IdleWait)
		select {
		case <-quit:
			return
		case <-s.wake:
		case <-idle.C:
		}
	}
}

func (s *Sequencer) complete(r *Request, res Result) {
	if r.OnComplete == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			s.log.Error().Interface("panic", p).Str("request", r.String()).Msg("completion callback panicked")
		}
	}()
	r.OnComplete(res)
}
