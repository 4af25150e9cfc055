package poller

import (
	"sync"
	"time"

	"github.com/mastercactapus/airbrush/dispatch"
	"github.com/mastercactapus/airbrush/machine"
	"github.com/rs/zerolog"
)

type tier struct {
	name     string
	interval time.Duration
	keys     []Key
	last     time.Time
}

// Tiered polls telemetry on fixed cadences. Each due key becomes a coalesced
// query, so a busy link never accumulates more than one pending poll per key.
type Tiered struct {
	seq     Submitter
	state   *machine.State
	publish func(dispatch.Event)
	cfg     Config
	log     zerolog.Logger

	mx       sync.Mutex
	tiers    []*tier
	inflight map[string]bool
	quit     chan struct{}
	done     chan struct{}
	running  bool
}

func NewTiered(seq Submitter, state *machine.State, publish func(dispatch.Event), opts ...Option) *Tiered {
	o := buildOptions(opts)
	fastMedium := append(append([]Key{}, FastKeys...), MediumKeys...)
	return &Tiered{
		seq:      seq,
		state:    state,
		publish:  publish,
		cfg:      o.cfg,
		log:      o.log,
		inflight: make(map[string]bool),

		tiers: []*tier{
			{name: "fast", interval: o.cfg.Fast, keys: FastKeys},
			{name: "medium", interval: o.cfg.Medium, keys: MediumKeys},
			{name: "full", interval: o.cfg.Full, keys: fastMedium},
			{name: "slow", interval: o.cfg.Slow, keys: SlowKeys},
		},
	}
}

func (p *Tiered) Start() {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.quit = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(p.quit, p.done)
}

func (p *Tiered) Stop() {
	p.mx.Lock()
	if !p.running {
		p.mx.Unlock()
		return
	}
	p.running = false
	quit, done := p.quit, p.done
	p.mx.Unlock()

	close(quit)
	<-done
}

func (p *Tiered) loop(quit, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(p.cfg.Cadence)
	defer t.Stop()
	p.tick(time.Now())
	for {
		select {
		case <-quit:
			return
		case now := <-t.C:
			p.tick(now)
		}
	}
}

// tick submits every key of every tier that is due at now and returns the
// number of requests submitted.
func (p *Tiered) tick(now time.Time) int {
	p.mx.Lock()
	var due []*tier
	for _, t := range p.tiers {
		if t.interval <= 0 {
			continue
		}
		if t.last.IsZero() || now.Sub(t.last) >= t.interval {
			t.last = now
			due = append(due, t)
		}
	}
	p.mx.Unlock()

	var n int
	for _, t := range due {
		for _, k := range t.keys {
			r := p.request(t.name, k)
			if r == nil {
				continue
			}
			p.seq.Submit(r)
			n++
		}
	}
	return n
}

// request returns nil for a promoted key whose previous poll, from any tier, has
// not completed; Medium requests are not coalesced by the sequencer.
func (p *Tiered) request(tierName string, k Key) *dispatch.Request {
	key := tierName + ":" + k.Name
	prio := dispatch.PriorityLow
	switch {
	case k.Promoted:
		prio = dispatch.PriorityMedium
		p.mx.Lock()
		busy := p.inflight[k.Name]
		p.inflight[k.Name] = true
		p.mx.Unlock()
		if busy {
			return nil
		}
	case tierName == "slow":
		prio = dispatch.PriorityBackground
	}
	r := modelRequest(p.seq, k, prio)
	r.CoalesceKey = key
	r.OnComplete = func(res dispatch.Result) {
		if k.Promoted {
			p.mx.Lock()
			delete(p.inflight, k.Name)
			p.mx.Unlock()
		}
		p.apply(k, res)
	}
	return r
}

func (p *Tiered) apply(k Key, res dispatch.Result) {
	if !res.OK {
		p.log.Debug().Str("key", k.Name).Str("error", res.Error).Msg("poll failed")
		return
	}
	v, err := modelResult(k, res.Data)
	if err != nil {
		p.log.Debug().Err(err).Str("key", k.Name).Msg("poll reply unusable")
		return
	}
	patch := k.Translate(v)
	if len(patch) == 0 {
		return
	}
	observe(p.state, p.publish, patch)
}
