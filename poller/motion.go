package poller

import (
	"fmt"
	"sync"
	"time"

	"github.com/mastercactapus/airbrush/coord"
	"github.com/mastercactapus/airbrush/dispatch"
	"github.com/mastercactapus/airbrush/machine"
	"github.com/rs/zerolog"
)

// MotionKey is the coalesce key of coordinate refreshes.
const MotionKey = "motion:position"

// Motion refreshes the observed position shortly after motion commands complete,
// instead of on a fixed cadence. Later motion within Cooldown pushes the refresh
// back.
type Motion struct {
	seq     Submitter
	state   *machine.State
	publish func(dispatch.Event)
	cfg     Config
	log     zerolog.Logger

	mx      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func NewMotion(seq Submitter, state *machine.State, publish func(dispatch.Event), opts ...Option) *Motion {
	o := buildOptions(opts)
	return &Motion{
		seq:     seq,
		state:   state,
		publish: publish,
		cfg:     o.cfg,
		log:     o.log,
	}
}

// HandleEvent is a dispatcher event subscriber.
func (m *Motion) HandleEvent(ev dispatch.Event) {
	if a, ok := ev.(dispatch.AckEvent); ok && a.OK && a.Motion {
		m.Trigger()
	}
}

// Trigger schedules a refresh after Cooldown, replacing one already scheduled.
func (m *Motion) Trigger() {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.stopped {
		return
	}
	if m.timer == nil {
		m.timer = time.AfterFunc(m.cfg.Cooldown, m.Refresh)
		return
	}
	m.timer.Stop()
	m.timer.Reset(m.cfg.Cooldown)
}

func (m *Motion) Stop() {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
	}
}

// Refresh submits a position query now.
func (m *Motion) Refresh() {
	var r *dispatch.Request
	rich := m.seq.RichModel()
	if rich {
		r = dispatch.NewRequest(dispatch.KindQuery, dispatch.PriorityMedium,
			dispatch.ModelQuery{Key: KeyPosition.Model, Flags: KeyPosition.Flags})
	} else {
		r = dispatch.NewRequest(dispatch.KindQuery, dispatch.PriorityMedium, dispatch.RawQuery("M114"))
	}
	r.CoalesceKey = MotionKey
	submitted := time.Now()
	r.OnComplete = func(res dispatch.Result) {
		err := m.apply(res, rich, time.Since(submitted))
		if err != nil {
			m.log.Debug().Err(err).Msg("position refresh dropped")
		}
	}
	m.seq.Submit(r)
}

func (m *Motion) apply(res dispatch.Result, rich bool, age time.Duration) error {
	if !res.OK {
		return res.Err()
	}
	if age > m.cfg.StaleAfter {
		return fmt.Errorf("%w: position reply after %s", dispatch.ErrStaleReply, age)
	}

	var pos coord.Point
	if rich {
		v, err := modelResult(KeyPosition, res.Data)
		if err != nil {
			return err
		}
		var ok bool
		pos, ok = PositionFromAxes(v)
		if !ok {
			return errNoPosition
		}
	} else {
		s, ok := res.Data.(string)
		if !ok {
			return fmt.Errorf("unexpected reply type %T", res.Data)
		}
		var err error
		pos, err = ParseM114(s)
		if err != nil {
			return err
		}
	}

	// compare with the observed tree, which the tiered poller may have moved since
	if cur, ok := m.state.Snapshot().Observed[KeyPosition.Name].(map[string]any); ok {
		if prev, ok := coord.FromMap(cur); ok && pos.Near(prev, m.cfg.Epsilon) {
			return nil
		}
	}
	observe(m.state, m.publish, machine.Tree{KeyPosition.Name: pos.Map()})
	return nil
}
