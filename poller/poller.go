// Package poller keeps the observed machine state fresh by submitting telemetry
// queries to the dispatch sequencer.
package poller

import (
	"fmt"
	"time"

	"github.com/mastercactapus/airbrush/dispatch"
	"github.com/mastercactapus/airbrush/machine"
	"github.com/rs/zerolog"
)

// Submitter is the part of dispatch.Sequencer the pollers use.
type Submitter interface {
	Submit(*dispatch.Request)
	RichModel() bool
}

type Config struct {
	Cadence time.Duration
	Fast    time.Duration
	Medium  time.Duration
	Full    time.Duration
	Slow    time.Duration

	// Motion poller.
	Cooldown   time.Duration
	StaleAfter time.Duration
	Epsilon    float64
}

func DefaultConfig() Config {
	return Config{
		Cadence: 100 * time.Millisecond,
		Fast:    500 * time.Millisecond,
		Medium:  2500 * time.Millisecond,
		Full:    5 * time.Second,
		Slow:    30 * time.Second,

		Cooldown:   150 * time.Millisecond,
		StaleAfter: time.Second,
		Epsilon:    0.001,
	}
}

// modelRequest builds the query for k: the native endpoint when the transport
// has one, otherwise the equivalent M409 line.
func modelRequest(seq Submitter, k Key, prio dispatch.Priority) *dispatch.Request {
	q := dispatch.ModelQuery{Key: k.Model, Flags: k.Flags}
	var payload any = q
	if !seq.RichModel() {
		payload = dispatch.RawQuery(q.SerialCommand())
	}
	return dispatch.NewRequest(dispatch.KindQuery, prio, payload)
}

// modelResult extracts the "result" member from either query path.
func modelResult(k Key, data any) (any, error) {
	var doc map[string]any
	switch d := data.(type) {
	case map[string]any:
		doc = d
	case string:
		var err error
		doc, err = dispatch.ModelReply(d, k.Model)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unexpected reply type %T", data)
	}
	res, ok := doc["result"]
	if !ok {
		return nil, fmt.Errorf("reply for %q has no result", k.Model)
	}
	return res, nil
}

// observe merges patch and announces the new state.
func observe(state *machine.State, publish func(dispatch.Event), patch machine.Tree) {
	state.UpdateObserved(patch)
	if publish != nil {
		publish(dispatch.StateUpdatedEvent{State: state.Snapshot()})
	}
}

type Option func(*options)

type options struct {
	cfg Config
	log zerolog.Logger
}

func WithConfig(cfg Config) Option { return func(o *options) { o.cfg = cfg } }

func WithLogger(log zerolog.Logger) Option { return func(o *options) { o.log = log } }

func buildOptions(opts []Option) options {
	o := options{cfg: DefaultConfig(), log: zerolog.Nop()}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
