package dispatch

import "time"

// Config holds the timing constants of the dispatch layer. The ack backoff and
// the timeouts are heuristics tuned for RRF boards, not protocol requirements.
type Config struct {
	CommandTimeout     time.Duration
	LongRunningTimeout time.Duration
	QueryTimeout       time.Duration

	// AckMarker is a format string with one %s verb for the tag. The rendered line
	// must make the firmware echo the tag back.
	AckMarker string
	// AckProbe is the lightweight query polled until the tag is seen.
	AckProbe          string
	AckBackoffInitial time.Duration
	AckBackoffMax     time.Duration

	// IdleWait is the longest the sequencer sleeps when nothing is eligible.
	IdleWait    time.Duration
	StopTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		CommandTimeout:     10 * time.Second,
		LongRunningTimeout: 120 * time.Second,
		QueryTimeout:       3 * time.Second,

		AckMarker:         `M118 S"ack:%s"`,
		AckProbe:          "M408 S0",
		AckBackoffInitial: 80 * time.Millisecond,
		AckBackoffMax:     500 * time.Millisecond,

		IdleWait:    10 * time.Millisecond,
		StopTimeout: 2 * time.Second,
	}
}

func (cfg Config) timeout(r *Request) time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	switch {
	case r.Kind == KindQuery:
		return cfg.QueryTimeout
	case r.SideEffects.Has(SideEffectLongRunning):
		return cfg.LongRunningTimeout
	}
	return cfg.CommandTimeout
}
