package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mastercactapus/airbrush/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tick = 5 * time.Millisecond

func TestSequencer_PriorityOrder(t *testing.T) {
	f := newFake(transport.LinkHTTP)
	s := NewSequencer(f)

	s.Submit(NewRequest(KindCommand, PriorityBackground, "bg"))
	s.Submit(NewRequest(KindCommand, PriorityLow, "low"))
	s.Submit(NewRequest(KindCommand, PriorityMedium, "med1"))
	s.Submit(NewRequest(KindCommand, PriorityHigh, "high"))
	s.Submit(NewRequest(KindCommand, PriorityMedium, "med2"))
	assert.Equal(t, 5, s.Pending())

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return len(f.Sent()) == 5 }, time.Second, tick)
	assert.Equal(t, []string{"high", "med1", "med2", "low", "bg"}, f.Sent())
}

func TestSequencer_Coalesce(t *testing.T) {
	f := newFake(transport.LinkHTTP)
	s := NewSequencer(f)
	res := newResults()

	for _, v := range []string{"a", "b", "c"} {
		r := NewRequest(KindCommand, PriorityLow, v)
		r.CoalesceKey = "medium:position"
		s.Submit(res.track(r, v))
	}
	s.Submit(res.track(NewRequest(KindCommand, PriorityLow, "plain"), "plain"))
	assert.Equal(t, 2, s.Pending())

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return len(res.done()) == 4 }, time.Second, tick)
	assert.Equal(t, []string{"c", "plain"}, f.Sent())

	for _, v := range []string{"a", "b"} {
		r, _ := res.get(v)
		assert.False(t, r.OK)
		assert.ErrorIs(t, r.Err(), ErrSuperseded)
	}
	r, _ := res.get("c")
	assert.True(t, r.OK)
	assert.NoError(t, r.Err())
}

func TestSequencer_PauseGating(t *testing.T) {
	f := newFake(transport.LinkHTTP)
	rec := &recorder{}
	s := NewSequencer(f, WithEvents(rec.add))

	s.PauseUpdates("first")
	s.PauseUpdates("second")
	assert.True(t, s.Paused())

	s.Submit(NewRequest(KindCommand, PriorityLow, "low"))
	s.Submit(NewRequest(KindCommand, PriorityBackground, "bg"))
	s.Submit(NewRequest(KindCommand, PriorityHigh, "high"))
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return len(f.Sent()) == 1 }, time.Second, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"high"}, f.Sent())

	s.ResumeUpdates()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []string{"high"}, f.Sent(), "still paused at depth 1")

	s.ResumeUpdates()
	require.Eventually(t, func() bool { return len(f.Sent()) == 3 }, time.Second, tick)
	assert.Equal(t, []string{"high", "low", "bg"}, f.Sent())

	// unmatched resume is ignored
	s.ResumeUpdates()
	assert.False(t, s.Paused())
	assert.Equal(t, []string{"paused", "resumed"}, filterTypes(rec.types(), "paused", "resumed"))
}

func TestSequencer_AckTagged(t *testing.T) {
	f := newFake(transport.LinkSerial)
	rec := &recorder{}
	s := NewSequencer(f, WithEvents(rec.add))
	s.newTag = func() string { return "deadbeef" }

	var probes int32
	f.onQuery = func(line string) (string, error) {
		if atomic.AddInt32(&probes, 1) < 3 {
			return `{"status":"B"}`, nil
		}
		return "ack:deadbeef\n" + `{"status":"I"}`, nil
	}

	res := newResults()
	s.Submit(res.track(Command("G1 X10", true), "move"))
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { _, ok := res.get("move"); return ok }, time.Second, tick)
	r, _ := res.get("move")
	require.True(t, r.OK, r.Error)
	assert.Less(t, r.Duration(), time.Second)
	assert.Contains(t, r.Data, "ack:deadbeef")

	assert.Equal(t, []string{"G1 X10", `M118 S"ack:deadbeef"`}, f.Sent())
	assert.Equal(t, []string{"M408 S0", "M408 S0", "M408 S0"}, f.Queries())

	types := rec.types()
	require.NotEmpty(t, types)
	assert.Equal(t, "paused", types[0])
	assert.Equal(t, "resumed", types[len(types)-1])
	assert.Equal(t, 5, countType(types, "sent"))
	assert.Equal(t, 4, countType(types, "received"))
	assert.False(t, s.Paused())
}

func TestSequencer_AckTimeout(t *testing.T) {
	f := newFake(transport.LinkSerial)
	f.onQuery = func(string) (string, error) { return `{"status":"I"}`, nil }
	cfg := DefaultConfig()
	cfg.CommandTimeout = time.Second
	s := NewSequencer(f, WithConfig(cfg))

	res := newResults()
	s.Submit(res.track(Command("G1 X10", true), "move"))
	s.Submit(res.track(Command("M42 P1 S1", false), "next"))
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return len(res.done()) == 2 }, 3*time.Second, tick)
	r, _ := res.get("move")
	assert.False(t, r.OK)
	assert.Equal(t, "Ack timeout", r.Error)
	assert.ErrorIs(t, r.Err(), ErrAckTimeout)
	assert.GreaterOrEqual(t, r.Duration(), time.Second)

	r, _ = res.get("next")
	assert.True(t, r.OK, "worker continues after a timeout")
	assert.False(t, s.Paused())
}

func TestSequencer_AckTimeoutDefault(t *testing.T) {
	if testing.Short() {
		t.Skip("slow")
	}
	f := newFake(transport.LinkSerial)
	s := NewSequencer(f)

	res := newResults()
	req := Command("G1 X10", true)
	req.Timeout = 5 * time.Second
	s.Submit(res.track(req, "move"))
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { _, ok := res.get("move"); return ok }, 7*time.Second, 10*time.Millisecond)
	r, _ := res.get("move")
	assert.Equal(t, "Ack timeout", r.Error)
	assert.GreaterOrEqual(t, r.Duration(), 5*time.Second)
	assert.Less(t, r.Duration(), 6*time.Second)
}

func TestSequencer_DeviceErrorBeforeAck(t *testing.T) {
	f := newFake(transport.LinkSerial)
	f.onQuery = func(string) (string, error) {
		return "Error: G1: insufficient axes homed\nack:feedf00d",
			errors.Join(transport.ErrDeviceError, errors.New("Error: G1: insufficient axes homed"))
	}
	s := NewSequencer(f)
	s.newTag = func() string { return "feedf00d" }

	res := newResults()
	s.Submit(res.track(Command("G1 X10", true), "move"))
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { _, ok := res.get("move"); return ok }, time.Second, tick)
	r, _ := res.get("move")
	assert.False(t, r.OK)
	assert.ErrorIs(t, r.Err(), transport.ErrDeviceError)
}

func TestSequencer_HTTPAck(t *testing.T) {
	f := newFake(transport.LinkHTTP)
	f.onQuery = func(line string) (string, error) { return "FIRMWARE_NAME: RepRapFirmware", nil }
	rec := &recorder{}
	s := NewSequencer(f, WithEvents(rec.add))

	res := newResults()
	s.Submit(res.track(Command("M115", true), "m115"))
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { _, ok := res.get("m115"); return ok }, time.Second, tick)
	r, _ := res.get("m115")
	assert.True(t, r.OK)
	assert.Equal(t, "FIRMWARE_NAME: RepRapFirmware", r.Data)
	assert.Equal(t, []string{"M115"}, f.Queries())
	assert.Empty(t, f.Sent())
	assert.Equal(t, []string{"sent", "received"}, rec.types())
}

func TestSequencer_LongRunningPauses(t *testing.T) {
	f := newFake(transport.LinkHTTP)
	rec := &recorder{}
	s := NewSequencer(f, WithEvents(rec.add))

	r := Command("G28", false)
	r.SideEffects |= SideEffectLongRunning
	res := newResults()
	s.Submit(res.track(r, "home"))
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { _, ok := res.get("home"); return ok }, time.Second, tick)
	assert.Equal(t, []string{"paused", "sent", "resumed"}, rec.types())
}

func TestSequencer_FailuresDoNotStopWorker(t *testing.T) {
	f := newFake(transport.LinkHTTP)
	s := NewSequencer(f)
	res := newResults()

	boom := Control(func(context.Context, transport.Transport) (any, error) { panic("boom") })
	s.Submit(res.track(NewRequest(KindControl, PriorityHigh, boom), "panic"))

	bad := NewRequest(KindCommand, PriorityHigh, "G1 X1")
	bad.OnComplete = func(Result) { panic("callback") }
	s.Submit(bad)

	s.Submit(res.track(NewRequest(KindCommand, PriorityHigh, 42), "payload"))
	s.Submit(res.track(NewRequest(KindCommand, PriorityHigh, "G1 X2"), "after"))
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { _, ok := res.get("after"); return ok }, time.Second, tick)

	r, _ := res.get("panic")
	assert.False(t, r.OK)
	assert.Contains(t, r.Error, "boom")

	r, _ = res.get("payload")
	assert.ErrorIs(t, r.Err(), ErrBadPayload)

	r, _ = res.get("after")
	assert.True(t, r.OK)
	assert.Equal(t, []string{"G1 X1", "G1 X2"}, f.Sent())
}

func TestSequencer_ModelQuery(t *testing.T) {
	t.Run("serial fallback", func(t *testing.T) {
		f := newFake(transport.LinkSerial)
		f.onQuery = func(line string) (string, error) {
			assert.Equal(t, `M409 K"tools" F"f"`, line)
			return `{"key":"move","flags":"f","result":{}}` + "\n" + `{"key":"tools","flags":"f","result":[1]}`, nil
		}
		s := NewSequencer(f)
		assert.False(t, s.RichModel())

		res := newResults()
		s.Submit(res.track(NewRequest(KindQuery, PriorityLow, ModelQuery{Key: "tools", Flags: "f"}), "q"))
		s.Start()
		defer s.Stop()

		require.Eventually(t, func() bool { _, ok := res.get("q"); return ok }, time.Second, tick)
		r, _ := res.get("q")
		require.True(t, r.OK, r.Error)
		doc := r.Data.(map[string]any)
		assert.Equal(t, "tools", doc["key"])
		assert.Equal(t, []any{1.0}, doc["result"])
	})

	t.Run("rich endpoint", func(t *testing.T) {
		f := &richTransport{fakeTransport: newFake(transport.LinkHTTP)}
		s := NewSequencer(f)
		assert.True(t, s.RichModel())

		res := newResults()
		s.Submit(res.track(NewRequest(KindQuery, PriorityLow, ModelQuery{Key: "move", Flags: "d99fn"}), "q"))
		s.Start()
		defer s.Stop()

		require.Eventually(t, func() bool { _, ok := res.get("q"); return ok }, time.Second, tick)
		r, _ := res.get("q")
		require.True(t, r.OK, r.Error)
		assert.Equal(t, map[string]any{"rich": true}, r.Data.(map[string]any)["result"])
		assert.Empty(t, f.Queries())
	})
}

func TestModelReply(t *testing.T) {
	_, err := ModelReply(`{"key":"move","result":{}}`, "tools")
	assert.ErrorIs(t, err, ErrStaleReply)

	_, err = ModelReply("ok", "tools")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrStaleReply)

	doc, err := ModelReply("echo\n"+`{"key":"tools","result":[]}`, "tools")
	require.NoError(t, err)
	assert.Equal(t, "tools", doc["key"])
}

func TestSequencer_QueriesAndUploads(t *testing.T) {
	plain := newFake(transport.LinkHTTP)
	plain.onQuery = func(string) (string, error) { return "X:1.000 Y:2.000 Z:0.000", nil }
	rich := &richTransport{fakeTransport: newFake(transport.LinkHTTP)}

	run := func(tr transport.Transport, req *Request) Result {
		s := NewSequencer(tr)
		res := newResults()
		s.Submit(res.track(req, "r"))
		s.Start()
		defer s.Stop()
		require.Eventually(t, func() bool { _, ok := res.get("r"); return ok }, time.Second, tick)
		r, _ := res.get("r")
		return r
	}

	r := run(plain, NewRequest(KindQuery, PriorityLow, RawQuery("M114")))
	assert.Equal(t, "X:1.000 Y:2.000 Z:0.000", r.Data)

	r = run(plain, NewRequest(KindQuery, PriorityLow, StatusQuery{}))
	assert.Equal(t, map[string]any{"status": "I"}, r.Data)

	r = run(plain, NewRequest(KindUpload, PriorityMedium, Upload{Name: "a.g", Data: []byte("G28")}))
	assert.False(t, r.OK)
	assert.Equal(t, "upload not supported by transport", r.Error)
	assert.ErrorIs(t, r.Err(), ErrUnsupported)

	r = run(rich, NewRequest(KindUpload, PriorityMedium, Upload{Name: "a.g", Data: []byte("G28")}))
	assert.True(t, r.OK)
	assert.Equal(t, []byte("G28"), rich.uploads["a.g"])
}

func TestSequencer_StopFailsPending(t *testing.T) {
	f := newFake(transport.LinkHTTP)
	s := NewSequencer(f)
	res := newResults()

	s.PauseUpdates("test")
	s.Submit(res.track(NewRequest(KindQuery, PriorityLow, RawQuery("M114")), "low"))
	s.Start()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Stop())

	r, ok := res.get("low")
	require.True(t, ok)
	assert.ErrorIs(t, r.Err(), ErrStopped)
	assert.Equal(t, 0, s.Pending())
	assert.NoError(t, s.Stop(), "second stop is a no-op")
}

// slowDevice holds every query for delay and records the most queries it has
// seen at once.
type slowDevice struct {
	delay   time.Duration
	started chan string
	cur     int32
	max     int32
}

func (d *slowDevice) query(line string) (string, error) {
	n := atomic.AddInt32(&d.cur, 1)
	for {
		m := atomic.LoadInt32(&d.max)
		if n <= m || atomic.CompareAndSwapInt32(&d.max, m, n) {
			break
		}
	}
	select {
	case d.started <- line:
	default:
	}
	time.Sleep(d.delay)
	atomic.AddInt32(&d.cur, -1)
	return "", nil
}

func TestSequencer_RestartAfterStopTimeout(t *testing.T) {
	f := newFake(transport.LinkHTTP)
	dev := &slowDevice{delay: 200 * time.Millisecond, started: make(chan string, 4)}
	f.onQuery = dev.query
	cfg := DefaultConfig()
	cfg.StopTimeout = 20 * time.Millisecond
	s := NewSequencer(f, WithConfig(cfg))
	res := newResults()

	s.Submit(res.track(Command("G4 P200", true), "first"))
	s.Start()
	<-dev.started
	assert.ErrorIs(t, s.Stop(), ErrStopTimeout)

	s.Start()
	defer s.Stop()
	s.Submit(res.track(Command("G1 X1", true), "second"))

	require.Eventually(t, func() bool { return len(res.done()) == 2 }, 2*time.Second, tick)
	assert.Equal(t, []string{"first", "second"}, res.done())
	r, _ := res.get("second")
	assert.True(t, r.OK, r.Error)
	assert.Equal(t, int32(1), atomic.LoadInt32(&dev.max))
}

func TestSequencer_StopTimeoutStillFailsPending(t *testing.T) {
	f := newFake(transport.LinkHTTP)
	dev := &slowDevice{delay: 150 * time.Millisecond, started: make(chan string, 4)}
	f.onQuery = dev.query
	cfg := DefaultConfig()
	cfg.StopTimeout = 20 * time.Millisecond
	s := NewSequencer(f, WithConfig(cfg))
	res := newResults()

	s.Submit(res.track(Command("G4 P150", true), "running"))
	s.Start()
	<-dev.started
	s.Submit(res.track(Command("G1 X1", true), "queued"))
	assert.ErrorIs(t, s.Stop(), ErrStopTimeout)

	require.Eventually(t, func() bool { return len(res.done()) == 2 }, 2*time.Second, tick)
	r, _ := res.get("running")
	assert.True(t, r.OK, r.Error)
	r, _ = res.get("queued")
	assert.ErrorIs(t, r.Err(), ErrStopped)
	assert.Equal(t, []string{"G4 P150"}, f.Queries())
}

// echoDevice echoes M118 messages on the reply to the next query, like the
// firmware does on a serial link.
type echoDevice struct {
	mx      sync.Mutex
	pending []string
}

func (e *echoDevice) send(line string) {
	if !strings.HasPrefix(line, "M118 ") {
		return
	}
	msg := strings.TrimSuffix(strings.TrimPrefix(line, `M118 S"`), `"`)
	e.mx.Lock()
	e.pending = append(e.pending, msg)
	e.mx.Unlock()
}

func (e *echoDevice) query(string) (string, error) {
	e.mx.Lock()
	defer e.mx.Unlock()
	out := strings.Join(append(e.pending, `{"status":"I"}`), "\n")
	e.pending = nil
	return out, nil
}

func TestSequencer_AckTagCorrelation(t *testing.T) {
	dev := &echoDevice{}
	f := newFake(transport.LinkSerial)
	f.onSend = dev.send
	f.onQuery = dev.query

	var tags []string
	var tmx sync.Mutex
	s := NewSequencer(f)
	s.newTag = func() string {
		tag := ackTag()
		tmx.Lock()
		tags = append(tags, tag)
		tmx.Unlock()
		return tag
	}

	res := newResults()
	s.Submit(res.track(Command("G1 X1", true), "first"))
	s.Submit(res.track(Command("G1 X2", true), "second"))
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return len(res.done()) == 2 }, 2*time.Second, tick)
	tmx.Lock()
	defer tmx.Unlock()
	require.Len(t, tags, 2)
	assert.NotEqual(t, tags[0], tags[1])

	first, _ := res.get("first")
	second, _ := res.get("second")
	require.True(t, first.OK)
	require.True(t, second.OK)
	assert.Contains(t, first.Data, "ack:"+tags[0])
	assert.NotContains(t, first.Data, "ack:"+tags[1])
	assert.Contains(t, second.Data, "ack:"+tags[1])
	assert.NotContains(t, second.Data, "ack:"+tags[0])
}
