package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_Order(t *testing.T) {
	b := NewBus(zerolog.Nop())
	defer b.Close()

	var mx sync.Mutex
	var got []string
	b.Subscribe(func(Event) { panic("ignored") })
	b.Subscribe(func(ev Event) {
		mx.Lock()
		defer mx.Unlock()
		got = append(got, ev.(SentEvent).Line)
	})

	var want []string
	for i := 0; i < 500; i++ {
		line := string(rune('a' + i%26))
		want = append(want, line)
		b.Publish(SentEvent{Line: line})
	}

	require.Eventually(t, func() bool {
		mx.Lock()
		defer mx.Unlock()
		return len(got) == len(want)
	}, time.Second, tick)
	mx.Lock()
	assert.Equal(t, want, got)
	mx.Unlock()
}

func TestBus_Cancel(t *testing.T) {
	b := NewBus(zerolog.Nop())

	rec := &recorder{}
	cancel := b.Subscribe(rec.add)
	b.Publish(UpdatesPausedEvent{Reason: "x"})
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, tick)

	cancel()
	cancel()
	b.Publish(UpdatesResumedEvent{})
	b.Close()
	b.Close()
	b.Publish(UpdatesResumedEvent{})

	assert.Equal(t, []string{"paused"}, rec.types())
}

func TestMarshalEvent(t *testing.T) {
	data, err := MarshalEvent(AckEvent{Instruction: "G28", OK: false, Message: "Ack timeout"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ack","data":{"instruction":"G28","ok":false,"message":"Ack timeout"}}`, string(data))
}
