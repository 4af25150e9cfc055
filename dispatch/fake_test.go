package dispatch

import (
	"context"
	"sync"

	"github.com/mastercactapus/airbrush/transport"
)

type fakeTransport struct {
	link transport.Link

	mx      sync.Mutex
	sent    []string
	queries []string
	onSend  func(line string)
	onQuery func(line string) (string, error)
}

func newFake(link transport.Link) *fakeTransport {
	return &fakeTransport{link: link}
}

func (f *fakeTransport) Connect(context.Context) error { return nil }
func (f *fakeTransport) Disconnect() error             { return nil }
func (f *fakeTransport) Connected() bool               { return true }
func (f *fakeTransport) Link() transport.Link          { return f.link }

func (f *fakeTransport) SendLine(_ context.Context, line string) error {
	f.mx.Lock()
	f.sent = append(f.sent, line)
	fn := f.onSend
	f.mx.Unlock()
	if fn != nil {
		fn(line)
	}
	return nil
}

func (f *fakeTransport) Query(_ context.Context, line string) (string, error) {
	f.mx.Lock()
	f.queries = append(f.queries, line)
	fn := f.onQuery
	f.mx.Unlock()
	if fn == nil {
		return "", nil
	}
	return fn(line)
}

func (f *fakeTransport) Status(context.Context) (map[string]any, error) {
	return map[string]any{"status": "I"}, nil
}

func (f *fakeTransport) Sent() []string {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeTransport) Queries() []string {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]string(nil), f.queries...)
}

// richTransport adds the native model endpoint and uploads.
type richTransport struct {
	*fakeTransport

	umx     sync.Mutex
	uploads map[string][]byte
}

func (r *richTransport) Model(_ context.Context, key, flags string) (map[string]any, error) {
	return map[string]any{"key": key, "flags": flags, "result": map[string]any{"rich": true}}, nil
}

func (r *richTransport) Upload(_ context.Context, name string, data []byte) error {
	r.umx.Lock()
	defer r.umx.Unlock()
	if r.uploads == nil {
		r.uploads = make(map[string][]byte)
	}
	r.uploads[name] = data
	return nil
}

// recorder collects events.
type recorder struct {
	mx     sync.Mutex
	events []Event
}

func (r *recorder) add(ev Event) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []Event {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) types() []string {
	var t []string
	for _, ev := range r.all() {
		t = append(t, ev.EventType())
	}
	return t
}

func countType(types []string, name string) int {
	var n int
	for _, t := range types {
		if t == name {
			n++
		}
	}
	return n
}

// results collects completions keyed by request payload.
type results struct {
	mx    sync.Mutex
	order []string
	byKey map[string]Result
}

func newResults() *results { return &results{byKey: make(map[string]Result)} }

func (r *results) track(req *Request, name string) *Request {
	req.OnComplete = func(res Result) {
		r.mx.Lock()
		defer r.mx.Unlock()
		r.order = append(r.order, name)
		r.byKey[name] = res
	}
	return req
}

func (r *results) get(name string) (Result, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	res, ok := r.byKey[name]
	return res, ok
}

func (r *results) done() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]string(nil), r.order...)
}
