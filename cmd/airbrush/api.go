package main

import (
	"encoding/json"
	"io"
	stdlog "log"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	sse "github.com/alexandrevicenzi/go-sse"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/mastercactapus/airbrush/dispatch"
	"github.com/mastercactapus/airbrush/gcode"
	"github.com/mastercactapus/airbrush/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const wsBuffer = 64

type api struct {
	http.Handler
	s       *session.Session
	dataDir string
	log     zerolog.Logger
	sse     *sse.Server
	up      websocket.Upgrader

	mx      sync.Mutex
	clients map[chan []byte]struct{}
	cancel  func()
}

func newAPI(s *session.Session, dir string, gatherer prometheus.Gatherer, log zerolog.Logger) *api {
	r := mux.NewRouter()
	a := &api{
		Handler: r,
		s:       s,
		dataDir: dir,
		log:     log,
		sse: sse.NewServer(&sse.Options{
			Logger: stdlog.New(log.With().Str("component", "sse").Logger().Level(zerolog.DebugLevel), "", 0),
		}),
		clients: make(map[chan []byte]struct{}),
	}

	files := http.FileServer(http.Dir(dir))
	r.PathPrefix("/data/").Handler(http.StripPrefix("/data", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodGet:
			files.ServeHTTP(w, req)
		case http.MethodPut:
			a.putFile(w, req)
		case http.MethodDelete:
			a.deleteFile(w, req)
		default:
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		}
	})))

	r.HandleFunc("/api/run", a.run).Methods(http.MethodPost)
	r.HandleFunc("/api/print/{name}", a.print).Methods(http.MethodPost)
	r.HandleFunc("/api/upload/{name}", a.upload).Methods(http.MethodPost)
	r.HandleFunc("/api/state", a.state).Methods(http.MethodGet)
	r.HandleFunc("/api/status", a.status).Methods(http.MethodGet)
	r.HandleFunc("/api/pause", a.pause).Methods(http.MethodPost)
	r.HandleFunc("/api/resume", a.resume).Methods(http.MethodPost)
	r.HandleFunc("/ws", a.ws)
	r.PathPrefix("/events/").Handler(a.sse)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	a.cancel = s.Dispatcher.OnEvent(a.broadcast)
	return a
}

func (a *api) Close() {
	a.cancel()
	a.sse.Shutdown()
	a.mx.Lock()
	for c := range a.clients {
		close(c)
		delete(a.clients, c)
	}
	a.mx.Unlock()
}

func (a *api) broadcast(ev dispatch.Event) {
	data, err := dispatch.MarshalEvent(ev)
	if err != nil {
		a.log.Error().Err(err).Msg("marshal event")
		return
	}
	if st, ok := ev.(dispatch.StateUpdatedEvent); ok {
		snap, err := json.Marshal(st.State)
		if err == nil {
			a.sse.SendMessage("/events/state", sse.SimpleMessage(string(snap)))
		}
	} else {
		a.sse.SendMessage("/events/log", sse.SimpleMessage(string(data)))
	}

	a.mx.Lock()
	defer a.mx.Unlock()
	for c := range a.clients {
		select {
		case c <- data:
		default:
			// slow client; it will catch up from the next state event
		}
	}
}

func safePath(base, name string) (bool, string) {
	if filepath.Separator != '/' && strings.ContainsRune(name, filepath.Separator) {
		return false, ""
	}
	dir := base
	if dir == "" {
		dir = "."
	}
	return true, filepath.Join(dir, filepath.FromSlash(path.Clean("/"+name)))
}

func writeJSON(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(v)
}

// run enqueues the G-code in the request body. With ?wait=1 it responds once
// every line has completed.
func (a *api) run(w http.ResponseWriter, req *http.Request) {
	instrs, err := gcode.Parse(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	a.dispatch(w, req, instrs)
}

func (a *api) dispatch(w http.ResponseWriter, req *http.Request, instrs []gcode.Instruction) {
	if req.FormValue("wait") == "1" {
		err := a.s.Run(req.Context(), instrs)
		if err != nil {
			a.log.Error().Err(err).Msg("run")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]int{"completed": len(instrs)})
		return
	}
	for _, in := range instrs {
		a.s.Enqueue(in)
	}
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]int{"queued": len(instrs)})
}

// print runs a job file from the data directory.
func (a *api) print(w http.ResponseWriter, req *http.Request) {
	ok, name := safePath(a.dataDir, mux.Vars(req)["name"])
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	f, err := os.Open(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	defer f.Close()
	instrs, err := gcode.Parse(f)
	if err != nil {
		a.log.Error().Err(err).Str("file", name).Msg("parse job")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.dispatch(w, req, instrs)
}

// upload copies a file from the data directory to the controller.
func (a *api) upload(w http.ResponseWriter, req *http.Request) {
	base := mux.Vars(req)["name"]
	ok, name := safePath(a.dataDir, base)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	data, err := os.ReadFile(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	err = a.s.Upload(req.Context(), "0:/gcodes/"+path.Base(base), data)
	if err != nil {
		a.log.Error().Err(err).Str("file", name).Msg("upload")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) state(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, a.s.State.Snapshot())
}

func (a *api) status(w http.ResponseWriter, req *http.Request) {
	st, err := a.s.Status(req.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, st)
}

func (a *api) pause(w http.ResponseWriter, req *http.Request) {
	reason := req.FormValue("reason")
	if reason == "" {
		reason = "api"
	}
	a.s.Sequencer.PauseUpdates(reason)
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) resume(w http.ResponseWriter, req *http.Request) {
	a.s.Sequencer.ResumeUpdates()
	w.WriteHeader(http.StatusNoContent)
}

// ws streams every event as JSON. Text messages from the client are run as
// G-code lines.
func (a *api) ws(w http.ResponseWriter, req *http.Request) {
	conn, err := a.up.Upgrade(w, req, nil)
	if err != nil {
		a.log.Debug().Err(err).Msg("websocket upgrade")
		return
	}
	defer conn.Close()

	out := make(chan []byte, wsBuffer)
	a.mx.Lock()
	a.clients[out] = struct{}{}
	a.mx.Unlock()
	defer func() {
		a.mx.Lock()
		if _, ok := a.clients[out]; ok {
			delete(a.clients, out)
			close(out)
		}
		a.mx.Unlock()
	}()

	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				conn.Close()
				return
			}
			for _, line := range strings.Split(string(msg), "\n") {
				if in := gcode.ParseLine(line); in != nil {
					a.s.Enqueue(in)
				}
			}
		}
	}()

	for data := range out {
		err = conn.WriteMessage(websocket.TextMessage, data)
		if err != nil {
			return
		}
	}
}

func (a *api) putFile(w http.ResponseWriter, req *http.Request) {
	ok, name := safePath(a.dataDir, req.URL.Path)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	os.MkdirAll(filepath.Dir(name), 0755)
	f, err := os.Create(name)
	if err != nil {
		a.log.Error().Err(err).Str("file", name).Msg("create")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer f.Close()
	_, err = io.Copy(f, req.Body)
	if err != nil {
		a.log.Error().Err(err).Str("file", name).Msg("write")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func (a *api) deleteFile(w http.ResponseWriter, req *http.Request) {
	ok, name := safePath(a.dataDir, req.URL.Path)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	err := os.Remove(name)
	if err != nil {
		a.log.Error().Err(err).Str("file", name).Msg("delete")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}
