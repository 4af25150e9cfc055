package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HTTPConfig configures a link to the controller's standalone HTTP API.
type HTTPConfig struct {
	// BaseURL is the controller address, e.g. "http://duet.local".
	BaseURL  string
	Password string
	Timeout  time.Duration
}

// HTTP talks to the controller through the rr_* endpoints.
type HTTP struct {
	cfg    HTTPConfig
	log    zerolog.Logger
	client *http.Client

	mx        sync.Mutex
	connected bool
}

var (
	_ Transport    = &HTTP{}
	_ ModelQuerier = &HTTP{}
	_ Uploader     = &HTTP{}
)

func NewHTTP(cfg HTTPConfig, log zerolog.Logger) *HTTP {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTP{
		cfg:    cfg,
		log:    log.With().Str("transport", "http").Str("url", cfg.BaseURL).Logger(),
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (h *HTTP) Link() Link { return LinkHTTP }

func (h *HTTP) do(ctx context.Context, method, path string, q url.Values, body []byte) ([]byte, error) {
	u := h.cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return data, nil
}

func (h *HTTP) getJSON(ctx context.Context, path string, q url.Values) (map[string]any, error) {
	data, err := h.do(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	err = json.Unmarshal(data, &doc)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return doc, nil
}

func checkErrField(doc map[string]any, op string) error {
	if code, ok := doc["err"].(float64); ok && code != 0 {
		return fmt.Errorf("%w: %s returned err=%v", ErrDeviceError, op, code)
	}
	return nil
}

func (h *HTTP) Connect(ctx context.Context) error {
	doc, err := h.getJSON(ctx, "/rr_connect", url.Values{
		"password": {h.cfg.Password},
		"time":     {time.Now().Format("2006-01-02T15:04:05")},
	})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	err = checkErrField(doc, "rr_connect")
	if err != nil {
		return err
	}

	h.mx.Lock()
	h.connected = true
	h.mx.Unlock()
	h.log.Info().Msg("connected")
	return nil
}

func (h *HTTP) Disconnect() error {
	h.mx.Lock()
	was := h.connected
	h.connected = false
	h.mx.Unlock()
	if !was {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.Timeout)
	defer cancel()
	_, err := h.do(ctx, http.MethodGet, "/rr_disconnect", nil, nil)
	h.log.Info().Msg("disconnected")
	return err
}

func (h *HTTP) Connected() bool {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.connected
}

func (h *HTTP) check() error {
	if !h.Connected() {
		return ErrNotConnected
	}
	return nil
}

func (h *HTTP) SendLine(ctx context.Context, line string) error {
	err := h.check()
	if err != nil {
		return err
	}
	doc, err := h.getJSON(ctx, "/rr_gcode", url.Values{"gcode": {line}})
	if err != nil {
		return err
	}
	return checkErrField(doc, "rr_gcode")
}

func (h *HTTP) Query(ctx context.Context, line string) (string, error) {
	err := h.SendLine(ctx, line)
	if err != nil {
		return "", err
	}
	data, err := h.do(ctx, http.MethodGet, "/rr_reply", nil, nil)
	if err != nil {
		return "", err
	}
	reply := strings.TrimSpace(string(data))
	for _, l := range strings.Split(reply, "\n") {
		if isError(strings.TrimSpace(l)) {
			return reply, fmt.Errorf("%w: %s", ErrDeviceError, strings.TrimSpace(l))
		}
	}
	return reply, nil
}

func (h *HTTP) Model(ctx context.Context, key, flags string) (map[string]any, error) {
	err := h.check()
	if err != nil {
		return nil, err
	}
	return h.getJSON(ctx, "/rr_model", url.Values{"key": {key}, "flags": {flags}})
}

func (h *HTTP) Status(ctx context.Context) (map[string]any, error) {
	return h.Model(ctx, "state", "f")
}

func (h *HTTP) Upload(ctx context.Context, name string, data []byte) error {
	err := h.check()
	if err != nil {
		return err
	}
	resp, err := h.do(ctx, http.MethodPost, "/rr_upload", url.Values{"name": {name}}, data)
	if err != nil {
		return err
	}
	var doc map[string]any
	err = json.Unmarshal(resp, &doc)
	if err != nil {
		return fmt.Errorf("decode rr_upload: %w", err)
	}
	return checkErrField(doc, "rr_upload")
}
