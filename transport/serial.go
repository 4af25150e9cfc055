package transport

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tarm/serial"
)

// SerialConfig configures a USB/UART link.
type SerialConfig struct {
	Port string
	Baud int

	// QueryTimeout bounds a Query whose context has no deadline.
	QueryTimeout time.Duration

	// StatusQuery is the command used by Status; its reply must contain a JSON line.
	StatusQuery string
}

func (cfg SerialConfig) withDefaults() SerialConfig {
	if cfg.Baud == 0 {
		cfg.Baud = 115200
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = 3 * time.Second
	}
	if cfg.StatusQuery == "" {
		cfg.StatusQuery = "M408 S0"
	}
	return cfg
}

// Serial talks to the controller over a serial port.
type Serial struct {
	cfg SerialConfig
	log zerolog.Logger

	open func(SerialConfig) (io.ReadWriteCloser, error)

	mx  sync.Mutex
	rw  io.ReadWriteCloser
	buf *lineBuffer
}

var _ Transport = &Serial{}

func NewSerial(cfg SerialConfig, log zerolog.Logger) *Serial {
	return &Serial{
		cfg:  cfg.withDefaults(),
		log:  log.With().Str("transport", "serial").Str("port", cfg.Port).Logger(),
		open: openPort,
	}
}

func openPort(cfg SerialConfig) (io.ReadWriteCloser, error) {
	return serial.OpenPort(&serial.Config{Name: cfg.Port, Baud: cfg.Baud})
}

func (s *Serial) Link() Link { return LinkSerial }

func (s *Serial) Connect(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.rw != nil {
		return nil
	}

	rw, err := s.open(s.cfg)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.cfg.Port, err)
	}
	s.rw = rw
	s.buf = newLineBuffer(1024)
	go readLines(rw, s.buf)
	s.log.Info().Int("baud", s.cfg.Baud).Msg("connected")
	return nil
}

func (s *Serial) Disconnect() error {
	s.mx.Lock()
	rw := s.rw
	s.rw = nil
	s.mx.Unlock()
	if rw == nil {
		return nil
	}
	s.log.Info().Msg("disconnected")
	return rw.Close()
}

func (s *Serial) Connected() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.rw != nil
}

func (s *Serial) conn() (io.ReadWriteCloser, *lineBuffer, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.rw == nil {
		return nil, nil, ErrNotConnected
	}
	return s.rw, s.buf, nil
}

func (s *Serial) SendLine(ctx context.Context, line string) error {
	rw, _, err := s.conn()
	if err != nil {
		return err
	}
	_, err = io.WriteString(rw, strings.TrimSpace(line)+"\n")
	return err
}

// Query writes line and collects reply lines up to the next "ok".
//
// Lines still buffered from earlier writes are included at the front of the reply,
// since the serial protocol cannot tell whose output they are.
func (s *Serial) Query(ctx context.Context, line string) (string, error) {
	rw, buf, err := s.conn()
	if err != nil {
		return "", err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.QueryTimeout)
		defer cancel()
	}

	var reply []string
	pending, err := buf.drain()
	if err != nil {
		return "", fmt.Errorf("read: %w", err)
	}
	for _, l := range pending {
		if !isOK(l) {
			reply = append(reply, l)
		}
	}

	_, err = io.WriteString(rw, strings.TrimSpace(line)+"\n")
	if err != nil {
		return "", err
	}

	var devErr error
	for {
		lines, err := buf.drain()
		for i, l := range lines {
			if isOK(l) {
				buf.requeue(lines[i+1:])
				return strings.Join(reply, "\n"), devErr
			}
			if isError(l) && devErr == nil {
				devErr = fmt.Errorf("%w: %s", ErrDeviceError, l)
			}
			reply = append(reply, l)
		}
		if err != nil {
			return strings.Join(reply, "\n"), fmt.Errorf("read: %w", err)
		}

		select {
		case <-buf.notify:
		case <-ctx.Done():
			return strings.Join(reply, "\n"), ctx.Err()
		}
	}
}

func (s *Serial) Status(ctx context.Context) (map[string]any, error) {
	reply, err := s.Query(ctx, s.cfg.StatusQuery)
	if err != nil {
		return nil, err
	}
	doc, ok := FindJSON(reply)
	if !ok {
		return nil, fmt.Errorf("status: no JSON in reply %q", reply)
	}
	return doc, nil
}
