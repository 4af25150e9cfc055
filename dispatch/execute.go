package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mastercactapus/airbrush/transport"
)

func ackTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (s *Sequencer) run(r *Request) {
	res := Result{StartedAt: time.Now()}
	data, err := s.execute(r)
	res.FinishedAt = time.Now()
	if err != nil {
		res.Error = err.Error()
		res.err = err
		s.log.Warn().Err(err).Str("request", r.String()).Msg("request failed")
	} else {
		res.OK = true
		res.Data = data
	}
	s.metrics.observe(r.Kind, res)
	s.complete(r, res)
}

func (s *Sequencer) execute(r *Request) (data any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.timeout(r))
	defer cancel()

	switch r.Kind {
	case KindCommand:
		return s.command(ctx, r)
	case KindQuery:
		return s.query(ctx, r)
	case KindUpload:
		return nil, s.upload(ctx, r)
	case KindControl:
		fn, ok := r.Payload.(Control)
		if !ok {
			return nil, fmt.Errorf("%w: %T for control", ErrBadPayload, r.Payload)
		}
		return fn(ctx, s.tr)
	}
	return nil, fmt.Errorf("unknown request kind %d", r.Kind)
}

func (s *Sequencer) send(ctx context.Context, line string) error {
	s.emit(SentEvent{Line: line})
	return s.tr.SendLine(ctx, line)
}

func (s *Sequencer) exchange(ctx context.Context, line string) (string, error) {
	s.emit(SentEvent{Line: line})
	reply, err := s.tr.Query(ctx, line)
	for _, l := range strings.Split(reply, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			s.emit(ReceivedEvent{Line: l})
		}
	}
	return reply, err
}

func (s *Sequencer) command(ctx context.Context, r *Request) (any, error) {
	line, err := r.line()
	if err != nil {
		return nil, err
	}
	serial := s.tr.Link() == transport.LinkSerial
	if serial || r.SideEffects.Has(SideEffectLongRunning) {
		s.PauseUpdates(line)
		defer s.ResumeUpdates()
	}

	switch {
	case r.ExpectsAck && serial:
		return s.awaitAck(ctx, line)
	case r.ExpectsAck:
		reply, err := s.exchange(ctx, line)
		if err != nil {
			return nil, err
		}
		return reply, nil
	}
	return nil, s.send(ctx, line)
}

// awaitAck sends line followed by a marker that makes the firmware echo a fresh
// tag, then polls until the tag shows up in a reply.
func (s *Sequencer) awaitAck(ctx context.Context, line string) (any, error) {
	tag := s.newTag()
	err := s.send(ctx, line)
	if err != nil {
		return nil, err
	}
	err = s.send(ctx, fmt.Sprintf(s.cfg.AckMarker, tag))
	if err != nil {
		return nil, err
	}

	var output []string
	delay := s.cfg.AckBackoffInitial
	for {
		reply, err := s.exchange(ctx, s.cfg.AckProbe)
		if strings.Contains(reply, tag) {
			if errors.Is(err, transport.ErrDeviceError) {
				return nil, err
			}
			output = append(output, reply)
			return strings.Join(output, "\n"), nil
		}
		switch {
		case ctx.Err() != nil:
			s.metrics.ackTimeout()
			return nil, ErrAckTimeout
		case err != nil && !errors.Is(err, context.DeadlineExceeded):
			return nil, err
		}
		if reply != "" {
			output = append(output, reply)
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			s.metrics.ackTimeout()
			return nil, ErrAckTimeout
		case <-t.C:
		}
		delay *= 2
		if delay > s.cfg.AckBackoffMax {
			delay = s.cfg.AckBackoffMax
		}
	}
}

func (s *Sequencer) query(ctx context.Context, r *Request) (any, error) {
	switch p := r.Payload.(type) {
	case ModelQuery:
		if mq, ok := s.tr.(transport.ModelQuerier); ok {
			return mq.Model(ctx, p.Key, p.Flags)
		}
		reply, err := s.exchange(ctx, p.SerialCommand())
		if err != nil {
			return nil, err
		}
		return ModelReply(reply, p.Key)
	case RawQuery:
		return s.exchange(ctx, string(p))
	case string:
		return s.exchange(ctx, p)
	case StatusQuery:
		return s.tr.Status(ctx)
	}
	return nil, fmt.Errorf("%w: %T for query", ErrBadPayload, r.Payload)
}

// ModelReply picks the M409 envelope for key out of a serial reply, which may
// also carry output belonging to earlier commands.
func ModelReply(reply, key string) (map[string]any, error) {
	var stale bool
	for _, line := range strings.Split(reply, "\n") {
		doc, ok := transport.FindJSON(line)
		if !ok {
			continue
		}
		if k, ok := doc["key"].(string); ok && k != key {
			stale = true
			continue
		}
		return doc, nil
	}
	if stale {
		return nil, fmt.Errorf("%w: no model reply for %q", ErrStaleReply, key)
	}
	return nil, fmt.Errorf("no model reply for %q", key)
}

func (s *Sequencer) upload(ctx context.Context, r *Request) error {
	up, ok := r.Payload.(Upload)
	if !ok {
		return fmt.Errorf("%w: %T for upload", ErrBadPayload, r.Payload)
	}
	u, ok := s.tr.(transport.Uploader)
	if !ok {
		return fmt.Errorf("upload %w", ErrUnsupported)
	}
	return u.Upload(ctx, up.Name, up.Data)
}
