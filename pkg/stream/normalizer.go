package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/logutil"
	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/usage"
)

const maxErrorBodyBytes = 64 << 10

// UpstreamError reports a non-success response from a provider. The error
// body is drained in full before the stream is aborted.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream responded %d: %s", e.Status, e.Body)
}

// Stream is a lazy, finite, non-restartable sequence of Events decoded from
// one upstream response. Recv returns io.EOF once the stream is exhausted;
// if the provider reported usage, a usage-bearing Finished chunk is the last
// event before EOF.
type Stream struct {
	ctx     context.Context
	adapter Adapter
	body    io.ReadCloser
	reader  *bufio.Reader
	model   string
	log     *charmlog.Logger

	sm        boundary
	pending   []Event
	usage     *usage.Usage
	done      bool
	closeOnce sync.Once
}

// Open validates the upstream response and wraps its body in a Stream. A
// non-2xx status drains and logs the error body, closes the body and
// returns an *UpstreamError; no Stream is created.
func Open(ctx context.Context, adapter Adapter, resp *http.Response, model string) (*Stream, error) {
	logger := logutil.Component("stream")
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		_ = resp.Body.Close()
		body := string(bytes.TrimSpace(raw))
		logger.Error("upstream response invalid", "status", resp.StatusCode, "model", model, "body", body)
		return nil, &UpstreamError{Status: resp.StatusCode, Body: body}
	}
	return &Stream{
		ctx:     ctx,
		adapter: adapter,
		body:    resp.Body,
		reader:  bufio.NewReader(resp.Body),
		model:   model,
		log:     logger,
	}, nil
}

// Recv returns the next event in production order. It blocks on upstream
// I/O and honors cancellation of the context passed to Open. After io.EOF
// the provider-reported usage, if any, is available via Usage.
func (s *Stream) Recv() (Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return Event{}, io.EOF
		}
		if err := s.ctx.Err(); err != nil {
			s.Close()
			return Event{}, err
		}

		line, readErr := s.reader.ReadString('\n')
		if line != "" {
			s.consume(line)
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				s.Close()
				return Event{}, readErr
			}
			s.finish()
		}
	}
}

// Usage returns the provider-reported usage, or nil if the stream ended
// without one (the caller falls back to estimation in that case).
func (s *Stream) Usage() *usage.Usage {
	return s.usage
}

// Close releases the upstream connection. Safe to call concurrently with
// Recv and more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		_ = s.body.Close()
	})
}

func (s *Stream) consume(line string) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "data:") {
		return
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if data == "" {
		return
	}
	if data == "[DONE]" {
		s.finish()
		return
	}

	frame, err := s.adapter.Frame([]byte(data))
	if err != nil {
		s.log.Debug("skipping malformed frame", "model", s.model, "err", err)
		return
	}
	if frame == nil {
		return
	}
	if frame.Status != nil {
		s.pending = append(s.pending, Event{Status: frame.Status})
	}
	for _, seg := range frame.Segments {
		if marker, ok := s.sm.step(seg); ok {
			s.pending = append(s.pending, Event{Chunk: s.chunk(marker, seg.Reasoning)})
		}
		if seg.Text != "" {
			s.pending = append(s.pending, Event{Chunk: s.chunk(seg.Text, seg.Reasoning)})
		}
	}
	if frame.Usage != nil {
		frame.Usage.Reconcile()
		s.usage = frame.Usage
	}
	if frame.Done {
		s.finish()
	}
}

// finish seals the stream: the remembered usage, if any, becomes the
// Finished chunk so that usage is always the last event before EOF.
func (s *Stream) finish() {
	if s.done {
		return
	}
	s.done = true
	if s.usage != nil {
		c := s.chunk("", false)
		c.Finished = true
		c.Usage = s.usage
		s.pending = append(s.pending, Event{Chunk: c})
	}
	s.Close()
}

func (s *Stream) chunk(delta string, reasoning bool) *Chunk {
	return &Chunk{
		ID:        fmt.Sprintf("chat.%x", [16]byte(uuid.New())),
		Model:     s.model,
		Created:   time.Now().Unix(),
		Delta:     delta,
		Reasoning: reasoning,
	}
}
