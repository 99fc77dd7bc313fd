package llm

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// Mock is a scripted Model for tests.
type Mock struct {
	// StreamFunc serves Stream calls when set.
	StreamFunc func(ctx context.Context, req Request) (Stream, error)
	// CompleteFunc serves Complete calls when set.
	CompleteFunc func(ctx context.Context, req Request) (string, error)
	// Responses are returned by Complete in order when CompleteFunc is nil.
	Responses []string

	mu       sync.Mutex
	streams  []Request
	complete []Request
}

func (m *Mock) Stream(ctx context.Context, req Request) (Stream, error) {
	m.mu.Lock()
	m.streams = append(m.streams, req)
	m.mu.Unlock()
	if m.StreamFunc == nil {
		return nil, errors.New("llm: mock has no StreamFunc")
	}
	return m.StreamFunc(ctx, req)
}

func (m *Mock) Complete(ctx context.Context, req Request) (string, error) {
	m.mu.Lock()
	m.complete = append(m.complete, req)
	n := len(m.complete)
	m.mu.Unlock()
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	if n > len(m.Responses) {
		return "", errors.New("llm: mock responses exhausted")
	}
	return m.Responses[n-1], nil
}

// StreamRequests returns a copy of the Stream requests received so far.
func (m *Mock) StreamRequests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.streams...)
}

// CompleteRequests returns a copy of the Complete requests received so far.
func (m *Mock) CompleteRequests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.complete...)
}

// ScriptedStream replays fixed deltas, optionally pausing before each.
type ScriptedStream struct {
	Ctx    context.Context
	Deltas []string
	Delay  time.Duration
	// Err is returned after the deltas instead of io.EOF.
	Err error

	pos    int
	closed bool
}

// StreamOf returns a stream that yields parts in order.
func StreamOf(parts ...string) *ScriptedStream {
	return &ScriptedStream{Deltas: parts}
}

func (s *ScriptedStream) Recv() (string, error) {
	if s.closed {
		return "", errors.New("llm: stream closed")
	}
	if s.pos >= len(s.Deltas) {
		if s.Err != nil {
			return "", s.Err
		}
		return "", io.EOF
	}
	if s.Delay > 0 {
		ctx := s.Ctx
		if ctx == nil {
			ctx = context.Background()
		}
		if err := sleep(ctx, s.Delay); err != nil {
			return "", err
		}
	}
	d := s.Deltas[s.pos]
	s.pos++
	return d, nil
}

func (s *ScriptedStream) Close() error {
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *ScriptedStream) Closed() bool { return s.closed }
