package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Timeout defaults.
const (
	DefaultBaseTimeout = 120 * time.Second
	DefaultMaxTimeout  = 600 * time.Second
)

// TimeoutPolicy sizes the per-call timeout from the prompt length.
type TimeoutPolicy struct {
	Base     time.Duration
	Max      time.Duration
	Adaptive bool
}

// For returns the timeout for a prompt of n characters. Adaptive policies
// add time per 10k characters: 30s while the estimate is under 5k tokens,
// 45s under 20k tokens, 60s beyond, capped at Max.
func (p TimeoutPolicy) For(n int) time.Duration {
	base, max := p.Base, p.Max
	if base <= 0 {
		base = DefaultBaseTimeout
	}
	if max <= 0 {
		max = DefaultMaxTimeout
	}
	d := base
	if p.Adaptive {
		steps := time.Duration(n / 10000)
		switch tokens := n / 4; {
		case tokens < 5000:
			d += steps * 30 * time.Second
		case tokens < 20000:
			d += steps * 45 * time.Second
		default:
			d += steps * 60 * time.Second
		}
	}
	return min(d, max)
}

type timeoutModel struct {
	inner  Model
	policy TimeoutPolicy
}

// WithTimeout bounds every call on m by policy. Expiry of that bound is
// reported as ErrTimeout; expiry of the caller's own deadline is passed
// through unchanged.
func WithTimeout(m Model, policy TimeoutPolicy) Model {
	return &timeoutModel{inner: m, policy: policy}
}

func (t *timeoutModel) Stream(ctx context.Context, req Request) (Stream, error) {
	cctx, cancel := context.WithTimeout(ctx, t.policy.For(req.Len()))
	s, err := t.inner.Stream(cctx, req)
	if err != nil {
		err = mapTimeout(ctx, cctx, err)
		cancel()
		return nil, err
	}
	return &timeoutStream{inner: s, parent: ctx, ctx: cctx, cancel: cancel}, nil
}

func (t *timeoutModel) Complete(ctx context.Context, req Request) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, t.policy.For(req.Len()))
	defer cancel()
	out, err := t.inner.Complete(cctx, req)
	if err != nil {
		return "", mapTimeout(ctx, cctx, err)
	}
	return out, nil
}

type timeoutStream struct {
	inner  Stream
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *timeoutStream) Recv() (string, error) {
	d, err := s.inner.Recv()
	if err != nil && !errors.Is(err, io.EOF) {
		return d, mapTimeout(s.parent, s.ctx, err)
	}
	return d, err
}

func (s *timeoutStream) Close() error {
	s.cancel()
	return s.inner.Close()
}

func mapTimeout(parent, call context.Context, err error) error {
	if parent.Err() == nil && errors.Is(call.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, context.DeadlineExceeded)
	}
	return err
}
