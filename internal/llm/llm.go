// Package llm talks to the text-generation model. Backends expose a
// streaming call, consumed by the extractor, and a buffered call used by
// the repair fixer.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/zulandar/conveyor/internal/config"
)

var (
	// ErrTimeout is returned when a single model call exceeds its own
	// timeout. It also matches context.DeadlineExceeded.
	ErrTimeout = errors.New("llm: model timeout")
	// ErrThrottled matches rate-limit responses that outlived the retries.
	ErrThrottled = errors.New("llm: throttled")
)

// Request is one model invocation.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Len returns the prompt size in characters, used for timeout sizing.
func (r Request) Len() int {
	return utf8.RuneCountInString(r.System) + utf8.RuneCountInString(r.Prompt)
}

// Stream yields text deltas until io.EOF. Close releases the connection or
// subprocess and is safe to call more than once.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Model is a text-generation endpoint.
type Model interface {
	Stream(ctx context.Context, req Request) (Stream, error)
	Complete(ctx context.Context, req Request) (string, error)
}

// Collect drains s into a single string and closes it.
func Collect(s Stream) (string, error) {
	defer s.Close()
	var b strings.Builder
	for {
		d, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(d)
	}
}

// New builds the backend selected by cfg, wrapped with its timeout policy.
func New(cfg config.ModelConfig, log *slog.Logger) (Model, error) {
	if log == nil {
		log = slog.Default()
	}
	var m Model
	switch cfg.Backend {
	case "openai", "":
		m = NewOpenAI(OpenAIConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			MaxRetries:  cfg.MaxRetries,
		}, log)
	case "command":
		m = NewCommand(CommandConfig{
			Binary: cfg.Command,
			Args:   cfg.Args,
			Format: cfg.Format,
		}, log)
	default:
		return nil, fmt.Errorf("llm: unknown backend %q", cfg.Backend)
	}
	return WithTimeout(m, TimeoutPolicy{
		Base:     cfg.Timeout,
		Max:      cfg.MaxTimeout,
		Adaptive: cfg.Adaptive,
	}), nil
}
