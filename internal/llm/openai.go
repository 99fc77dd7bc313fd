package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Throttle retry defaults.
const (
	DefaultMaxRetries = 5
	DefaultRetryBase  = 2 * time.Second
	DefaultRetryMax   = 60 * time.Second
)

// maxSSELine bounds a single "data:" line from the server.
const maxSSELine = 4 << 20

// OpenAIConfig configures an OpenAI-compatible chat completions client.
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	// MaxRetries bounds retries on 429/503 responses. Negative disables.
	MaxRetries int
	HTTPClient *http.Client
	Backoff    Backoff
}

// OpenAI streams completions over server-sent events.
type OpenAI struct {
	cfg  OpenAIConfig
	http *http.Client
	log  *slog.Logger
}

// StatusError is a non-2xx response from the model endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm: openai status %d: %s", e.StatusCode, e.Body)
}

// Is reports rate-limit responses as ErrThrottled.
func (e *StatusError) Is(target error) bool {
	return target == ErrThrottled && throttled(e.StatusCode)
}

// NewOpenAI returns a client for cfg.
func NewOpenAI(cfg OpenAIConfig, log *slog.Logger) *OpenAI {
	if log == nil {
		log = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Backoff.Base == 0 {
		cfg.Backoff.Base = DefaultRetryBase
	}
	if cfg.Backoff.Max == 0 {
		cfg.Backoff.Max = DefaultRetryMax
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &OpenAI{cfg: cfg, http: hc, log: log}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (c *OpenAI) body(req Request, stream bool) chatRequest {
	body := chatRequest{
		Model:       c.cfg.Model,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		Stream:      stream,
	}
	if req.Temperature != 0 {
		body.Temperature = req.Temperature
	}
	if req.MaxTokens != 0 {
		body.MaxTokens = req.MaxTokens
	}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})
	return body
}

// Stream opens a streaming completion.
func (c *OpenAI) Stream(ctx context.Context, req Request) (Stream, error) {
	start := time.Now()
	c.log.Info("llm.stream.start", "model", c.cfg.Model, "prompt_chars", req.Len())
	resp, err := c.post(ctx, c.body(req, true))
	if err != nil {
		c.log.Error("llm.stream.error", "model", c.cfg.Model, "err", err)
		return nil, err
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), maxSSELine)
	return &sseStream{body: resp.Body, sc: sc, log: c.log, start: start}, nil
}

// Complete runs a buffered completion.
func (c *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	c.log.Info("llm.complete.start", "model", c.cfg.Model, "prompt_chars", req.Len())
	resp, err := c.post(ctx, c.body(req, false))
	if err != nil {
		c.log.Error("llm.complete.error", "model", c.cfg.Model, "err", err)
		return "", err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("llm: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("llm: response has no choices")
	}
	c.log.Info("llm.complete.ok", "model", c.cfg.Model, "ms", time.Since(start).Milliseconds())
	return out.Choices[0].Message.Content, nil
}

// post sends body and retries throttled responses with backoff.
func (c *OpenAI) post(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llm: encode request: %w", err)
	}
	for attempt := 0; ; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("llm: build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.cfg.APIKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}
		if body.Stream {
			httpReq.Header.Set("Accept", "text/event-stream")
		}

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("llm: request: %w", err)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		serr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		if !throttled(resp.StatusCode) || attempt >= c.cfg.MaxRetries {
			return nil, serr
		}

		wait := c.cfg.Backoff.Delay(attempt + 1)
		if ra := retryAfter(resp.Header.Get("Retry-After")); ra > wait {
			wait = ra
		}
		c.log.Warn("llm.throttled", "status", resp.StatusCode, "attempt", attempt+1, "wait", wait)
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func throttled(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable
}

func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

type sseStream struct {
	body   io.ReadCloser
	sc     *bufio.Scanner
	log    *slog.Logger
	start  time.Time
	done   bool
	closed bool
	bytes  int
}

func (s *sseStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.sc.Scan() {
		line := s.sc.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.finish()
			return "", io.EOF
		}
		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return "", fmt.Errorf("llm: decode stream event: %w", err)
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		d := chunk.Choices[0].Delta.Content
		s.bytes += len(d)
		return d, nil
	}
	if err := s.sc.Err(); err != nil {
		return "", fmt.Errorf("llm: read stream: %w", err)
	}
	s.finish()
	return "", io.EOF
}

func (s *sseStream) finish() {
	s.done = true
	s.log.Info("llm.stream.ok", "bytes", s.bytes, "ms", time.Since(s.start).Milliseconds())
}

func (s *sseStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}
