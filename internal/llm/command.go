package llm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Output formats of a command backend.
const (
	FormatText       = "text"
	FormatStreamJSON = "stream-json"
)

// maxStderr bounds the captured stderr tail reported on failure.
const maxStderr = 2048

// CommandConfig configures a model served by a local executable. The
// prompt is written to the process's stdin.
type CommandConfig struct {
	Binary  string
	Args    []string
	Format  string
	WorkDir string
	// WaitDelay is how long to wait after SIGTERM before killing.
	WaitDelay time.Duration
}

// Command runs one subprocess per request.
type Command struct {
	cfg CommandConfig
	log *slog.Logger
}

// NewCommand returns a command backend.
func NewCommand(cfg CommandConfig, log *slog.Logger) *Command {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Format == "" {
		cfg.Format = FormatText
	}
	if cfg.WaitDelay == 0 {
		cfg.WaitDelay = 10 * time.Second
	}
	return &Command{cfg: cfg, log: log}
}

func (c *Command) buildCommand(ctx context.Context, req Request) (*exec.Cmd, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(ctx, c.cfg.Binary, c.cfg.Args...)
	if c.cfg.WorkDir != "" {
		cmd.Dir = c.cfg.WorkDir
	}
	input := req.Prompt
	if req.System != "" {
		input = req.System + "\n\n" + req.Prompt
	}
	cmd.Stdin = strings.NewReader(input)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = c.cfg.WaitDelay
	return cmd, cancel
}

// Stream starts the subprocess and yields its stdout.
func (c *Command) Stream(ctx context.Context, req Request) (Stream, error) {
	if c.cfg.Binary == "" {
		return nil, errors.New("llm: command binary is required")
	}
	cmd, cancel := c.buildCommand(ctx, req)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("llm: stdout pipe: %w", err)
	}
	stderr := &tailBuffer{max: maxStderr}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("llm: start %s: %w", c.cfg.Binary, err)
	}
	c.log.Info("llm.command.start", "binary", c.cfg.Binary, "pid", cmd.Process.Pid, "prompt_chars", req.Len())

	return &commandStream{
		ctx:    ctx,
		cmd:    cmd,
		cancel: cancel,
		out:    bufio.NewReaderSize(stdout, 64*1024),
		format: c.cfg.Format,
		stderr: stderr,
		log:    c.log,
	}, nil
}

// Complete runs the subprocess to completion.
func (c *Command) Complete(ctx context.Context, req Request) (string, error) {
	s, err := c.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	return Collect(s)
}

type commandStream struct {
	ctx    context.Context
	cmd    *exec.Cmd
	cancel context.CancelFunc
	out    *bufio.Reader
	format string
	stderr *tailBuffer
	log    *slog.Logger

	waitOnce sync.Once
	waitErr  error
	emitted  bool
	usage    UsageStats
	done     bool
}

// Usage returns token usage collected from stream-json result events.
func (s *commandStream) Usage() UsageStats { return s.usage }

func (s *commandStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	if s.format == FormatStreamJSON {
		return s.recvJSON()
	}
	buf := make([]byte, 4096)
	for {
		n, err := s.out.Read(buf)
		if n > 0 {
			s.emitted = true
			return string(buf[:n]), nil
		}
		if err != nil {
			return "", s.finish(err)
		}
	}
}

func (s *commandStream) recvJSON() (string, error) {
	for {
		line, err := s.out.ReadString('\n')
		if evt, ok := ParseStreamEvent(line); ok {
			if evt.Usage.Model != "" {
				s.usage.Model = evt.Usage.Model
			}
			s.usage.InputTokens += evt.Usage.InputTokens
			s.usage.OutputTokens += evt.Usage.OutputTokens
			// A result event repeats the full text already streamed.
			text := evt.Text
			if evt.Type == "result" && s.emitted {
				text = ""
			}
			if text != "" {
				s.emitted = true
				return text, nil
			}
		}
		if err != nil {
			return "", s.finish(err)
		}
	}
}

// finish reaps the process once stdout is exhausted.
func (s *commandStream) finish(readErr error) error {
	s.done = true
	if !errors.Is(readErr, io.EOF) {
		s.wait()
		return fmt.Errorf("llm: read stdout: %w", readErr)
	}
	if err := s.wait(); err != nil {
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("llm: %s exited: %w: %s", s.cmd.Path, err, s.stderr.String())
	}
	s.log.Info("llm.command.ok", "pid", s.cmd.Process.Pid, "output_tokens", s.usage.OutputTokens)
	return io.EOF
}

func (s *commandStream) wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
		s.cancel()
	})
	return s.waitErr
}

func (s *commandStream) Close() error {
	s.cancel()
	s.done = true
	s.wait()
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if extra := t.buf.Len() - t.max; extra > 0 {
		t.buf.Next(extra)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(t.buf.String())
}
