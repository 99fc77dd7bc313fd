package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zulandar/conveyor/internal/input"
)

// ProcessedDir is the inbox subdirectory submitted files are moved into.
const ProcessedDir = "processed"

// Submitter turns input files into a job. *pipeline.Runner satisfies it.
type Submitter interface {
	Submit(ctx context.Context, name string, data []byte) (string, error)
	SubmitMany(ctx context.Context, files []input.File) (string, input.Bundle, error)
}

// InboxOpts configures WatchInbox.
type InboxOpts struct {
	Dir string
	// Extensions are lowercase, without the leading dot. Empty allows all.
	Extensions []string
	// Debounce coalesces bursts of writes to the same file.
	Debounce time.Duration
	// Batch, when positive, collects files arriving within the window
	// into one combined job.
	Batch     time.Duration
	Submitter Submitter
	Logger    *slog.Logger
	// OnSubmit, when set, is called after each successful submission.
	OnSubmit func(path, jobID string)
}

// WatchInbox submits files already in Dir, then every file created or
// written there, until ctx is cancelled. Submitted files are moved into
// Dir/processed so a restart does not submit them twice.
func WatchInbox(ctx context.Context, opts InboxOpts) error {
	if opts.Dir == "" {
		return errors.New("worker: inbox dir is required")
	}
	if opts.Submitter == nil {
		return errors.New("worker: submitter is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(opts.Dir, ProcessedDir), 0o755); err != nil {
		return fmt.Errorf("worker: create inbox: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("worker: inbox watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(opts.Dir); err != nil {
		return fmt.Errorf("worker: watch %s: %w", opts.Dir, err)
	}

	in := &inbox{opts: opts, log: opts.Logger.With("inbox", opts.Dir), timers: map[string]*time.Timer{}}
	defer in.stop()

	entries, err := os.ReadDir(opts.Dir)
	if err != nil {
		return fmt.Errorf("worker: scan inbox: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			in.schedule(ctx, filepath.Join(opts.Dir, e.Name()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-w.Events:
			if !ok {
				return nil
			}
			if e.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				in.schedule(ctx, e.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			in.log.Warn("worker.inbox.error", "error", err)
		}
	}
}

type inbox struct {
	opts InboxOpts
	log  *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	batch  []string
	flush  *time.Timer
	wg     sync.WaitGroup
}

// schedule submits path after the debounce window, restarting the window
// on every call for the same path.
func (in *inbox) schedule(ctx context.Context, path string) {
	if !in.allowed(path) {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if t, ok := in.timers[path]; ok {
		if t.Stop() {
			t.Reset(in.opts.Debounce)
			return
		}
	}
	in.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(in.opts.Debounce, func() {
		defer in.wg.Done()
		in.mu.Lock()
		if in.timers[path] == t {
			delete(in.timers, path)
		}
		in.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		in.ready(ctx, path)
	})
	in.timers[path] = t
}

// ready submits path now, or adds it to the open batch.
func (in *inbox) ready(ctx context.Context, path string) {
	if in.opts.Batch <= 0 {
		in.submit(ctx, []string{path})
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if slices.Contains(in.batch, path) {
		return
	}
	in.batch = append(in.batch, path)
	if in.flush != nil {
		return
	}
	in.wg.Add(1)
	in.flush = time.AfterFunc(in.opts.Batch, func() {
		defer in.wg.Done()
		in.mu.Lock()
		paths := in.batch
		in.batch, in.flush = nil, nil
		in.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		slices.Sort(paths)
		in.submit(ctx, paths)
	})
}

func (in *inbox) allowed(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	if len(in.opts.Extensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(base)), ".")
	for _, want := range in.opts.Extensions {
		if ext == strings.ToLower(strings.TrimPrefix(want, ".")) {
			return true
		}
	}
	return false
}

func (in *inbox) submit(ctx context.Context, paths []string) {
	files := make([]input.File, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			in.log.Warn("worker.inbox.read", "path", path, "error", err)
		}
		files = append(files, input.File{Name: filepath.Base(path), Data: data, Err: err})
	}
	switch {
	case len(files) == 0:
		return
	case len(files) == 1:
		if files[0].Err != nil {
			return
		}
		id, err := in.opts.Submitter.Submit(ctx, files[0].Name, files[0].Data)
		if err != nil {
			in.log.Error("worker.inbox.submit", "file", files[0].Name, "error", err)
			return
		}
		in.done(id, files[0].Name, len(files[0].Data))
	default:
		id, b, err := in.opts.Submitter.SubmitMany(ctx, files)
		if err != nil {
			in.log.Error("worker.inbox.submit", "files", len(files), "error", err)
			return
		}
		for _, f := range files {
			if slices.Contains(b.Files, f.Name) {
				in.done(id, f.Name, len(f.Data))
			}
		}
	}
}

// done moves a submitted file out of the inbox.
func (in *inbox) done(jobID, name string, size int) {
	path := filepath.Join(in.opts.Dir, name)
	dest := filepath.Join(in.opts.Dir, ProcessedDir, jobID+"-"+name)
	if err := os.Rename(path, dest); err != nil {
		in.log.Warn("worker.inbox.move", "path", path, "error", err)
	}
	in.log.Info("worker.inbox.submitted", "path", path, "job_id", jobID, "bytes", size)
	if in.opts.OnSubmit != nil {
		in.opts.OnSubmit(path, jobID)
	}
}

// stop cancels pending timers and waits for running submissions.
func (in *inbox) stop() {
	in.mu.Lock()
	for path, t := range in.timers {
		if t.Stop() {
			in.wg.Done()
		}
		delete(in.timers, path)
	}
	if in.flush != nil && in.flush.Stop() {
		in.wg.Done()
	}
	in.batch, in.flush = nil, nil
	in.mu.Unlock()
	in.wg.Wait()
}
