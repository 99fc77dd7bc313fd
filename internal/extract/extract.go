// Package extract turns a model's streamed text into closed artifacts as
// soon as each one is complete.
//
// The extractor is a line-oriented state machine:
//
//	scanning ──section──▶ in_section ──file-open──▶ buffering_file
//	    │                     ▲                          │
//	    └──────file-open──────┼──────────────────────────┤
//	                          └──file-close / new marker─┘
//
// A file still open when the stream ends is discarded and reported as
// incomplete; the sink never sees a truncated artifact.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/zulandar/conveyor/internal/artifact"
)

// DeltaStream yields incremental text fragments. Recv returns io.EOF after
// the last fragment.
type DeltaStream interface {
	Recv() (string, error)
}

// IncompleteArtifactError describes an artifact dropped because the stream
// ended (or was cancelled) before its close marker.
type IncompleteArtifactError struct {
	Name    string
	Section string
	Bytes   int
}

func (e *IncompleteArtifactError) Error() string {
	return fmt.Sprintf("extract: artifact %q in section %q incomplete after %d bytes", e.Name, e.Section, e.Bytes)
}

// Options configures one extraction run.
type Options struct {
	// ChunkIndex namespaces artifact paths; nil for unchunked input.
	ChunkIndex *int
	// Part is the 1-based part of a re-split chunk, 0 when unsplit.
	Part int
	// Tokenizer defaults to DefaultTokenizer().
	Tokenizer *Tokenizer
	// CaptureSectionText saves prose outside file markers as {section}.md.
	CaptureSectionText bool
	Logger             *slog.Logger
}

// Saved records one artifact handed to the sink.
type Saved struct {
	Name       string        `json:"name"`
	Section    string        `json:"section"`
	Kind       artifact.Kind `json:"kind"`
	Location   string        `json:"location"`
	ByteSize   int           `json:"byte_size"`
	ChunkIndex *int          `json:"chunk_index,omitempty"`
	Part       int           `json:"part,omitempty"`
}

// Summary reports what one extraction produced.
type Summary struct {
	ChunkIndex *int                      `json:"chunk_index,omitempty"`
	Part       int                       `json:"part,omitempty"`
	Saved      []Saved                   `json:"saved"`
	Incomplete []string                  `json:"incomplete"`
	Dropped    []IncompleteArtifactError `json:"-"`
	Sections   []string                  `json:"sections"`
	Deltas     int                       `json:"deltas"`
	Bytes      int                       `json:"bytes"`
}

// Partial reports whether any artifact was dropped.
func (s Summary) Partial() bool { return len(s.Incomplete) > 0 }

type state int

const (
	stateScanning state = iota
	stateInSection
	stateBufferingFile
)

func (s state) String() string {
	switch s {
	case stateInSection:
		return "in_section"
	case stateBufferingFile:
		return "buffering_file"
	}
	return "scanning"
}

type openFile struct {
	name    string
	label   string
	section string
	content strings.Builder
}

type extractor struct {
	opts Options
	sink artifact.Sink
	tok  *Tokenizer
	log  *slog.Logger

	state   state
	section string
	file    *openFile
	prose   strings.Builder
	line    []byte
	sum     Summary
}

// Extract consumes stream until EOF, saving each closed artifact to sink as
// it completes. A stream or context error discards the open artifact and is
// returned together with the summary gathered so far. Sink errors abort the
// run.
func Extract(ctx context.Context, stream DeltaStream, sink artifact.Sink, opts Options) (Summary, error) {
	x := &extractor{opts: opts, sink: sink, tok: opts.Tokenizer, log: opts.Logger}
	if x.tok == nil {
		x.tok = DefaultTokenizer()
	}
	if x.log == nil {
		x.log = slog.Default()
	}
	x.sum.ChunkIndex = opts.ChunkIndex
	x.sum.Part = opts.Part
	x.sum.Saved = []Saved{}
	x.sum.Incomplete = []string{}
	return x.run(ctx, stream)
}

func (x *extractor) run(ctx context.Context, stream DeltaStream) (Summary, error) {
	for {
		if err := ctx.Err(); err != nil {
			x.discard()
			x.prose.Reset()
			return x.sum, fmt.Errorf("extract: %w", err)
		}
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if len(x.line) > 0 {
				if err := x.handleLine(ctx, string(x.line)); err != nil {
					return x.sum, err
				}
				x.line = x.line[:0]
			}
			return x.finish(ctx)
		}
		if err != nil {
			x.discard()
			x.prose.Reset()
			return x.sum, fmt.Errorf("extract: stream: %w", err)
		}
		x.sum.Deltas++
		x.sum.Bytes += len(delta)
		if err := x.feed(ctx, delta); err != nil {
			return x.sum, err
		}
	}
}

// feed splits buffered text into complete lines.
func (x *extractor) feed(ctx context.Context, delta string) error {
	for {
		i := strings.IndexByte(delta, '\n')
		if i < 0 {
			x.line = append(x.line, delta...)
			return nil
		}
		var line string
		if len(x.line) > 0 {
			x.line = append(x.line, delta[:i]...)
			line = string(x.line)
			x.line = x.line[:0]
		} else {
			line = delta[:i]
		}
		delta = delta[i+1:]
		if err := x.handleLine(ctx, line); err != nil {
			return err
		}
	}
}

func (x *extractor) handleLine(ctx context.Context, line string) error {
	m := x.tok.Classify(line)
	switch m.Class {
	case MarkerFileOpen:
		if x.file != nil {
			if err := x.closeFile(ctx); err != nil {
				return err
			}
		}
		x.file = &openFile{name: m.Name, label: m.Kind, section: x.section}
		x.state = stateBufferingFile

	case MarkerFileClose:
		if x.file == nil {
			x.log.Debug("extract.stray_close", "state", x.state.String())
			return nil
		}
		return x.closeFile(ctx)

	case MarkerSectionOpen:
		if x.file != nil {
			if err := x.closeFile(ctx); err != nil {
				return err
			}
		}
		if err := x.flushProse(ctx); err != nil {
			return err
		}
		x.section = m.Name
		x.addSection(m.Name)
		x.state = stateInSection

	default:
		switch {
		case x.state == stateBufferingFile:
			x.file.content.WriteString(line)
			x.file.content.WriteByte('\n')
		case x.opts.CaptureSectionText && x.section != "":
			x.prose.WriteString(line)
			x.prose.WriteByte('\n')
		}
	}
	return nil
}

func (x *extractor) closeFile(ctx context.Context) error {
	f := x.file
	x.file = nil
	if f.section != "" {
		x.state = stateInSection
	} else {
		x.state = stateScanning
	}
	content := artifact.StripFences(f.content.String())
	return x.save(ctx, artifact.Artifact{
		Name:    f.name,
		Kind:    artifact.Resolve(f.label, f.name, f.section),
		Section: f.section,
		Content: content,
	})
}

func (x *extractor) flushProse(ctx context.Context) error {
	text := x.prose.String()
	x.prose.Reset()
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return x.save(ctx, artifact.Artifact{
		Name:    artifact.Slug(x.section) + ".md",
		Kind:    artifact.KindMarkup,
		Section: x.section,
		Content: text,
	})
}

func (x *extractor) save(ctx context.Context, a artifact.Artifact) error {
	a.SourceChunkIndex = x.opts.ChunkIndex
	a.Part = x.opts.Part
	a.ByteSize = len(a.Content)
	loc, err := x.sink.Save(ctx, a)
	if err != nil {
		return fmt.Errorf("extract: save %s: %w", a.Name, err)
	}
	x.sum.Saved = append(x.sum.Saved, Saved{
		Name:       a.Name,
		Section:    a.Section,
		Kind:       a.Kind,
		Location:   loc,
		ByteSize:   a.ByteSize,
		ChunkIndex: a.SourceChunkIndex,
		Part:       a.Part,
	})
	x.log.Debug("extract.saved", "name", a.Name, "section", a.Section, "location", loc, "bytes", a.ByteSize)
	return nil
}

func (x *extractor) addSection(name string) {
	for _, s := range x.sum.Sections {
		if s == name {
			return
		}
	}
	x.sum.Sections = append(x.sum.Sections, name)
}

// discard drops the open artifact and records it as incomplete.
func (x *extractor) discard() {
	if x.file == nil {
		return
	}
	f := x.file
	x.file = nil
	x.state = stateScanning
	if x.section != "" {
		x.state = stateInSection
	}
	e := IncompleteArtifactError{Name: f.name, Section: f.section, Bytes: f.content.Len()}
	x.sum.Incomplete = append(x.sum.Incomplete, f.name)
	x.sum.Dropped = append(x.sum.Dropped, e)
	x.log.Warn("extract.incomplete", "name", f.name, "section", f.section, "bytes", e.Bytes)
}

func (x *extractor) finish(ctx context.Context) (Summary, error) {
	x.discard()
	if err := x.flushProse(ctx); err != nil {
		return x.sum, err
	}
	return x.sum, nil
}
