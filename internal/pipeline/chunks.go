package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zulandar/conveyor/internal/aggregate"
	"github.com/zulandar/conveyor/internal/artifact"
	"github.com/zulandar/conveyor/internal/chunk"
	"github.com/zulandar/conveyor/internal/extract"
	"github.com/zulandar/conveyor/internal/llm"
	"github.com/zulandar/conveyor/internal/prompt"
	"github.com/zulandar/conveyor/internal/store"
	"github.com/zulandar/conveyor/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// chunkRecord is the persisted result of one extraction run.
type chunkRecord struct {
	extract.Summary
	Error string `json:"error,omitempty"`
}

// extractAll runs one extractor per chunk, at most Workers at a time.
// Chunk-local failures are recorded on the chunk's result; only store and
// ledger failures abort the fan-out.
func (r *Runner) extractAll(ctx context.Context, jobID string, chunks []chunk.Chunk, log *slog.Logger) ([]aggregate.ChunkResult, error) {
	results := make([]aggregate.ChunkResult, len(chunks))
	sink := r.sink(jobID)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.set.Workers)
	for _, c := range chunks {
		g.Go(func() error {
			res, err := r.processChunk(gctx, jobID, c, sink, log)
			results[c.Index] = res
			if err != nil {
				if stageOf(err) == "" {
					err = failAt(StageExtract, err)
				}
				return err
			}
			if err := r.deps.Ledger.AddProgress(gctx, jobID); err != nil {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// processChunk extracts one chunk. A model timeout re-plans the chunk at
// half size and retries it part by part, once.
func (r *Runner) processChunk(ctx context.Context, jobID string, c chunk.Chunk, sink artifact.Sink, log *slog.Logger) (aggregate.ChunkResult, error) {
	log = log.With("chunk", c.Index)
	ctx, span := tracing.Start(ctx, "pipeline.chunk",
		attribute.Int("chunk", c.Index), attribute.Int("chars", c.Len()))
	defer span.End()

	res := aggregate.ChunkResult{Chunk: c}
	index := c.Index
	sum, err := r.extractText(ctx, jobID, c, c.Text, &index, 0, sink, log)
	if fatal(err) {
		tracing.Fail(span, err)
		return res, err
	}
	if err == nil || !errors.Is(err, llm.ErrTimeout) || !r.set.RetryReducedOnTimeout {
		res.Summaries = []extract.Summary{sum}
		res.Err = err
		tracing.Fail(span, err)
		return res, nil
	}

	parts, perr := chunk.Halve(c, r.set.OverlapChars)
	if perr != nil {
		res.Summaries = []extract.Summary{sum}
		res.Err = err
		return res, nil
	}
	log.Warn("pipeline.chunk.reduce", "parts", len(parts), "chars", c.Len(), "error", err)
	span.AddEvent("reduced", trace.WithAttributes(attribute.Int("parts", len(parts))))
	for i, p := range parts {
		psum, perr := r.extractText(ctx, jobID, c, p.Text, &index, i+1, sink, log)
		if fatal(perr) {
			tracing.Fail(span, perr)
			return res, perr
		}
		res.Summaries = append(res.Summaries, psum)
		if perr != nil && res.Err == nil {
			res.Err = fmt.Errorf("part %d: %w", i+1, perr)
		}
	}
	tracing.Fail(span, res.Err)
	return res, nil
}

// extractText streams the model over text and extracts its artifacts into
// the namespace of (index, part). The summary is persisted even when the
// extraction failed.
func (r *Runner) extractText(ctx context.Context, jobID string, c chunk.Chunk, text string, index *int, part int, sink artifact.Sink, log *slog.Logger) (extract.Summary, error) {
	tmpl, err := r.deps.Prompts.Get(ctx, prompt.NameExtract, r.set.Language)
	if err != nil {
		return extract.Summary{ChunkIndex: index, Part: part}, err
	}
	req := llm.Request{Prompt: prompt.Render(tmpl, prompt.ChunkVars(text, c.Index, c.Total))}

	var sum extract.Summary
	stream, err := r.deps.Model.Stream(ctx, req)
	if err != nil {
		sum = extract.Summary{ChunkIndex: index, Part: part}
	} else {
		sum, err = extract.Extract(ctx, stream, sink, extract.Options{
			ChunkIndex:         index,
			Part:               part,
			Tokenizer:          r.deps.Tokenizer,
			CaptureSectionText: r.set.CaptureSectionText,
			Logger:             log,
		})
		if cerr := stream.Close(); cerr != nil && err == nil {
			log.Debug("pipeline.chunk.close", "error", cerr)
		}
	}

	rec := chunkRecord{Summary: sum}
	if err != nil {
		rec.Error = err.Error()
		log.Warn("pipeline.chunk.error", "part", part, "error", err)
	} else {
		log.Info("pipeline.chunk.ok", "part", part, "saved", len(sum.Saved), "incomplete", len(sum.Incomplete))
	}
	if fatal(err) {
		return sum, err
	}
	b, merr := json.Marshal(rec)
	if merr != nil {
		return sum, failAt(StageExtract, merr)
	}
	if perr := r.deps.Store.Put(ctx, store.ResultKey(jobID, c.Index, part), b, "application/json"); perr != nil {
		if ctx.Err() != nil {
			return sum, err
		}
		return sum, failKind(KindStore, StageExtract, fmt.Errorf("persist result of chunk %d: %w", c.Index, perr))
	}
	return sum, err
}

// fatal reports whether a chunk error must fail the whole job rather than
// mark the chunk incomplete.
func fatal(err error) bool {
	var sterr *storeError
	var se *stageError
	return errors.As(err, &sterr) || errors.As(err, &se)
}
