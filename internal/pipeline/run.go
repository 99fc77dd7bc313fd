package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/zulandar/conveyor/internal/aggregate"
	"github.com/zulandar/conveyor/internal/artifact"
	"github.com/zulandar/conveyor/internal/chunk"
	"github.com/zulandar/conveyor/internal/input"
	"github.com/zulandar/conveyor/internal/ledger"
	"github.com/zulandar/conveyor/internal/models"
	"github.com/zulandar/conveyor/internal/repair"
	"github.com/zulandar/conveyor/internal/store"
)

func (r *Runner) execute(ctx context.Context, job *models.Job, log *slog.Logger) error {
	lg := r.deps.Ledger

	data, err := r.deps.Store.Get(ctx, job.InputRef)
	if err != nil {
		return failKind(KindStore, StageLoad, fmt.Errorf("load input %s: %w", job.InputRef, err))
	}

	text, latin1 := input.Decode(data)
	if latin1 {
		log.Warn("pipeline.input.latin1", "input_ref", job.InputRef, "bytes", len(data))
	}

	chunks, err := chunk.Plan(text, r.set.MaxChunkChars, r.set.OverlapChars)
	if err != nil {
		return failAt(StagePlan, err)
	}
	total := len(chunks)
	if err := lg.CompareAndTransition(ctx, job.ID, ledger.StatusProcessing, ledger.StatusChunking,
		ledger.Fields{ChunksTotal: &total, Note: fmt.Sprintf("%d chunks", total)}); err != nil {
		return err
	}
	log.Info("pipeline.plan", "chunks", total, "chars", utf8.RuneCountInString(text),
		"tokens", chunk.EstimateTokens(text))

	for _, c := range chunks {
		if err := r.deps.Store.Put(ctx, store.ChunkKey(job.ID, c), []byte(c.Text), "text/plain; charset=utf-8"); err != nil {
			return failKind(KindStore, StagePlan, fmt.Errorf("persist chunk %d: %w", c.Index, err))
		}
	}

	results, err := r.extractAll(ctx, job.ID, chunks, log)
	if err != nil {
		return err
	}

	agg := aggregate.Aggregate(results)
	manifest, err := agg.Manifest(job.ID).Encode()
	if err != nil {
		return failAt(StageAggregate, err)
	}
	if err := r.deps.Store.Put(ctx, store.ManifestKey(job.ID), manifest, "application/json"); err != nil {
		return failKind(KindStore, StageAggregate, fmt.Errorf("write manifest: %w", err))
	}
	log.Info("pipeline.aggregate", "artifacts", len(agg.Artifacts), "sections", len(agg.Sections),
		"partial", agg.Partial, "failed_chunks", len(agg.FailedChunks))

	if err := ctx.Err(); err != nil {
		return failAt(StageAggregate, err)
	}
	if err := noOutput(results); err != nil {
		return err
	}
	if agg.Partial && !r.set.AcceptPartial {
		return failKind(KindIncompleteOutput, StageAggregate, incompleteError(agg))
	}

	refs := agg.OutputRefs()
	partial := agg.Partial
	if r.set.Repair {
		if target, loc, ok := r.selectTarget(agg); ok {
			return r.validate(ctx, job.ID, target, loc, refs, partial, log)
		}
		log.Info("pipeline.repair.skip", "reason", "no artifact matches the repair target")
	}
	return lg.CompareAndTransition(ctx, job.ID, ledger.StatusChunking, ledger.StatusCompleted,
		ledger.Fields{OutputRefs: refs, Partial: &partial})
}

// noOutput fails the job when every chunk errored, or when no artifact was
// saved and at least one chunk errored. The first chunk error decides the
// kind; errors the model path does not classify are reported as MODEL.
func noOutput(results []aggregate.ChunkResult) error {
	var first error
	failed, saved := 0, 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			if first == nil {
				first = fmt.Errorf("chunk %d: %w", res.Chunk.Index+1, res.Err)
			}
		}
		for _, s := range res.Summaries {
			saved += len(s.Saved)
		}
	}
	if failed == 0 || (failed < len(results) && saved > 0) {
		return nil
	}
	kind := kindOf(first)
	if kind == KindInternal {
		kind = KindModel
	}
	return failKind(kind, StageExtract, fmt.Errorf("%d of %d chunks failed, no output: %w", failed, len(results), first))
}

func incompleteError(agg aggregate.Result) error {
	switch {
	case len(agg.FailedChunks) > 0 && len(agg.Incomplete) > 0:
		return fmt.Errorf("chunks %v failed and %d artifacts are incomplete: %v", agg.FailedChunks, len(agg.Incomplete), agg.Incomplete)
	case len(agg.FailedChunks) > 0:
		return fmt.Errorf("chunks %v failed", agg.FailedChunks)
	default:
		return fmt.Errorf("%d artifacts are incomplete: %v", len(agg.Incomplete), agg.Incomplete)
	}
}

// selectTarget returns the first saved artifact matching the repair target
// and its location. Content is loaded later.
func (r *Runner) selectTarget(agg aggregate.Result) (artifact.Artifact, string, bool) {
	for _, s := range agg.Artifacts {
		a := artifact.Artifact{
			Name:             s.Name,
			Kind:             s.Kind,
			Section:          s.Section,
			SourceChunkIndex: s.ChunkIndex,
			Part:             s.Part,
			ByteSize:         s.ByteSize,
		}
		if r.deps.Target.Match(a) {
			return a, s.Location, true
		}
	}
	return artifact.Artifact{}, "", false
}

// validate runs the repair loop on target, recording each validator and
// fixer call as a ledger transition.
func (r *Runner) validate(ctx context.Context, jobID string, target artifact.Artifact, loc string, refs []string, partial bool, log *slog.Logger) error {
	lg := r.deps.Ledger
	data, err := r.deps.Store.Get(ctx, loc)
	if err != nil {
		return failKind(KindStore, StageRepair, fmt.Errorf("load %s: %w", loc, err))
	}
	target.Content = string(data)

	log = log.With("artifact", target.Name)
	opts := repair.Options{
		MaxAttempts: r.set.MaxFixAttempts,
		Sink:        r.sink(jobID),
		Logger:      log,
		OnValidate: func(ctx context.Context, attempt int) error {
			if attempt == 1 {
				return lg.CompareAndTransition(ctx, jobID, ledger.StatusChunking, ledger.StatusValidating,
					ledger.Fields{OutputRefs: refs, Partial: &partial, Note: target.Name})
			}
			return lg.CompareAndTransition(ctx, jobID, ledger.StatusFixing, ledger.StatusValidating,
				ledger.Fields{Note: fmt.Sprintf("attempt %d", attempt)})
		},
		OnFix: func(ctx context.Context, fix int, errs []string) error {
			return lg.CompareAndTransition(ctx, jobID, ledger.StatusValidating, ledger.StatusFixing,
				ledger.Fields{FixAttempts: &fix, Note: firstError(errs)})
		},
	}

	res, err := repair.ValidateAndFix(ctx, target, r.deps.Validator, r.deps.Fixer, opts)
	if err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			return err
		}
		return failAt(StageRepair, err)
	}

	fixes := res.Fixes
	if res.Status == repair.StatusValidationFailed {
		je := jobError(failKind(KindValidation, StageRepair, res.Err()))
		return lg.CompareAndTransition(ctx, jobID, ledger.StatusValidating, ledger.StatusValidationFailed,
			ledger.Fields{FixAttempts: &fixes, Error: je, Note: fmt.Sprintf("%d errors", len(res.Errors))})
	}
	if err := lg.CompareAndTransition(ctx, jobID, ledger.StatusValidating, ledger.StatusValidated,
		ledger.Fields{FixAttempts: &fixes, Note: fmt.Sprintf("%d validator calls", res.Attempts)}); err != nil {
		return err
	}
	return lg.CompareAndTransition(ctx, jobID, ledger.StatusValidated, ledger.StatusCompleted,
		ledger.Fields{OutputRefs: refs})
}

func firstError(errs []string) string {
	if len(errs) == 0 {
		return ""
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf("%s (+%d more)", errs[0], len(errs)-1)
}

// sink saves artifacts under the job and tags store failures so they are
// reported as STORE.
func (r *Runner) sink(jobID string) artifact.Sink {
	s := store.NewArtifactSink(r.deps.Store, jobID, store.WithRecords(r.deps.Ledger.DB()))
	return artifact.SinkFunc(func(ctx context.Context, a artifact.Artifact) (string, error) {
		loc, err := s.Save(ctx, a)
		if err != nil {
			return "", &storeError{err: err}
		}
		return loc, nil
	})
}
