// Package pipeline drives a job from its stored input to its terminal
// status: chunk, extract per chunk in parallel, aggregate, then validate
// and repair the target artifact.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/zulandar/conveyor/internal/artifact"
	"github.com/zulandar/conveyor/internal/config"
	"github.com/zulandar/conveyor/internal/extract"
	"github.com/zulandar/conveyor/internal/input"
	"github.com/zulandar/conveyor/internal/ledger"
	"github.com/zulandar/conveyor/internal/llm"
	"github.com/zulandar/conveyor/internal/models"
	"github.com/zulandar/conveyor/internal/notify"
	"github.com/zulandar/conveyor/internal/prompt"
	"github.com/zulandar/conveyor/internal/repair"
	"github.com/zulandar/conveyor/internal/store"
	"github.com/zulandar/conveyor/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// finalizeTimeout bounds the ledger writes made after the run context is
// gone.
const finalizeTimeout = 30 * time.Second

// Settings are the tunables of a run.
type Settings struct {
	MaxChunkChars         int
	OverlapChars          int
	Workers               int
	JobDeadline           time.Duration
	AcceptPartial         bool
	RetryReducedOnTimeout bool
	Language              string
	CaptureSectionText    bool
	Repair                bool
	MaxFixAttempts        int
}

// SettingsFromConfig extracts run settings from a loaded config.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		MaxChunkChars:         cfg.Chunking.MaxChunkChars,
		OverlapChars:          cfg.Chunking.OverlapChars,
		Workers:               cfg.Pipeline.Workers,
		JobDeadline:           cfg.Pipeline.JobDeadline,
		AcceptPartial:         cfg.AcceptPartial(),
		RetryReducedOnTimeout: cfg.RetryReducedOnTimeout(),
		Language:              cfg.Pipeline.Language,
		CaptureSectionText:    cfg.Extract.CaptureSectionText,
		Repair:                cfg.Repair.Enabled,
		MaxFixAttempts:        cfg.Repair.MaxAttempts,
	}
}

// Deps are the collaborators of a Runner. Ledger, Store and Model are
// required.
type Deps struct {
	Ledger    *ledger.Ledger
	Store     store.ObjectStore
	Model     llm.Model
	Prompts   *prompt.Manager
	Tokenizer *extract.Tokenizer
	Validator repair.Validator
	// Fixer defaults to a repair.ModelFixer over Model.
	Fixer    repair.Fixer
	Target   repair.Target
	Notifier notify.Notifier
	Logger   *slog.Logger
}

// Runner executes jobs.
type Runner struct {
	deps Deps
	set  Settings
	log  *slog.Logger
}

// New returns a Runner.
func New(deps Deps, set Settings) (*Runner, error) {
	if deps.Ledger == nil || deps.Store == nil || deps.Model == nil {
		return nil, errors.New("pipeline: ledger, store and model are required")
	}
	if set.MaxChunkChars <= 0 {
		return nil, fmt.Errorf("pipeline: max chunk chars must be positive, got %d", set.MaxChunkChars)
	}
	if set.OverlapChars < 0 || set.OverlapChars >= set.MaxChunkChars {
		return nil, fmt.Errorf("pipeline: overlap %d must be in [0, %d)", set.OverlapChars, set.MaxChunkChars)
	}
	if set.Workers <= 0 {
		set.Workers = 1
	}
	if set.MaxFixAttempts <= 0 {
		set.MaxFixAttempts = repair.DefaultMaxAttempts
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Prompts == nil {
		deps.Prompts = prompt.NewManager(deps.Store, prompt.WithLogger(deps.Logger))
	}
	if deps.Tokenizer == nil {
		deps.Tokenizer = extract.DefaultTokenizer()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if set.Repair && deps.Validator == nil {
		return nil, errors.New("pipeline: repair is enabled but no validator is configured")
	}
	if deps.Fixer == nil {
		deps.Fixer = &repair.ModelFixer{
			Model:    deps.Model,
			Prompts:  deps.Prompts,
			Language: set.Language,
			Logger:   deps.Logger,
		}
	}
	return &Runner{deps: deps, set: set, log: deps.Logger}, nil
}

// Submit stores an input under a fresh job id and records the job as
// PENDING.
func (r *Runner) Submit(ctx context.Context, name string, data []byte) (string, error) {
	id := uuid.NewString()
	key := store.InputKey(id, name)
	if err := r.deps.Store.Put(ctx, key, data, artifact.ContentTypeFor(name, artifact.KindText)); err != nil {
		return "", fmt.Errorf("pipeline: store input: %w", err)
	}
	if _, err := r.deps.Ledger.CreateWithID(ctx, id, key); err != nil {
		return "", err
	}
	r.log.Info("pipeline.submit", "job_id", id, "input_ref", key, "bytes", len(data))
	return id, nil
}

// SubmitMany combines files into one input, each under a FILE header, and
// submits it as a single job. Files that fail to read or are empty are
// skipped; input.ErrNoFiles is returned when nothing is left.
func (r *Runner) SubmitMany(ctx context.Context, files []input.File) (string, input.Bundle, error) {
	b, err := input.Combine(files)
	if err != nil {
		return "", b, fmt.Errorf("pipeline: %w", err)
	}
	id, err := r.Submit(ctx, input.CombinedName, []byte(b.Text))
	if err != nil {
		return "", b, err
	}
	log := r.log.With("job_id", id)
	for _, name := range b.Skipped {
		log.Warn("pipeline.submit.skipped", "file", name)
	}
	for _, name := range b.Latin1 {
		log.Warn("pipeline.submit.latin1", "file", name)
	}
	log.Info("pipeline.submit.combined", "files", len(b.Files), "errors", len(b.Skipped), "chars", utf8.RuneCountInString(b.Text))
	return id, b, nil
}

// Run claims a PENDING job and processes it to a terminal status.
func (r *Runner) Run(ctx context.Context, jobID string) (*models.Job, error) {
	if err := r.deps.Ledger.CompareAndTransition(ctx, jobID, ledger.StatusPending, ledger.StatusProcessing, ledger.Fields{Note: "run"}); err != nil {
		return nil, err
	}
	job, err := r.deps.Ledger.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return r.Process(ctx, job)
}

// Process runs a job that is already PROCESSING, such as one returned by
// ledger.ClaimPending. The returned job reflects the terminal status. An
// error is returned only when the ledger itself could not be updated.
func (r *Runner) Process(ctx context.Context, job *models.Job) (*models.Job, error) {
	log := r.log.With("job_id", job.ID)
	ctx, span := tracing.Start(ctx, "pipeline.run", attribute.String("job_id", job.ID))
	defer span.End()

	runCtx := ctx
	if r.set.JobDeadline > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.set.JobDeadline)
		defer cancel()
	}

	start := time.Now()
	err := r.execute(runCtx, job, log)
	if err != nil {
		tracing.Fail(span, err)
		if errors.Is(err, ledger.ErrConflict) || errors.Is(err, ledger.ErrNotFound) {
			log.Error("pipeline.ledger", "error", err)
			return nil, err
		}
		if runCtx.Err() != nil && ctx.Err() == nil {
			err = &stageError{kind: KindDeadline, stage: stageOf(err), err: err}
		}
		if ferr := r.fail(ctx, job.ID, err, log); ferr != nil {
			return nil, ferr
		}
	}

	final, gerr := r.deps.Ledger.Get(context.WithoutCancel(ctx), job.ID)
	if gerr != nil {
		return nil, gerr
	}
	log.Info("pipeline.done", "status", final.Status, "partial", final.Partial,
		"fix_attempts", final.FixAttempts, "duration", time.Since(start).Round(time.Millisecond))
	r.notify(ctx, final, log)
	return final, nil
}

// fail records err as the job's terminal failure using a context that
// outlives the run.
func (r *Runner) fail(ctx context.Context, jobID string, err error, log *slog.Logger) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	je := jobError(err)
	log.Warn("pipeline.failed", "kind", je.Kind, "stage", je.Stage, "error", je.Message)
	return r.deps.Ledger.Transition(fctx, jobID, ledger.StatusFailed, ledger.Fields{Error: je, Note: je.Kind})
}

func (r *Runner) notify(ctx context.Context, job *models.Job, log *slog.Logger) {
	if !ledger.IsTerminal(job.Status) {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := r.deps.Notifier.Notify(nctx, notify.FormatJob(job)); err != nil {
		log.Warn("pipeline.notify", "error", err)
	}
}
