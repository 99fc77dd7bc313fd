// Package repair runs the validation-repair loop: validate an artifact, and
// while it fails ask a fixer for a corrected version, up to a bound.
package repair

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/zulandar/conveyor/internal/artifact"
)

// DefaultMaxAttempts bounds fixer calls when Options.MaxAttempts is unset.
const DefaultMaxAttempts = 5

// Status is the loop's terminal result.
type Status string

const (
	StatusValidated        Status = "VALIDATED"
	StatusValidationFailed Status = "VALIDATION_FAILED"
)

// Outcome is one validator verdict.
type Outcome struct {
	OK     bool
	Errors []string
}

// Pass is a successful Outcome.
func Pass() Outcome { return Outcome{OK: true} }

// Fail returns a failed Outcome carrying errs.
func Fail(errs ...string) Outcome { return Outcome{Errors: errs} }

// Validator checks an artifact's structure. A returned error means the
// check itself could not run; a structural failure is reported in Outcome.
type Validator interface {
	Validate(ctx context.Context, a artifact.Artifact) (Outcome, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, a artifact.Artifact) (Outcome, error)

func (f ValidatorFunc) Validate(ctx context.Context, a artifact.Artifact) (Outcome, error) {
	return f(ctx, a)
}

// Fixer produces a corrected artifact given the validation errors.
type Fixer interface {
	Fix(ctx context.Context, a artifact.Artifact, errs []string) (artifact.Artifact, error)
}

// FixerFunc adapts a function to Fixer.
type FixerFunc func(ctx context.Context, a artifact.Artifact, errs []string) (artifact.Artifact, error)

func (f FixerFunc) Fix(ctx context.Context, a artifact.Artifact, errs []string) (artifact.Artifact, error) {
	return f(ctx, a, errs)
}

// ValidationError reports an artifact that was still invalid when the
// loop gave up.
type ValidationError struct {
	Name   string
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("repair: %s failed validation: %s", e.Name, strings.Join(e.Errors, "; "))
}

// Result is the outcome of ValidateAndFix. Attempts counts validator calls
// and Fixes counts fixer calls.
type Result struct {
	Status   Status
	Attempts int
	Fixes    int
	Artifact artifact.Artifact
	Errors   []string
	// Location is where the last fixed artifact was saved.
	Location string
}

// Err returns a *ValidationError when the loop was exhausted.
func (r Result) Err() error {
	if r.Status == StatusValidated {
		return nil
	}
	return &ValidationError{Name: r.Artifact.Name, Errors: r.Errors}
}

// Options configures ValidateAndFix.
type Options struct {
	MaxAttempts int
	// Sink persists every fixed artifact before it is re-validated.
	Sink artifact.Sink
	// OnValidate runs before each validator call with its 1-based number.
	OnValidate func(ctx context.Context, attempt int) error
	// OnFix runs before each fixer call with its 1-based number.
	OnFix  func(ctx context.Context, fix int, errs []string) error
	Logger *slog.Logger
}

// ValidateAndFix validates a and repairs it until it passes or MaxAttempts
// fixer calls have been spent. Hook, validator, fixer and sink errors abort
// the loop and are returned with the progress made so far.
func ValidateAndFix(ctx context.Context, a artifact.Artifact, v Validator, f Fixer, opts Options) (Result, error) {
	max := opts.MaxAttempts
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	res := Result{Artifact: a}
	for {
		if opts.OnValidate != nil {
			if err := opts.OnValidate(ctx, res.Attempts+1); err != nil {
				return res, err
			}
		}
		out, err := v.Validate(ctx, res.Artifact)
		res.Attempts++
		if err != nil {
			return res, fmt.Errorf("repair: validate %s: %w", res.Artifact.Name, err)
		}
		if out.OK {
			res.Status = StatusValidated
			res.Errors = nil
			log.Info("repair.validated", "artifact", res.Artifact.Name, "attempt", res.Attempts, "fixes", res.Fixes)
			return res, nil
		}
		res.Errors = out.Errors
		log.Info("repair.invalid", "artifact", res.Artifact.Name, "attempt", res.Attempts, "errors", len(out.Errors))

		if res.Fixes >= max {
			res.Status = StatusValidationFailed
			log.Warn("repair.exhausted", "artifact", res.Artifact.Name, "fixes", res.Fixes)
			return res, nil
		}

		if opts.OnFix != nil {
			if err := opts.OnFix(ctx, res.Fixes+1, out.Errors); err != nil {
				return res, err
			}
		}
		next, err := f.Fix(ctx, res.Artifact, out.Errors)
		if err != nil {
			return res, fmt.Errorf("repair: fix %s: %w", res.Artifact.Name, err)
		}
		res.Fixes++
		next.ByteSize = len(next.Content)
		res.Artifact = next

		if opts.Sink != nil {
			loc, err := opts.Sink.Save(ctx, next)
			if err != nil {
				return res, fmt.Errorf("repair: save %s: %w", next.Name, err)
			}
			res.Location = loc
		}
	}
}

// Target selects which artifact of a job is validated.
type Target struct {
	Kind artifact.Kind
	// Pattern is a path.Match glob applied to the artifact name.
	Pattern string
}

// Match reports whether a satisfies every set criterion.
func (t Target) Match(a artifact.Artifact) bool {
	if t.Kind != "" && a.Kind != t.Kind {
		return false
	}
	if t.Pattern != "" {
		ok, err := path.Match(t.Pattern, a.Name)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// Select returns the first artifact matching t.
func (t Target) Select(arts []artifact.Artifact) (artifact.Artifact, bool) {
	for _, a := range arts {
		if t.Match(a) {
			return a, true
		}
	}
	return artifact.Artifact{}, false
}
