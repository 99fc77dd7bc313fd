package pipeline

import (
	"context"
	"errors"

	"github.com/zulandar/conveyor/internal/chunk"
	"github.com/zulandar/conveyor/internal/llm"
	"github.com/zulandar/conveyor/internal/models"
)

// Failure kinds recorded in a job's error.
const (
	KindEmptyInput       = "EMPTY_INPUT"
	KindModelTimeout     = "MODEL_TIMEOUT"
	KindDeadline         = "DEADLINE_EXCEEDED"
	KindIncompleteOutput = "INCOMPLETE_OUTPUT"
	KindValidation       = "VALIDATION"
	KindStore            = "STORE"
	KindModel            = "MODEL"
	KindInternal         = "INTERNAL"
)

// Stages named in a job's error.
const (
	StageLoad      = "load"
	StagePlan      = "plan"
	StageExtract   = "extract"
	StageAggregate = "aggregate"
	StageRepair    = "repair"
)

// stageError tags a run error with the stage it came from and, when known,
// its failure kind.
type stageError struct {
	kind  string
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }

func (e *stageError) Unwrap() error { return e.err }

func failAt(stage string, err error) error {
	return &stageError{stage: stage, err: err}
}

func failKind(kind, stage string, err error) error {
	return &stageError{kind: kind, stage: stage, err: err}
}

// storeError marks an object store write made on behalf of a sink.
type storeError struct{ err error }

func (e *storeError) Error() string { return e.err.Error() }

func (e *storeError) Unwrap() error { return e.err }

func stageOf(err error) string {
	var se *stageError
	if errors.As(err, &se) {
		return se.stage
	}
	return ""
}

// kindOf classifies err. An explicit kind on the outermost stageError wins.
func kindOf(err error) string {
	var se *stageError
	if errors.As(err, &se) && se.kind != "" {
		return se.kind
	}
	var sterr *storeError
	var status *llm.StatusError
	switch {
	case errors.Is(err, chunk.ErrEmptyInput):
		return KindEmptyInput
	case errors.As(err, &sterr):
		return KindStore
	case errors.Is(err, llm.ErrTimeout):
		return KindModelTimeout
	case errors.Is(err, context.DeadlineExceeded):
		return KindDeadline
	case errors.As(err, &status), errors.Is(err, llm.ErrThrottled):
		return KindModel
	}
	return KindInternal
}

func jobError(err error) *models.JobError {
	return &models.JobError{Kind: kindOf(err), Message: err.Error(), Stage: stageOf(err)}
}
