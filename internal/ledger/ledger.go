// Package ledger tracks jobs through the pipeline state graph.
//
// Every status change is a conditional update keyed on the status the caller
// observed, so two writers racing on the same job cannot both win.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/conveyor/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Job statuses.
const (
	StatusPending          = "PENDING"
	StatusProcessing       = "PROCESSING"
	StatusChunking         = "CHUNKING"
	StatusValidating       = "VALIDATING"
	StatusFixing           = "FIXING"
	StatusValidated        = "VALIDATED"
	StatusCompleted        = "COMPLETED"
	StatusValidationFailed = "VALIDATION_FAILED"
	StatusFailed           = "FAILED"
)

// DefaultTTL is the retention horizon applied when none is configured.
const DefaultTTL = 30 * 24 * time.Hour

// ValidTransitions maps each status to its valid next statuses.
// The special case "any non-terminal → FAILED" is handled in isValidTransition.
var ValidTransitions = map[string][]string{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusChunking},
	StatusChunking:   {StatusCompleted, StatusValidating},
	StatusValidating: {StatusValidated, StatusFixing, StatusValidationFailed},
	StatusFixing:     {StatusValidating},
	StatusValidated:  {StatusCompleted},
}

var (
	// ErrNotFound is returned for unknown or expired jobs.
	ErrNotFound = errors.New("ledger: not found")
	// ErrConflict matches every *ConflictError.
	ErrConflict = errors.New("ledger: conflict")
	// ErrNoPending is returned by ClaimPending when the queue is empty.
	ErrNoPending = errors.New("ledger: no pending jobs")
)

// ConflictError reports a transition that is illegal from the job's status or
// that lost a race with another writer.
type ConflictError struct {
	JobID  string
	From   string // status the writer expected
	To     string
	Actual string // status found in the store
}

func (e *ConflictError) Error() string {
	if e.From != e.Actual {
		return fmt.Sprintf("ledger: conflict on %s: expected status %q, found %q (wanted %q)", e.JobID, e.From, e.Actual, e.To)
	}
	return fmt.Sprintf("ledger: conflict on %s: invalid status transition from %q to %q; valid transitions: %v",
		e.JobID, e.From, e.To, allowed(e.From))
}

// Is makes errors.Is(err, ErrConflict) true.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// Fields holds optional columns written alongside a transition.
type Fields struct {
	OutputRefs  []string
	Error       *models.JobError
	Partial     *bool
	FixAttempts *int
	ChunksTotal *int
	Note        string
}

// ListFilters holds optional filters for listing jobs.
type ListFilters struct {
	Status string
	Limit  int
}

// Ledger is the job metadata store.
type Ledger struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
	log *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithTTL sets the retention horizon for new and terminal jobs.
func WithTTL(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.ttl = d
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger used for transition events.
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

// New returns a Ledger backed by db. Tables must already be migrated.
func New(db *gorm.DB, opts ...Option) *Ledger {
	l := &Ledger{db: db, ttl: DefaultTTL, now: time.Now, log: slog.Default()}
	for _, o := range opts {
		o(l)
	}
	return l
}

// DB exposes the underlying handle for read-only collaborators.
func (l *Ledger) DB() *gorm.DB { return l.db }

// IsStatus reports whether s is a known job status.
func IsStatus(s string) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusChunking, StatusValidating, StatusFixing,
		StatusValidated, StatusCompleted, StatusValidationFailed, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether status ends a job.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusValidationFailed:
		return true
	}
	return false
}

// Create records a new PENDING job and returns its id.
func (l *Ledger) Create(ctx context.Context, inputRef string) (string, error) {
	return l.CreateWithID(ctx, uuid.NewString(), inputRef)
}

// CreateWithID records a new PENDING job under a caller-chosen id, for
// callers that store the input under the job's prefix first.
func (l *Ledger) CreateWithID(ctx context.Context, id, inputRef string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("ledger: job id is required")
	}
	if inputRef == "" {
		return "", fmt.Errorf("ledger: input ref is required")
	}
	now := l.now()
	expires := now.Add(l.ttl)
	job := models.Job{
		ID:        id,
		Status:    StatusPending,
		InputRef:  inputRef,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: &expires,
	}
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&job).Error; err != nil {
			return fmt.Errorf("ledger: create: %w", err)
		}
		return tx.Create(&models.JobTransition{
			JobID:     job.ID,
			ToStatus:  StatusPending,
			Note:      inputRef,
			CreatedAt: now,
		}).Error
	})
	if err != nil {
		return "", err
	}
	l.log.Debug("ledger.create", "job_id", job.ID, "input_ref", inputRef)
	return job.ID, nil
}

// Get retrieves a job by id. Expired jobs are reported as not found.
func (l *Ledger) Get(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := l.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("ledger: get %s: %w", id, err)
	}
	if l.expired(&job) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &job, nil
}

// List returns live jobs matching filters, newest first.
func (l *Ledger) List(ctx context.Context, filters ListFilters) ([]models.Job, error) {
	q := l.db.WithContext(ctx).Model(&models.Job{}).
		Where("expires_at IS NULL OR expires_at > ?", l.now())
	if filters.Status != "" {
		q = q.Where("status = ?", filters.Status)
	}
	if filters.Limit > 0 {
		q = q.Limit(filters.Limit)
	}
	var jobs []models.Job
	if err := q.Order("created_at DESC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	return jobs, nil
}

// Transitions returns a job's status history, oldest first.
func (l *Ledger) Transitions(ctx context.Context, id string) ([]models.JobTransition, error) {
	var ts []models.JobTransition
	if err := l.db.WithContext(ctx).Where("job_id = ?", id).Order("id ASC").Find(&ts).Error; err != nil {
		return nil, fmt.Errorf("ledger: transitions %s: %w", id, err)
	}
	return ts, nil
}

// Artifacts returns the artifact index rows recorded for a job.
func (l *Ledger) Artifacts(ctx context.Context, id string) ([]models.ArtifactRecord, error) {
	var recs []models.ArtifactRecord
	if err := l.db.WithContext(ctx).Where("job_id = ?", id).Order("path ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("ledger: artifacts %s: %w", id, err)
	}
	return recs, nil
}

// Transition moves a job from its current status to `to`.
func (l *Ledger) Transition(ctx context.Context, id, to string, f Fields) error {
	return l.transition(ctx, id, "", to, f)
}

// CompareAndTransition moves a job to `to` only if it is currently `from`.
func (l *Ledger) CompareAndTransition(ctx context.Context, id, from, to string, f Fields) error {
	return l.transition(ctx, id, from, to, f)
}

func (l *Ledger) transition(ctx context.Context, id, expect, to string, f Fields) error {
	var from string
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.Job
		if err := tx.Where("id = ?", id).First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return fmt.Errorf("ledger: get %s for transition: %w", id, err)
		}
		from = job.Status
		if expect != "" && expect != job.Status {
			return &ConflictError{JobID: id, From: expect, To: to, Actual: job.Status}
		}
		if !isValidTransition(job.Status, to) {
			return &ConflictError{JobID: id, From: job.Status, To: to, Actual: job.Status}
		}

		now := l.now()
		if now.Before(job.UpdatedAt) {
			now = job.UpdatedAt
		}
		updates, err := f.columns()
		if err != nil {
			return err
		}
		updates["status"] = to
		updates["updated_at"] = now
		if IsTerminal(to) {
			updates["expires_at"] = now.Add(l.ttl)
		}

		res := tx.Model(&models.Job{}).Where("id = ? AND status = ?", id, job.Status).Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("ledger: transition %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return conflict(tx, id, job.Status, to)
		}

		if err := tx.Create(&models.JobTransition{
			JobID:      id,
			FromStatus: job.Status,
			ToStatus:   to,
			Note:       f.Note,
			CreatedAt:  now,
		}).Error; err != nil {
			return fmt.Errorf("ledger: record transition %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.log.Debug("ledger.transition", "job_id", id, "from", from, "to", to)
	return nil
}

// AddProgress increments chunks_done for a job in CHUNKING.
func (l *Ledger) AddProgress(ctx context.Context, id string) error {
	res := l.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", id, StatusChunking).
		Updates(map[string]interface{}{
			"chunks_done": gorm.Expr("chunks_done + ?", 1),
			"updated_at":  l.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("ledger: progress %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		job, err := l.Get(ctx, id)
		if err != nil {
			return err
		}
		return &ConflictError{JobID: id, From: StatusChunking, To: StatusChunking, Actual: job.Status}
	}
	return nil
}

// conflict re-reads the status of a job whose guarded update matched no row.
func conflict(tx *gorm.DB, id, from, to string) error {
	var actual models.Job
	if err := tx.Select("status").Where("id = ?", id).First(&actual).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("ledger: transition %s: read status: %w", id, err)
	}
	return &ConflictError{JobID: id, From: from, To: to, Actual: actual.Status}
}

// ClaimPending atomically moves the oldest PENDING job to PROCESSING and
// returns it. Returns ErrNoPending when nothing is waiting or another
// claimer won the row. The row lock applies on MySQL; SQLite relies on the
// status-guarded update.
func (l *Ledger) ClaimPending(ctx context.Context) (*models.Job, error) {
	var claimed models.Job
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := l.now()
		result := tx.Where("status = ?", StatusPending).
			Where("expires_at IS NULL OR expires_at > ?", now).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Order("created_at ASC").
			Limit(1).
			Find(&claimed)
		if result.Error != nil {
			return fmt.Errorf("ledger: find pending job: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNoPending
		}

		if now.Before(claimed.UpdatedAt) {
			now = claimed.UpdatedAt
		}
		res := tx.Model(&models.Job{}).
			Where("id = ? AND status = ?", claimed.ID, StatusPending).
			Updates(map[string]interface{}{"status": StatusProcessing, "updated_at": now})
		if res.Error != nil {
			return fmt.Errorf("ledger: claim %s: %w", claimed.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNoPending
		}
		claimed.Status = StatusProcessing
		claimed.UpdatedAt = now
		return tx.Create(&models.JobTransition{
			JobID:      claimed.ID,
			FromStatus: StatusPending,
			ToStatus:   StatusProcessing,
			Note:       "claimed",
			CreatedAt:  now,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

// PurgeExpired deletes jobs past their expiry together with their
// transitions and artifact index rows. Returns the number of jobs removed.
func (l *Ledger) PurgeExpired(ctx context.Context) (int64, error) {
	var purged int64
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&models.Job{}).
			Where("expires_at IS NOT NULL AND expires_at <= ?", l.now()).
			Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("ledger: find expired: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("job_id IN ?", ids).Delete(&models.JobTransition{}).Error; err != nil {
			return fmt.Errorf("ledger: purge transitions: %w", err)
		}
		if err := tx.Where("job_id IN ?", ids).Delete(&models.ArtifactRecord{}).Error; err != nil {
			return fmt.Errorf("ledger: purge artifacts: %w", err)
		}
		res := tx.Where("id IN ?", ids).Delete(&models.Job{})
		if res.Error != nil {
			return fmt.Errorf("ledger: purge jobs: %w", res.Error)
		}
		purged = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		l.log.Info("ledger.purge", "jobs", purged)
	}
	return purged, nil
}

func (l *Ledger) expired(job *models.Job) bool {
	return job.ExpiresAt != nil && !job.ExpiresAt.After(l.now())
}

func (f Fields) columns() (map[string]interface{}, error) {
	cols := map[string]interface{}{}
	if f.OutputRefs != nil {
		cols["output_refs"] = datatypes.JSONSlice[string](f.OutputRefs)
	}
	if f.Error != nil {
		b, err := json.Marshal(f.Error)
		if err != nil {
			return nil, fmt.Errorf("ledger: encode job error: %w", err)
		}
		cols["error"] = datatypes.JSON(b)
	}
	if f.Partial != nil {
		cols["partial"] = *f.Partial
	}
	if f.FixAttempts != nil {
		cols["fix_attempts"] = *f.FixAttempts
	}
	if f.ChunksTotal != nil {
		cols["chunks_total"] = *f.ChunksTotal
	}
	return cols, nil
}

// isValidTransition checks whether a status transition is allowed.
func isValidTransition(from, to string) bool {
	if to == StatusFailed {
		return !IsTerminal(from) && from != ""
	}
	return slices.Contains(ValidTransitions[from], to)
}

func allowed(from string) []string {
	next := slices.Clone(ValidTransitions[from])
	if !IsTerminal(from) {
		next = append(next, StatusFailed)
	}
	return next
}
