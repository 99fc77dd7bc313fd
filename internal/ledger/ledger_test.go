package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/conveyor/internal/db"
	"github.com/zulandar/conveyor/internal/models"
	"gorm.io/gorm"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) { c.Set(c.Now().Add(d)) }

func testLedger(t *testing.T) (*Ledger, *gorm.DB, *fakeClock) {
	t.Helper()
	gdb, err := db.OpenMigrated()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(gdb, WithTTL(time.Hour), WithClock(clock.Now)), gdb, clock
}

func forceStatus(t *testing.T, gdb *gorm.DB, id, status string) {
	t.Helper()
	if err := gdb.Model(&models.Job{}).Where("id = ?", id).Update("status", status).Error; err != nil {
		t.Fatalf("force status: %v", err)
	}
}

var allStatuses = []string{
	StatusPending, StatusProcessing, StatusChunking, StatusValidating, StatusFixing,
	StatusValidated, StatusCompleted, StatusValidationFailed, StatusFailed,
}

func TestCreate_And_Get(t *testing.T) {
	l, _, clock := testLedger(t)
	ctx := context.Background()

	id, err := l.Create(ctx, "jobs/x/input.txt")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(id) != 36 {
		t.Errorf("id = %q, want a uuid", id)
	}

	job, err := l.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != StatusPending {
		t.Errorf("Status = %q, want %q", job.Status, StatusPending)
	}
	if job.InputRef != "jobs/x/input.txt" {
		t.Errorf("InputRef = %q, want jobs/x/input.txt", job.InputRef)
	}
	if job.ExpiresAt == nil || !job.ExpiresAt.Equal(clock.Now().Add(time.Hour)) {
		t.Errorf("ExpiresAt = %v, want %v", job.ExpiresAt, clock.Now().Add(time.Hour))
	}
	if job.Failure() != nil {
		t.Errorf("Failure() = %+v, want nil", job.Failure())
	}

	ts, err := l.Transitions(ctx, id)
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	if len(ts) != 1 || ts[0].ToStatus != StatusPending {
		t.Errorf("Transitions = %+v, want one entry to PENDING", ts)
	}
}

func TestCreate_EmptyInputRef(t *testing.T) {
	l, _, _ := testLedger(t)
	if _, err := l.Create(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty input ref")
	}
}

func TestCreateWithID(t *testing.T) {
	l, _, _ := testLedger(t)
	ctx := context.Background()

	id, err := l.CreateWithID(ctx, "job-fixed", "jobs/job-fixed/input/a.txt")
	if err != nil {
		t.Fatalf("CreateWithID: %v", err)
	}
	if id != "job-fixed" {
		t.Errorf("CreateWithID() = %q, want %q", id, "job-fixed")
	}
	if _, err := l.CreateWithID(ctx, "", "x"); err == nil {
		t.Error("expected error for empty id")
	}
	if _, err := l.CreateWithID(ctx, "job-fixed", "again"); err == nil {
		t.Error("expected error for duplicate id")
	}
}

func TestGet_NotFound(t *testing.T) {
	l, _, _ := testLedger(t)
	_, err := l.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestGet_Expired(t *testing.T) {
	l, _, clock := testLedger(t)
	ctx := context.Background()
	id, err := l.Create(ctx, "in")
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(59 * time.Minute)
	if _, err := l.Get(ctx, id); err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := l.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after expiry error = %v, want ErrNotFound", err)
	}
}

func TestTransition_FullPath(t *testing.T) {
	l, _, clock := testLedger(t)
	ctx := context.Background()
	id, _ := l.Create(ctx, "in")

	path := []string{
		StatusProcessing, StatusChunking, StatusValidating, StatusFixing,
		StatusValidating, StatusValidated, StatusCompleted,
	}
	for _, to := range path {
		clock.Advance(time.Second)
		if err := l.Transition(ctx, id, to, Fields{}); err != nil {
			t.Fatalf("Transition(%s): %v", to, err)
		}
	}

	job, err := l.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != StatusCompleted {
		t.Errorf("Status = %q, want COMPLETED", job.Status)
	}
	if !job.UpdatedAt.Equal(clock.Now()) {
		t.Errorf("UpdatedAt = %v, want %v", job.UpdatedAt, clock.Now())
	}
	want := clock.Now().Add(time.Hour)
	if job.ExpiresAt == nil || !job.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want refreshed to %v", job.ExpiresAt, want)
	}

	ts, _ := l.Transitions(ctx, id)
	if len(ts) != len(path)+1 {
		t.Fatalf("len(Transitions) = %d, want %d", len(ts), len(path)+1)
	}
	for i, to := range path {
		if ts[i+1].ToStatus != to {
			t.Errorf("Transitions[%d].ToStatus = %q, want %q", i+1, ts[i+1].ToStatus, to)
		}
	}
	if ts[4].FromStatus != StatusFixing || ts[4].ToStatus != StatusValidating {
		t.Errorf("retry loop edge = %s→%s, want FIXING→VALIDATING", ts[4].FromStatus, ts[4].ToStatus)
	}
}

func TestTransition_Legality(t *testing.T) {
	l, gdb, _ := testLedger(t)
	ctx := context.Background()

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			id, err := l.Create(ctx, "in")
			if err != nil {
				t.Fatal(err)
			}
			forceStatus(t, gdb, id, from)

			err = l.Transition(ctx, id, to, Fields{})
			want := isValidTransition(from, to)

			job, gerr := l.Get(ctx, id)
			if gerr != nil {
				t.Fatalf("Get: %v", gerr)
			}
			if want {
				if err != nil {
					t.Errorf("Transition(%s→%s) = %v, want nil", from, to, err)
				}
				if job.Status != to {
					t.Errorf("%s→%s: status = %q, want %q", from, to, job.Status, to)
				}
				continue
			}
			if !errors.Is(err, ErrConflict) {
				t.Errorf("Transition(%s→%s) = %v, want ErrConflict", from, to, err)
			}
			if job.Status != from {
				t.Errorf("%s→%s rejected but status changed to %q", from, to, job.Status)
			}
		}
	}
}

func TestIsStatus(t *testing.T) {
	for _, s := range allStatuses {
		if !IsStatus(s) {
			t.Errorf("IsStatus(%q) = false, want true", s)
		}
	}
	for _, s := range []string{"", "pending", "DONE"} {
		if IsStatus(s) {
			t.Errorf("IsStatus(%q) = true, want false", s)
		}
	}
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusChunking, false},
		{StatusChunking, StatusCompleted, true},
		{StatusChunking, StatusValidating, true},
		{StatusValidating, StatusValidationFailed, true},
		{StatusFixing, StatusValidating, true},
		{StatusFixing, StatusCompleted, false},
		{StatusValidated, StatusCompleted, true},
		{StatusCompleted, StatusPending, false},
		{StatusProcessing, StatusFailed, true},
		{StatusFixing, StatusFailed, true},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusFailed, false},
		{StatusValidationFailed, StatusFailed, false},
	}
	for _, tt := range tests {
		if got := isValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("isValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransition_NotFound(t *testing.T) {
	l, _, _ := testLedger(t)
	err := l.Transition(context.Background(), "missing", StatusProcessing, Fields{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Transition() error = %v, want ErrNotFound", err)
	}
}

func TestCompareAndTransition_StaleExpectation(t *testing.T) {
	l, _, _ := testLedger(t)
	ctx := context.Background()
	id, _ := l.Create(ctx, "in")
	if err := l.Transition(ctx, id, StatusProcessing, Fields{}); err != nil {
		t.Fatal(err)
	}

	err := l.CompareAndTransition(ctx, id, StatusPending, StatusProcessing, Fields{})
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("CompareAndTransition() error = %v, want *ConflictError", err)
	}
	if ce.From != StatusPending || ce.Actual != StatusProcessing {
		t.Errorf("ConflictError = %+v, want From=PENDING Actual=PROCESSING", ce)
	}
}

func TestTransition_ConcurrentWriters(t *testing.T) {
	l, _, _ := testLedger(t)
	ctx := context.Background()
	id, _ := l.Create(ctx, "in")
	for _, s := range []string{StatusProcessing, StatusChunking} {
		if err := l.Transition(ctx, id, s, Fields{}); err != nil {
			t.Fatal(err)
		}
	}

	targets := []string{StatusCompleted, StatusValidating, StatusFailed, StatusCompleted}
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, to := range targets {
		wg.Add(1)
		go func(i int, to string) {
			defer wg.Done()
			errs[i] = l.CompareAndTransition(ctx, id, StatusChunking, to, Fields{})
		}(i, to)
	}
	wg.Wait()

	wins := 0
	for i, err := range errs {
		switch {
		case err == nil:
			wins++
		case !errors.Is(err, ErrConflict):
			t.Errorf("writer %d error = %v, want ErrConflict", i, err)
		}
	}
	if wins != 1 {
		t.Errorf("winning writers = %d, want 1", wins)
	}
}

func TestTransition_Fields(t *testing.T) {
	l, _, _ := testLedger(t)
	ctx := context.Background()
	id, _ := l.Create(ctx, "in")
	l.Transition(ctx, id, StatusProcessing, Fields{})

	total := 3
	if err := l.Transition(ctx, id, StatusChunking, Fields{ChunksTotal: &total, Note: "3 chunks"}); err != nil {
		t.Fatal(err)
	}
	partial := true
	attempts := 2
	err := l.Transition(ctx, id, StatusFailed, Fields{
		OutputRefs:  []string{"jobs/a/manifest.json"},
		Partial:     &partial,
		FixAttempts: &attempts,
		Error:       &models.JobError{Kind: "MODEL_TIMEOUT", Message: "chunk 1 timed out", Stage: StatusChunking},
	})
	if err != nil {
		t.Fatal(err)
	}

	job, err := l.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if job.ChunksTotal != 3 {
		t.Errorf("ChunksTotal = %d, want 3", job.ChunksTotal)
	}
	if !job.Partial {
		t.Error("Partial = false, want true")
	}
	if job.FixAttempts != 2 {
		t.Errorf("FixAttempts = %d, want 2", job.FixAttempts)
	}
	if len(job.OutputRefs) != 1 || job.OutputRefs[0] != "jobs/a/manifest.json" {
		t.Errorf("OutputRefs = %v, want [jobs/a/manifest.json]", job.OutputRefs)
	}
	fe := job.Failure()
	if fe == nil || fe.Kind != "MODEL_TIMEOUT" || fe.Stage != StatusChunking {
		t.Errorf("Failure() = %+v, want MODEL_TIMEOUT at CHUNKING", fe)
	}

	ts, _ := l.Transitions(ctx, id)
	if ts[2].Note != "3 chunks" {
		t.Errorf("Transitions[2].Note = %q, want %q", ts[2].Note, "3 chunks")
	}
}

func TestTransition_UpdatedAtMonotonic(t *testing.T) {
	l, _, clock := testLedger(t)
	ctx := context.Background()
	id, _ := l.Create(ctx, "in")
	created := clock.Now()

	clock.Advance(-time.Minute)
	if err := l.Transition(ctx, id, StatusProcessing, Fields{}); err != nil {
		t.Fatal(err)
	}
	clock.Set(created)
	job, _ := l.Get(ctx, id)
	if job.UpdatedAt.Before(job.CreatedAt) {
		t.Errorf("UpdatedAt %v moved before CreatedAt %v", job.UpdatedAt, job.CreatedAt)
	}
}

func TestAddProgress(t *testing.T) {
	l, _, _ := testLedger(t)
	ctx := context.Background()
	id, _ := l.Create(ctx, "in")

	if err := l.AddProgress(ctx, id); !errors.Is(err, ErrConflict) {
		t.Errorf("AddProgress on PENDING = %v, want ErrConflict", err)
	}

	l.Transition(ctx, id, StatusProcessing, Fields{})
	l.Transition(ctx, id, StatusChunking, Fields{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.AddProgress(ctx, id); err != nil {
				t.Errorf("AddProgress: %v", err)
			}
		}()
	}
	wg.Wait()

	job, _ := l.Get(ctx, id)
	if job.ChunksDone != 5 {
		t.Errorf("ChunksDone = %d, want 5", job.ChunksDone)
	}
}

func TestClaimPending(t *testing.T) {
	l, _, clock := testLedger(t)
	ctx := context.Background()

	first, _ := l.Create(ctx, "a")
	clock.Advance(time.Second)
	second, _ := l.Create(ctx, "b")

	job, err := l.ClaimPending(ctx)
	if err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	if job.ID != first {
		t.Errorf("claimed %s, want oldest %s", job.ID, first)
	}
	if job.Status != StatusProcessing {
		t.Errorf("Status = %q, want PROCESSING", job.Status)
	}

	job, err = l.ClaimPending(ctx)
	if err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	if job.ID != second {
		t.Errorf("claimed %s, want %s", job.ID, second)
	}

	if _, err := l.ClaimPending(ctx); !errors.Is(err, ErrNoPending) {
		t.Errorf("ClaimPending on empty queue = %v, want ErrNoPending", err)
	}
}

func TestList(t *testing.T) {
	l, _, clock := testLedger(t)
	ctx := context.Background()
	a, _ := l.Create(ctx, "a")
	clock.Advance(time.Second)
	b, _ := l.Create(ctx, "b")
	l.Transition(ctx, b, StatusFailed, Fields{})

	all, err := l.List(ctx, ListFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != b {
		t.Fatalf("List() = %d jobs, first %v; want 2 newest first", len(all), all)
	}

	pending, _ := l.List(ctx, ListFilters{Status: StatusPending})
	if len(pending) != 1 || pending[0].ID != a {
		t.Errorf("List(PENDING) = %v, want only %s", pending, a)
	}
}

func TestPurgeExpired(t *testing.T) {
	l, gdb, clock := testLedger(t)
	ctx := context.Background()

	old, _ := l.Create(ctx, "old")
	gdb.Create(&models.ArtifactRecord{JobID: old, Path: "jobs/old/artifacts/a.yaml"})
	clock.Advance(50 * time.Minute)
	fresh, _ := l.Create(ctx, "fresh")
	clock.Advance(20 * time.Minute)

	n, err := l.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("PurgeExpired() = %d, want 1", n)
	}

	var count int64
	gdb.Model(&models.Job{}).Where("id = ?", old).Count(&count)
	if count != 0 {
		t.Error("expired job still present")
	}
	gdb.Model(&models.JobTransition{}).Where("job_id = ?", old).Count(&count)
	if count != 0 {
		t.Error("expired job transitions still present")
	}
	gdb.Model(&models.ArtifactRecord{}).Where("job_id = ?", old).Count(&count)
	if count != 0 {
		t.Error("expired job artifact records still present")
	}
	if _, err := l.Get(ctx, fresh); err != nil {
		t.Errorf("fresh job purged: %v", err)
	}
}

func TestConflict(t *testing.T) {
	l, gdb, _ := testLedger(t)
	ctx := context.Background()
	id, err := l.Create(ctx, "in")
	if err != nil {
		t.Fatal(err)
	}
	forceStatus(t, gdb, id, StatusChunking)

	var ce *ConflictError
	err = conflict(gdb, id, StatusPending, StatusProcessing)
	if !errors.As(err, &ce) || ce.Actual != StatusChunking {
		t.Errorf("conflict() = %v, want ConflictError with actual %s", err, StatusChunking)
	}

	err = conflict(gdb, "gone", StatusPending, StatusProcessing)
	if !errors.Is(err, ErrNotFound) || errors.As(err, &ce) {
		t.Errorf("conflict(deleted job) = %v, want ErrNotFound", err)
	}

	if err := gdb.Migrator().DropTable(&models.Job{}); err != nil {
		t.Fatal(err)
	}
	err = conflict(gdb, id, StatusPending, StatusProcessing)
	if err == nil || errors.As(err, &ce) || errors.Is(err, ErrNotFound) {
		t.Errorf("conflict(unreadable) = %v, want the read error", err)
	}
}
