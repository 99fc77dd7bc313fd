package statusapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/conveyor/internal/ledger"
	"github.com/zulandar/conveyor/internal/models"
)

const maxListLimit = 500

// JobView is the JSON shape of a job.
type JobView struct {
	ID          string           `json:"id"`
	Status      string           `json:"status"`
	InputRef    string           `json:"input_ref"`
	OutputRefs  []string         `json:"output_refs"`
	Error       *models.JobError `json:"error,omitempty"`
	ChunksTotal int              `json:"chunks_total"`
	ChunksDone  int              `json:"chunks_done"`
	FixAttempts int              `json:"fix_attempts"`
	Partial     bool             `json:"partial"`
	Terminal    bool             `json:"terminal"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
}

// NewJobView converts a job row for output.
func NewJobView(j *models.Job) JobView {
	refs := []string(j.OutputRefs)
	if refs == nil {
		refs = []string{}
	}
	return JobView{
		ID:          j.ID,
		Status:      j.Status,
		InputRef:    j.InputRef,
		OutputRefs:  refs,
		Error:       j.Failure(),
		ChunksTotal: j.ChunksTotal,
		ChunksDone:  j.ChunksDone,
		FixAttempts: j.FixAttempts,
		Partial:     j.Partial,
		Terminal:    ledger.IsTerminal(j.Status),
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		ExpiresAt:   j.ExpiresAt,
	}
}

// TransitionView is the JSON shape of a transition.
type TransitionView struct {
	From string    `json:"from,omitempty"`
	To   string    `json:"to"`
	Note string    `json:"note,omitempty"`
	At   time.Time `json:"at"`
}

// ArtifactView is the JSON shape of an artifact record.
type ArtifactView struct {
	Path        string `json:"path"`
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Section     string `json:"section"`
	ChunkIndex  *int   `json:"chunk_index,omitempty"`
	ContentType string `json:"content_type"`
	ByteSize    int    `json:"byte_size"`
}

func registerRoutes(router *gin.Engine, opts StartOpts) {
	lg := opts.Ledger
	router.GET("/healthz", handleHealth(lg))

	api := router.Group("/api")
	api.GET("/jobs", handleListJobs(lg))
	api.GET("/jobs/:id", handleGetJob(lg))
	api.GET("/jobs/:id/transitions", handleTransitions(lg))
	api.GET("/jobs/:id/artifacts", handleArtifacts(lg))
	api.GET("/jobs/:id/watch", handleWatch(lg, opts.WatchInterval, opts.Logger))
	api.GET("/summary", handleSummary(lg))
}

func handleHealth(lg *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := lg.DB().DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleListJobs(lg *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		filters := ledger.ListFilters{Status: c.Query("status")}
		if filters.Status != "" && !ledger.IsStatus(filters.Status) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + strconv.Quote(filters.Status)})
			return
		}
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			filters.Limit = min(n, maxListLimit)
		}
		jobs, err := lg.List(c.Request.Context(), filters)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		views := make([]JobView, len(jobs))
		for i := range jobs {
			views[i] = NewJobView(&jobs[i])
		}
		c.JSON(http.StatusOK, gin.H{"jobs": views, "count": len(views)})
	}
}

func handleGetJob(lg *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, ok := lookup(c, lg)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, NewJobView(job))
	}
}

func handleTransitions(lg *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, ok := lookup(c, lg)
		if !ok {
			return
		}
		ts, err := lg.Transitions(c.Request.Context(), job.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		views := make([]TransitionView, len(ts))
		for i, t := range ts {
			views[i] = TransitionView{From: t.FromStatus, To: t.ToStatus, Note: t.Note, At: t.CreatedAt}
		}
		c.JSON(http.StatusOK, gin.H{"job_id": job.ID, "transitions": views})
	}
}

func handleArtifacts(lg *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, ok := lookup(c, lg)
		if !ok {
			return
		}
		recs, err := lg.Artifacts(c.Request.Context(), job.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		views := make([]ArtifactView, len(recs))
		for i, r := range recs {
			views[i] = ArtifactView{
				Path:        r.Path,
				Name:        r.Name,
				Kind:        r.Kind,
				Section:     r.Section,
				ChunkIndex:  r.ChunkIndex,
				ContentType: r.ContentType,
				ByteSize:    r.ByteSize,
			}
		}
		c.JSON(http.StatusOK, gin.H{"job_id": job.ID, "artifacts": views})
	}
}

func handleSummary(lg *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		counts, err := StatusCounts(c.Request.Context(), lg.DB())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, counts)
	}
}

// lookup loads the job named by the :id param, writing a 404 when it is
// absent or expired.
func lookup(c *gin.Context, lg *ledger.Ledger) (*models.Job, bool) {
	job, err := lg.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ledger.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return job, true
}
