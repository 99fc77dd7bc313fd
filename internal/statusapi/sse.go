package statusapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/conveyor/internal/ledger"
)

const heartbeatInterval = 15 * time.Second

// handleWatch streams a job's state as server-sent events. A "job" event is
// sent on connect and whenever the job changes; the stream ends with a
// "done" event once the job is terminal, or "gone" if it is purged.
func handleWatch(lg *ledger.Ledger, interval time.Duration, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, ok := lookup(c, lg)
		if !ok {
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "job", NewJobView(job))
		c.Writer.Flush()
		if ledger.IsTerminal(job.Status) {
			writeSSE(c.Writer, "done", map[string]string{"status": job.Status})
			c.Writer.Flush()
			return
		}

		ctx := c.Request.Context()
		ticker := time.NewTicker(interval)
		heartbeat := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		defer heartbeat.Stop()

		last := job.UpdatedAt
		lastStatus := job.Status
		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				cur, err := lg.Get(ctx, job.ID)
				if errors.Is(err, ledger.ErrNotFound) {
					writeSSE(c.Writer, "gone", map[string]string{"id": job.ID})
					c.Writer.Flush()
					return
				}
				if err != nil {
					if ctx.Err() == nil {
						log.Warn("statusapi.watch", "job_id", job.ID, "error", err)
					}
					continue
				}
				if cur.Status == lastStatus && cur.UpdatedAt.Equal(last) {
					continue
				}
				last, lastStatus = cur.UpdatedAt, cur.Status
				writeSSE(c.Writer, "job", NewJobView(cur))
				if ledger.IsTerminal(cur.Status) {
					writeSSE(c.Writer, "done", map[string]string{"status": cur.Status})
					c.Writer.Flush()
					return
				}
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
