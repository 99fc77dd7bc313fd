package statusapi

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/conveyor/internal/ledger"
	"github.com/zulandar/conveyor/internal/models"
	"gorm.io/gorm"
)

// Summary holds live job counts by status.
type Summary struct {
	Counts map[string]int64 `json:"counts"`
	Active int64            `json:"active"`
	Total  int64            `json:"total"`
}

// StatusCounts groups unexpired jobs by status. Every known status is
// present in the result, zero when no job has it.
func StatusCounts(ctx context.Context, db *gorm.DB) (Summary, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	if err := db.WithContext(ctx).Model(&models.Job{}).
		Select("status, COUNT(*) AS count").
		Where("expires_at IS NULL OR expires_at > ?", time.Now()).
		Group("status").
		Scan(&rows).Error; err != nil {
		return Summary{}, fmt.Errorf("statusapi: count jobs: %w", err)
	}

	sum := Summary{Counts: make(map[string]int64)}
	for status := range ledger.ValidTransitions {
		sum.Counts[status] = 0
	}
	for _, s := range []string{ledger.StatusCompleted, ledger.StatusValidationFailed, ledger.StatusFailed} {
		sum.Counts[s] = 0
	}
	for _, r := range rows {
		sum.Counts[r.Status] = r.Count
		sum.Total += r.Count
		if !ledger.IsTerminal(r.Status) {
			sum.Active += r.Count
		}
	}
	return sum, nil
}
