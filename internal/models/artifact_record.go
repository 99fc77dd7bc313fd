package models

import "time"

// ArtifactRecord indexes one persisted artifact object. Rows are keyed by
// (job, path) so re-saving the same artifact overwrites its row.
type ArtifactRecord struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	JobID       string `gorm:"size:36;not null;uniqueIndex:idx_artifact_job_path"`
	Path        string `gorm:"size:512;not null;uniqueIndex:idx_artifact_job_path"`
	Name        string `gorm:"size:255"`
	Kind        string `gorm:"size:32"`
	Section     string `gorm:"size:128;index"`
	ChunkIndex  *int
	ContentType string `gorm:"size:64"`
	ByteSize    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
