package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Job is one asynchronous unit of pipeline work.
type Job struct {
	ID          string                      `gorm:"primaryKey;size:36"`
	Status      string                      `gorm:"size:24;not null;index"`
	InputRef    string                      `gorm:"size:512;not null"`
	OutputRefs  datatypes.JSONSlice[string] `gorm:"type:json"`
	Error       datatypes.JSON              `gorm:"type:json"`
	ChunksTotal int                         `gorm:"default:0"`
	ChunksDone  int                         `gorm:"default:0"`
	FixAttempts int                         `gorm:"default:0"`
	Partial     bool                        `gorm:"default:false"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   *time.Time `gorm:"index"`

	Transitions []JobTransition `gorm:"foreignKey:JobID"`
}

// JobError is the structured cause recorded on a failed job.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
}

// Failure decodes the job's structured error, or nil when none is recorded.
func (j *Job) Failure() *JobError {
	if len(j.Error) == 0 || string(j.Error) == "null" {
		return nil
	}
	var je JobError
	if err := json.Unmarshal(j.Error, &je); err != nil {
		return &JobError{Kind: "INTERNAL", Message: string(j.Error)}
	}
	return &je
}

// JobTransition is one timestamped status change in a job's history.
type JobTransition struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	JobID      string `gorm:"size:36;index"`
	FromStatus string `gorm:"size:24"`
	ToStatus   string `gorm:"size:24"`
	Note       string `gorm:"type:text"`
	CreatedAt  time.Time
}
