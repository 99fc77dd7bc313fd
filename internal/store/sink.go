package store

import (
	"context"
	"fmt"

	"github.com/zulandar/conveyor/internal/artifact"
	"github.com/zulandar/conveyor/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ArtifactSink saves artifacts under a job's prefix and, when records are
// enabled, upserts one artifact_records row per path.
type ArtifactSink struct {
	store ObjectStore
	jobID string
	db    *gorm.DB
}

// SinkOption configures an ArtifactSink.
type SinkOption func(*ArtifactSink)

// WithRecords indexes every saved artifact in db.
func WithRecords(db *gorm.DB) SinkOption {
	return func(s *ArtifactSink) { s.db = db }
}

// NewArtifactSink returns a sink writing under JobPrefix(jobID).
func NewArtifactSink(store ObjectStore, jobID string, opts ...SinkOption) *ArtifactSink {
	s := &ArtifactSink{store: store, jobID: jobID}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Save writes a and returns its key. Saving the same name, section and
// chunk namespace again overwrites both object and row.
func (s *ArtifactSink) Save(ctx context.Context, a artifact.Artifact) (string, error) {
	loc := artifact.Path(JobPrefix(s.jobID), a)
	ct := artifact.ContentTypeFor(a.Name, a.Kind)
	if err := s.store.Put(ctx, loc, []byte(a.Content), ct); err != nil {
		return "", err
	}
	if s.db == nil {
		return loc, nil
	}
	rec := models.ArtifactRecord{
		JobID:       s.jobID,
		Path:        loc,
		Name:        a.Name,
		Kind:        string(a.Kind),
		Section:     a.Section,
		ChunkIndex:  a.SourceChunkIndex,
		ContentType: ct,
		ByteSize:    len(a.Content),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}, {Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "kind", "section", "chunk_index", "content_type", "byte_size", "updated_at"}),
	}).Create(&rec)
	if result.Error != nil {
		return "", fmt.Errorf("store: record artifact %s: %w", loc, result.Error)
	}
	return loc, nil
}
