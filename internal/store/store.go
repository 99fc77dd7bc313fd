// Package store persists job inputs, chunks and artifacts to an object store.
package store

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/zulandar/conveyor/internal/artifact"
	"github.com/zulandar/conveyor/internal/chunk"
	"github.com/zulandar/conveyor/internal/config"
)

// ErrNotFound is returned by Get for a missing object.
var ErrNotFound = errors.New("store: object not found")

// ObjectStore is the narrow content store the pipeline depends on. Paths are
// slash-separated keys.
type ObjectStore interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	Get(ctx context.Context, path string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Open builds the backend selected by cfg, scoped under cfg.Prefix when set.
func Open(ctx context.Context, cfg config.StoreConfig) (ObjectStore, error) {
	var (
		s   ObjectStore
		err error
	)
	switch cfg.Backend {
	case "memory":
		s = NewMemory()
	case "fs", "":
		s, err = NewFS(cfg.Root)
	case "minio":
		s, err = NewMinIO(ctx, cfg)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return WithPrefix(s, cfg.Prefix), nil
}

// JobPrefix is the key prefix for everything a job writes.
func JobPrefix(jobID string) string { return path.Join("jobs", jobID) }

// InputKey is where a submitted input file is stored.
func InputKey(jobID, name string) string {
	return path.Join(JobPrefix(jobID), "input", artifact.SafeName(name))
}

// ChunkKey is where a planned chunk's text is stored.
func ChunkKey(jobID string, c chunk.Chunk) string {
	return path.Join(JobPrefix(jobID), chunk.ObjectKey(c))
}

// ResultKey is where one chunk's extraction summary is stored.
func ResultKey(jobID string, index, part int) string {
	name := fmt.Sprintf("chunk_%d.json", index+1)
	if part > 0 {
		name = fmt.Sprintf("chunk_%d_part_%d.json", index+1, part)
	}
	return path.Join(JobPrefix(jobID), "results", name)
}

// ManifestKey is where the aggregated manifest is stored.
func ManifestKey(jobID string) string {
	return path.Join(JobPrefix(jobID), "manifest.json")
}
