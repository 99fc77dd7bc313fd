// Package aggregate merges per-chunk extraction results back into one
// job result, in chunk order.
package aggregate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zulandar/conveyor/internal/artifact"
	"github.com/zulandar/conveyor/internal/chunk"
	"github.com/zulandar/conveyor/internal/extract"
)

// ChunkResult is everything one chunk produced. A chunk re-split after a
// model timeout carries one summary per part.
type ChunkResult struct {
	Chunk     chunk.Chunk
	Summaries []extract.Summary
	// Err is set when the chunk's extraction did not complete.
	Err error
}

// Incomplete reports whether the chunk lost any output.
func (r ChunkResult) Incomplete() bool {
	if r.Err != nil {
		return true
	}
	for _, s := range r.Summaries {
		if s.Partial() {
			return true
		}
	}
	return false
}

// Section is a section as seen by one chunk. Sections of the same name in
// different chunks stay separate.
type Section struct {
	Name       string          `json:"name"`
	ChunkIndex int             `json:"chunk_index"`
	Artifacts  []extract.Saved `json:"artifacts"`
}

// Result is the merged output of a job.
type Result struct {
	// Text is the input reassembled from chunk contents, overlaps removed.
	Text      string
	Chunks    int
	Partial   bool
	Artifacts []extract.Saved
	Sections  []Section
	// BySection maps a section name to artifact locations across chunks.
	BySection map[string][]string
	// Incomplete lists dropped artifacts as namespace/name.
	Incomplete   []string
	FailedChunks []int
}

// Aggregate orders results by chunk index and merges them. The input
// slice is not modified.
func Aggregate(results []ChunkResult) Result {
	sorted := append([]ChunkResult(nil), results...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Chunk.Index < sorted[j].Chunk.Index })

	out := Result{Chunks: len(sorted), BySection: make(map[string][]string)}
	var text strings.Builder
	for _, r := range sorted {
		text.WriteString(r.Chunk.Content())
		if r.Incomplete() {
			out.Partial = true
		}
		if r.Err != nil {
			out.FailedChunks = append(out.FailedChunks, r.Chunk.Index)
		}

		var sections []Section
		find := func(name string) *Section {
			for i := range sections {
				if sections[i].Name == name {
					return &sections[i]
				}
			}
			sections = append(sections, Section{Name: name, ChunkIndex: r.Chunk.Index})
			return &sections[len(sections)-1]
		}
		for _, s := range r.Summaries {
			for _, name := range s.Sections {
				find(name)
			}
			for _, sv := range s.Saved {
				sec := find(sv.Section)
				sec.Artifacts = append(sec.Artifacts, sv)
				out.Artifacts = append(out.Artifacts, sv)
				out.BySection[sv.Section] = append(out.BySection[sv.Section], sv.Location)
			}
			ns := artifact.Artifact{SourceChunkIndex: s.ChunkIndex, Part: s.Part}.Namespace()
			for _, name := range s.Incomplete {
				if ns != "" {
					name = ns + "/" + name
				}
				out.Incomplete = append(out.Incomplete, name)
			}
		}
		out.Sections = append(out.Sections, sections...)
	}
	out.Text = text.String()
	return out
}

// OutputRefs returns the locations of every saved artifact in order.
func (r Result) OutputRefs() []string {
	refs := make([]string, 0, len(r.Artifacts))
	for _, a := range r.Artifacts {
		refs = append(refs, a.Location)
	}
	return refs
}

// Manifest is the persisted index of a job's output.
type Manifest struct {
	JobID        string              `json:"job_id"`
	Chunks       int                 `json:"chunks"`
	Partial      bool                `json:"partial"`
	TextChars    int                 `json:"text_chars"`
	Artifacts    []extract.Saved     `json:"artifacts"`
	Sections     []Section           `json:"sections"`
	BySection    map[string][]string `json:"by_section"`
	Incomplete   []string            `json:"incomplete,omitempty"`
	FailedChunks []int               `json:"failed_chunks,omitempty"`
}

// Manifest builds the manifest for jobID.
func (r Result) Manifest(jobID string) Manifest {
	return Manifest{
		JobID:        jobID,
		Chunks:       r.Chunks,
		Partial:      r.Partial,
		TextChars:    len([]rune(r.Text)),
		Artifacts:    r.Artifacts,
		Sections:     r.Sections,
		BySection:    r.BySection,
		Incomplete:   r.Incomplete,
		FailedChunks: r.FailedChunks,
	}
}

// Encode returns the manifest as indented JSON.
func (m Manifest) Encode() ([]byte, error) {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("aggregate: encode manifest: %w", err)
	}
	return b, nil
}
