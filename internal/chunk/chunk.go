// Package chunk plans how oversized input text is split for the model.
package chunk

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrEmptyInput is returned when there is nothing to chunk.
var ErrEmptyInput = errors.New("chunk: empty input")

// Chunk is one contiguous slice of the input. Text starts with
// OverlapWithPrevious characters repeated from the previous chunk.
// Start and End are rune offsets of the chunk's own content in the input.
type Chunk struct {
	Index               int
	Total               int
	Text                string
	OverlapWithPrevious int
	Start               int
	End                 int
}

// Content returns the chunk text without its overlap prefix.
func (c Chunk) Content() string {
	return string([]rune(c.Text)[c.OverlapWithPrevious:])
}

// Len returns the chunk text length in characters.
func (c Chunk) Len() int { return utf8.RuneCountInString(c.Text) }

// boundary classes in preference order. cut is the offset inside the
// separator where the split lands.
var boundaries = []struct {
	sep string
	cut int
}{
	{"\n--- ", 1},
	{"\n\n", 2},
	{". ", 2},
	{"! ", 2},
	{"? ", 2},
	{"\n", 1},
	{" ", 1},
}

// Plan splits text into chunks of at most maxChars characters. Text that fits
// is returned as a single chunk. Every chunk after the first repeats up to
// overlap characters of the preceding text.
func Plan(text string, maxChars, overlap int) ([]Chunk, error) {
	if maxChars <= 0 {
		return nil, fmt.Errorf("chunk: max chars must be positive, got %d", maxChars)
	}
	if overlap < 0 || overlap >= maxChars {
		return nil, fmt.Errorf("chunk: overlap %d must be in [0, %d)", overlap, maxChars)
	}
	r := []rune(text)
	n := len(r)
	if n == 0 {
		return nil, ErrEmptyInput
	}
	if n <= maxChars {
		return []Chunk{{Index: 0, Total: 1, Text: text, Start: 0, End: n}}, nil
	}

	var chunks []Chunk
	for start := 0; start < n; {
		ov := 0
		if start > 0 {
			ov = min(overlap, start)
		}
		limit := start + maxChars - ov
		end := n
		if limit < n {
			end = cut(r, start, limit)
		}
		chunks = append(chunks, Chunk{
			Index:               len(chunks),
			Text:                string(r[start-ov : end]),
			OverlapWithPrevious: ov,
			Start:               start,
			End:                 end,
		})
		start = end
	}
	for i := range chunks {
		chunks[i].Total = len(chunks)
	}
	return chunks, nil
}

// cut picks the split offset for the window r[start:limit]. Boundaries in
// the second half of the window are preferred, then any boundary in the
// window. A window without any boundary is hard-split at limit.
func cut(r []rune, start, limit int) int {
	floor := start + (limit-start)/2
	if i, ok := lastBoundary(r, floor, limit); ok {
		return i
	}
	if i, ok := lastBoundary(r, start, limit); ok {
		return i
	}
	return limit
}

// lastBoundary returns the split offset of the most preferred boundary
// class found in r[from:limit], searching each class from the right.
func lastBoundary(r []rune, from, limit int) (int, bool) {
	for _, b := range boundaries {
		sep := []rune(b.sep)
		for i := limit - len(sep); i >= from; i-- {
			if runesAt(r, i, sep) {
				return i + b.cut, true
			}
		}
	}
	return 0, false
}

func runesAt(r []rune, i int, sep []rune) bool {
	if i < 0 || i+len(sep) > len(r) {
		return false
	}
	for j, c := range sep {
		if r[i+j] != c {
			return false
		}
	}
	return true
}

// Join reassembles chunks in index order, dropping each overlap prefix.
func Join(chunks []Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Content())
	}
	return b.String()
}

// Halve re-plans a chunk's text at roughly half size for a retry after a
// model timeout.
func Halve(c Chunk, overlap int) ([]Chunk, error) {
	n := c.Len()
	ov := min(overlap, n/10)
	size := (n+1)/2 + ov
	if ov >= size {
		ov = 0
	}
	return Plan(c.Text, size, ov)
}

// EstimateTokens approximates the model token count at four characters per token.
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// ObjectKey is the store key for a persisted chunk, relative to the job prefix.
func ObjectKey(c Chunk) string {
	return fmt.Sprintf("chunks/chunk_%d_of_%d.txt", c.Index+1, c.Total)
}
