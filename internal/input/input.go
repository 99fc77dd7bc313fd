// Package input turns submitted documents into the text a job plans over.
package input

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// ErrNoFiles is returned when none of the submitted files yielded text.
var ErrNoFiles = errors.New("input: no files processed")

// CombinedName is the input name recorded for a multi-file job.
const CombinedName = "combined.txt"

// File is one submitted document. Err records a failure to read it.
type File struct {
	Name string
	Data []byte
	Err  error
}

// Bundle is the aggregated text of several files.
type Bundle struct {
	Text string
	// Files lists the names included, in order.
	Files []string
	// Skipped lists files that failed to read or were empty.
	Skipped []string
	// Latin1 lists files that were not valid UTF-8.
	Latin1 []string
}

// Decode returns data as UTF-8 text. Data that is not valid UTF-8 is
// decoded as ISO 8859-1, which maps every byte to a character.
func Decode(data []byte) (string, bool) {
	if utf8.Valid(data) {
		return string(data), false
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return strings.ToValidUTF8(string(data), "�"), true
	}
	return string(out), true
}

// Header is the separator line written before a file's text.
func Header(name string) string {
	return fmt.Sprintf("--- FILE: %s ---\n\n", name)
}

// Combine concatenates files, each under a Header and separated by a blank
// line. Files with Err set or no text are skipped.
func Combine(files []File) (Bundle, error) {
	var b Bundle
	var sb strings.Builder
	for _, f := range files {
		if f.Err != nil {
			b.Skipped = append(b.Skipped, f.Name)
			continue
		}
		text, latin1 := Decode(f.Data)
		if strings.TrimSpace(text) == "" {
			b.Skipped = append(b.Skipped, f.Name)
			continue
		}
		if latin1 {
			b.Latin1 = append(b.Latin1, f.Name)
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(Header(f.Name))
		sb.WriteString(text)
		b.Files = append(b.Files, f.Name)
	}
	if len(b.Files) == 0 {
		return b, fmt.Errorf("%w (%d skipped)", ErrNoFiles, len(b.Skipped))
	}
	b.Text = sb.String()
	return b, nil
}
