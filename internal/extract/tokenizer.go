package extract

import (
	"fmt"
	"regexp"
	"strings"
)

// MarkerClass is the role a line plays in the model's output.
type MarkerClass int

const (
	MarkerNone MarkerClass = iota
	MarkerSectionOpen
	MarkerFileOpen
	MarkerFileClose
)

func (c MarkerClass) String() string {
	switch c {
	case MarkerSectionOpen:
		return "section-open"
	case MarkerFileOpen:
		return "file-open"
	case MarkerFileClose:
		return "file-close"
	}
	return "none"
}

// Marker is a classified line. Name and Kind come from the pattern's
// named groups ("name", "kind") when present.
type Marker struct {
	Class MarkerClass
	Name  string
	Kind  string
}

// Patterns holds the regular expressions for each marker class. Patterns
// are matched against single lines without the trailing newline.
type Patterns struct {
	Section   []string
	FileOpen  []string
	FileClose []string
}

// DefaultPatterns recognizes:
//
//	## CLOUDFORMATION
//	=== IAM ROLES ===
//	--- FILE: template.yaml [yaml] ---
//	--- BEGIN FILE: handler.py ---
//	--- END FILE ---
//	<file name="schema.json" type="json">  ...  </file>
var DefaultPatterns = Patterns{
	Section: []string{
		`^\s*#{1,3}\s+(?P<name>[A-Z][A-Z0-9_]*(?:[ _/&-]+[A-Z0-9_]+)*)\s*#*\s*$`,
		`^\s*={3,}\s*(?P<name>[^=]+?)\s*={3,}\s*$`,
	},
	FileOpen: []string{
		`^\s*-{3,}\s*(?:BEGIN\s+)?FILE:\s*(?P<name>[^\[\]]+?)\s*(?:\[(?P<kind>[^\]]+)\])?\s*-{3,}\s*$`,
		`^\s*<file\s+name="(?P<name>[^"]+)"(?:\s+(?:type|kind)="(?P<kind>[^"]*)")?\s*>\s*$`,
	},
	FileClose: []string{
		`^\s*-{3,}\s*END(?:\s+OF)?(?:\s+FILE)?\s*-{3,}\s*$`,
		`^\s*</file>\s*$`,
	},
}

// Tokenizer classifies lines into marker classes. File markers take
// precedence over section markers.
type Tokenizer struct {
	section   []*regexp.Regexp
	fileOpen  []*regexp.Regexp
	fileClose []*regexp.Regexp
}

// NewTokenizer compiles p. Empty pattern lists fall back to DefaultPatterns.
func NewTokenizer(p Patterns) (*Tokenizer, error) {
	if len(p.Section) == 0 {
		p.Section = DefaultPatterns.Section
	}
	if len(p.FileOpen) == 0 {
		p.FileOpen = DefaultPatterns.FileOpen
	}
	if len(p.FileClose) == 0 {
		p.FileClose = DefaultPatterns.FileClose
	}
	var t Tokenizer
	var err error
	if t.section, err = compileAll(p.Section); err != nil {
		return nil, err
	}
	if t.fileOpen, err = compileAll(p.FileOpen); err != nil {
		return nil, err
	}
	if t.fileClose, err = compileAll(p.FileClose); err != nil {
		return nil, err
	}
	return &t, nil
}

// DefaultTokenizer returns a tokenizer for DefaultPatterns.
func DefaultTokenizer() *Tokenizer {
	t, err := NewTokenizer(DefaultPatterns)
	if err != nil {
		panic(err)
	}
	return t
}

func compileAll(exprs []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		re, err := regexp.Compile(e)
		if err != nil {
			return nil, fmt.Errorf("extract: compile pattern %q: %w", e, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Classify returns the marker for one line.
func (t *Tokenizer) Classify(line string) Marker {
	line = strings.TrimRight(line, "\r")
	if m, ok := match(t.fileClose, line); ok {
		m.Class = MarkerFileClose
		return m
	}
	if m, ok := match(t.fileOpen, line); ok {
		m.Class = MarkerFileOpen
		return m
	}
	if m, ok := match(t.section, line); ok {
		m.Class = MarkerSectionOpen
		return m
	}
	return Marker{Class: MarkerNone}
}

func match(res []*regexp.Regexp, line string) (Marker, bool) {
	for _, re := range res {
		sub := re.FindStringSubmatch(line)
		if sub == nil {
			continue
		}
		var m Marker
		if i := re.SubexpIndex("name"); i > 0 {
			m.Name = strings.TrimSpace(sub[i])
		}
		if i := re.SubexpIndex("kind"); i > 0 {
			m.Kind = strings.TrimSpace(sub[i])
		}
		return m, true
	}
	return Marker{}, false
}
