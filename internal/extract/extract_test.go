package extract

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/zulandar/conveyor/internal/artifact"
)

func intPtr(i int) *int { return &i }

const transcript = `Here is the analysis.
## CLOUDFORMATION
Intro prose for the template.
--- FILE: template.yaml [yaml] ---
Resources:
  Table:
    Type: AWS::DynamoDB::Table
--- END FILE ---
## LAMBDA FUNCTIONS
--- FILE: handler.py ---
def handler(event, context):
    return {"ok": True}
--- END FILE ---
`

func names(saved []Saved) []string {
	out := make([]string, 0, len(saved))
	for _, s := range saved {
		out = append(out, s.Name)
	}
	return out
}

// hookStream calls onRecv before each Recv.
type hookStream struct {
	inner  DeltaStream
	calls  int
	onRecv func(call int)
}

func (h *hookStream) Recv() (string, error) {
	if h.onRecv != nil {
		h.onRecv(h.calls)
	}
	h.calls++
	return h.inner.Recv()
}

func TestTokenizer_Classify(t *testing.T) {
	tok := DefaultTokenizer()
	tests := []struct {
		line string
		want Marker
	}{
		{"## CLOUDFORMATION", Marker{Class: MarkerSectionOpen, Name: "CLOUDFORMATION"}},
		{"### IAM ROLES", Marker{Class: MarkerSectionOpen, Name: "IAM ROLES"}},
		{"=== Step Functions ===", Marker{Class: MarkerSectionOpen, Name: "Step Functions"}},
		{"# Getting started", Marker{Class: MarkerNone}},
		{"--- FILE: template.yaml [yaml] ---", Marker{Class: MarkerFileOpen, Name: "template.yaml", Kind: "yaml"}},
		{"--- BEGIN FILE: main-app.py ---", Marker{Class: MarkerFileOpen, Name: "main-app.py"}},
		{`<file name="schema.json" type="json">`, Marker{Class: MarkerFileOpen, Name: "schema.json", Kind: "json"}},
		{"--- END FILE ---", Marker{Class: MarkerFileClose}},
		{"---- END ----\r", Marker{Class: MarkerFileClose}},
		{"</file>", Marker{Class: MarkerFileClose}},
		{"---", Marker{Class: MarkerNone}},
		{"plain text line", Marker{Class: MarkerNone}},
	}
	for _, tt := range tests {
		if got := tok.Classify(tt.line); got != tt.want {
			t.Errorf("Classify(%q) = %+v, want %+v", tt.line, got, tt.want)
		}
	}
}

func TestNewTokenizer_InvalidPattern(t *testing.T) {
	_, err := NewTokenizer(Patterns{Section: []string{"(unclosed"}})
	if err == nil {
		t.Fatal("expected compile error")
	}
	if !strings.Contains(err.Error(), "extract: compile pattern") {
		t.Errorf("error = %q, want compile pattern prefix", err)
	}
}

func TestNewTokenizer_CustomPatterns(t *testing.T) {
	tok, err := NewTokenizer(Patterns{
		FileOpen:  []string{`^>>> (?P<name>\S+)$`},
		FileClose: []string{`^<<<$`},
	})
	if err != nil {
		t.Fatal(err)
	}
	c := &artifact.Collector{}
	sum, err := Extract(context.Background(), StreamOf(">>> a.json\n{}\n<<<\n"), c, Options{Tokenizer: tok})
	if err != nil {
		t.Fatal(err)
	}
	if got := names(sum.Saved); !reflect.DeepEqual(got, []string{"a.json"}) {
		t.Errorf("saved = %v, want [a.json]", got)
	}
}

func TestExtract_Transcript(t *testing.T) {
	c := &artifact.Collector{Prefix: "jobs/j1"}
	sum, err := Extract(context.Background(), StreamOf(transcript), c, Options{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got := names(sum.Saved); !reflect.DeepEqual(got, []string{"template.yaml", "handler.py"}) {
		t.Fatalf("saved = %v, want [template.yaml handler.py]", got)
	}
	if sum.Partial() {
		t.Errorf("Partial() = true, want false; incomplete %v", sum.Incomplete)
	}
	if !reflect.DeepEqual(sum.Sections, []string{"CLOUDFORMATION", "LAMBDA FUNCTIONS"}) {
		t.Errorf("Sections = %v", sum.Sections)
	}

	arts := c.Artifacts()
	tmpl := arts[0]
	if tmpl.Kind != artifact.KindStructuredConfig || tmpl.Section != "CLOUDFORMATION" {
		t.Errorf("template = kind %q section %q", tmpl.Kind, tmpl.Section)
	}
	wantBody := "Resources:\n  Table:\n    Type: AWS::DynamoDB::Table\n"
	if tmpl.Content != wantBody {
		t.Errorf("template content = %q, want %q", tmpl.Content, wantBody)
	}
	if tmpl.ByteSize != len(wantBody) {
		t.Errorf("ByteSize = %d, want %d", tmpl.ByteSize, len(wantBody))
	}
	if arts[1].Kind != artifact.KindScript {
		t.Errorf("handler kind = %q, want script", arts[1].Kind)
	}
	if sum.Saved[0].Location != "jobs/j1/artifacts/cloudformation/template.yaml" {
		t.Errorf("location = %q", sum.Saved[0].Location)
	}
}

func TestExtract_ByteAtATime(t *testing.T) {
	var parts []string
	for _, r := range transcript {
		parts = append(parts, string(r))
	}
	whole := &artifact.Collector{}
	split := &artifact.Collector{}
	if _, err := Extract(context.Background(), StreamOf(transcript), whole, Options{}); err != nil {
		t.Fatal(err)
	}
	sum, err := Extract(context.Background(), StreamOf(parts...), split, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Deltas != len(parts) {
		t.Errorf("Deltas = %d, want %d", sum.Deltas, len(parts))
	}
	if sum.Bytes != len(transcript) {
		t.Errorf("Bytes = %d, want %d", sum.Bytes, len(transcript))
	}
	if !reflect.DeepEqual(whole.Artifacts(), split.Artifacts()) {
		t.Error("artifacts differ between whole and byte-at-a-time delivery")
	}
}

func TestExtract_SavesBeforeStreamEnds(t *testing.T) {
	c := &artifact.Collector{}
	savedAtSecondRecv := -1
	stream := &hookStream{
		inner: StreamOf(
			"## S\n--- FILE: first.txt ---\none\n--- END FILE ---\n",
			"--- FILE: second.txt ---\ntwo\n",
			"--- END FILE ---\n",
		),
		onRecv: func(call int) {
			if call == 1 {
				savedAtSecondRecv = c.Saves()
			}
		},
	}
	if _, err := Extract(context.Background(), stream, c, Options{}); err != nil {
		t.Fatal(err)
	}
	if savedAtSecondRecv != 1 {
		t.Errorf("artifacts saved before second delta = %d, want 1", savedAtSecondRecv)
	}
	if c.Saves() != 2 {
		t.Errorf("Saves() = %d, want 2", c.Saves())
	}
}

func TestExtract_IncompleteArtifact(t *testing.T) {
	c := &artifact.Collector{}
	sum, err := Extract(context.Background(), StreamOf(
		"## S\n--- FILE: ok.txt ---\nfine\n--- END FILE ---\n",
		"--- FILE: X ---\npartial content",
	), c, Options{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !reflect.DeepEqual(sum.Incomplete, []string{"X"}) {
		t.Errorf("Incomplete = %v, want [X]", sum.Incomplete)
	}
	for _, a := range c.Artifacts() {
		if a.Name == "X" {
			t.Fatal("sink received incomplete artifact X")
		}
	}
	if len(sum.Dropped) != 1 || sum.Dropped[0].Bytes != len("partial content\n") || sum.Dropped[0].Section != "S" {
		t.Errorf("Dropped = %+v", sum.Dropped)
	}
	if !sum.Partial() {
		t.Error("Partial() = false, want true")
	}
}

func TestExtract_ImplicitClose(t *testing.T) {
	c := &artifact.Collector{}
	sum, err := Extract(context.Background(), StreamOf(
		"## A\n",
		"--- FILE: one.txt ---\n1\n",
		"--- FILE: two.txt ---\n2\n",
		"## B\n",
		"--- FILE: three.txt ---\n3\n--- END FILE ---\n",
	), c, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got := names(sum.Saved); !reflect.DeepEqual(got, []string{"one.txt", "two.txt", "three.txt"}) {
		t.Fatalf("saved = %v", got)
	}
	arts := c.Artifacts()
	if arts[0].Content != "1\n" || arts[1].Content != "2\n" {
		t.Errorf("contents = %q, %q", arts[0].Content, arts[1].Content)
	}
	if arts[1].Section != "A" || arts[2].Section != "B" {
		t.Errorf("sections = %q, %q; want A, B", arts[1].Section, arts[2].Section)
	}
}

func TestExtract_ChunkNamespace(t *testing.T) {
	c := &artifact.Collector{Prefix: "jobs/j"}
	in := "## CLOUDFORMATION\n--- FILE: template.yaml ---\na: 1\n--- END FILE ---\n"
	sum, err := Extract(context.Background(), StreamOf(in), c, Options{ChunkIndex: intPtr(2), Part: 1})
	if err != nil {
		t.Fatal(err)
	}
	want := "jobs/j/artifacts/cloudformation/chunk-003-part-1/template.yaml"
	if sum.Saved[0].Location != want {
		t.Errorf("location = %q, want %q", sum.Saved[0].Location, want)
	}
	if sum.ChunkIndex == nil || *sum.ChunkIndex != 2 || sum.Part != 1 {
		t.Errorf("summary chunk = %v part %d", sum.ChunkIndex, sum.Part)
	}
	if a := c.Artifacts()[0]; a.SourceChunkIndex == nil || *a.SourceChunkIndex != 2 {
		t.Errorf("SourceChunkIndex = %v, want 2", a.SourceChunkIndex)
	}
}

func TestExtract_StripsFences(t *testing.T) {
	c := &artifact.Collector{}
	in := "--- FILE: cfg.json ---\n```json\n{\"a\": 1}\n```\n--- END FILE ---\n"
	if _, err := Extract(context.Background(), StreamOf(in), c, Options{}); err != nil {
		t.Fatal(err)
	}
	if got := c.Artifacts()[0].Content; got != "{\"a\": 1}\n" {
		t.Errorf("content = %q, want fence-free JSON", got)
	}
}

func TestExtract_XMLMarkers(t *testing.T) {
	c := &artifact.Collector{}
	in := "=== DOCS ===\n<file name=\"guide\" type=\"markdown\">\n# Guide\n\nText.\n</file>\n"
	sum, err := Extract(context.Background(), StreamOf(in), c, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Saved) != 1 || sum.Saved[0].Kind != artifact.KindMarkup {
		t.Fatalf("saved = %+v", sum.Saved)
	}
	if got := c.Artifacts()[0].Content; got != "# Guide\n\nText.\n" {
		t.Errorf("content = %q", got)
	}
}

func TestExtract_SectionTextCapture(t *testing.T) {
	c := &artifact.Collector{}
	in := "preamble ignored\n## README\nProject overview.\nMore words.\n## CLOUDFORMATION\n--- FILE: t.yaml ---\na: 1\n--- END FILE ---\nClosing notes.\n"
	sum, err := Extract(context.Background(), StreamOf(in), c, Options{CaptureSectionText: true})
	if err != nil {
		t.Fatal(err)
	}
	if got := names(sum.Saved); !reflect.DeepEqual(got, []string{"readme.md", "t.yaml", "cloudformation.md"}) {
		t.Fatalf("saved = %v", got)
	}
	if got := c.Artifacts()[0].Content; got != "Project overview.\nMore words.\n" {
		t.Errorf("readme prose = %q", got)
	}
	if got := c.Artifacts()[2].Content; got != "Closing notes.\n" {
		t.Errorf("closing prose = %q", got)
	}
}

func TestExtract_StrayCloseIgnored(t *testing.T) {
	c := &artifact.Collector{}
	sum, err := Extract(context.Background(), StreamOf("--- END FILE ---\ntext\n"), c, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Saved) != 0 || len(sum.Incomplete) != 0 {
		t.Errorf("summary = %+v, want nothing saved", sum)
	}
}

func TestExtract_CloseMarkerWithoutTrailingNewline(t *testing.T) {
	c := &artifact.Collector{}
	sum, err := Extract(context.Background(), StreamOf("--- FILE: a.txt ---\nx\n--- END FILE ---"), c, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Saved) != 1 || sum.Partial() {
		t.Errorf("summary = %+v, want a.txt saved", sum)
	}
}

func TestExtract_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &artifact.Collector{}
	stream := &hookStream{
		inner: StreamOf(
			"--- FILE: done.txt ---\nd\n--- END FILE ---\n",
			"--- FILE: open.txt ---\nhalf\n",
			"rest\n--- END FILE ---\n",
		),
		onRecv: func(call int) {
			if call == 1 {
				cancel()
			}
		},
	}
	sum, err := Extract(ctx, stream, c, Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Extract() error = %v, want context.Canceled", err)
	}
	if got := names(sum.Saved); !reflect.DeepEqual(got, []string{"done.txt"}) {
		t.Errorf("saved = %v, want [done.txt]", got)
	}
	if !reflect.DeepEqual(sum.Incomplete, []string{"open.txt"}) {
		t.Errorf("Incomplete = %v, want [open.txt]", sum.Incomplete)
	}
}

func TestExtract_StreamError(t *testing.T) {
	boom := errors.New("connection reset")
	s := StreamOf("--- FILE: a.txt ---\npartial\n")
	s.Err = boom
	c := &artifact.Collector{}
	sum, err := Extract(context.Background(), s, c, Options{})
	if !errors.Is(err, boom) {
		t.Fatalf("Extract() error = %v, want %v", err, boom)
	}
	if c.Saves() != 0 {
		t.Errorf("Saves() = %d, want 0", c.Saves())
	}
	if !reflect.DeepEqual(sum.Incomplete, []string{"a.txt"}) {
		t.Errorf("Incomplete = %v, want [a.txt]", sum.Incomplete)
	}
}

func TestExtract_SinkError(t *testing.T) {
	boom := errors.New("bucket unavailable")
	sink := artifact.SinkFunc(func(context.Context, artifact.Artifact) (string, error) { return "", boom })
	_, err := Extract(context.Background(), StreamOf("--- FILE: a.txt ---\nx\n--- END FILE ---\n"), sink, Options{})
	if !errors.Is(err, boom) {
		t.Fatalf("Extract() error = %v, want %v", err, boom)
	}
}

func TestReaderStream(t *testing.T) {
	c := &artifact.Collector{}
	sum, err := Extract(context.Background(), NewReaderStream(strings.NewReader(transcript), 7), c, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Saved) != 2 {
		t.Errorf("saved = %d, want 2", len(sum.Saved))
	}
	if sum.Deltas != (len(transcript)+6)/7 {
		t.Errorf("Deltas = %d, want %d", sum.Deltas, (len(transcript)+6)/7)
	}
}

func TestIncompleteArtifactError(t *testing.T) {
	e := &IncompleteArtifactError{Name: "X", Section: "S", Bytes: 12}
	if !strings.Contains(e.Error(), `"X"`) || !strings.Contains(e.Error(), "12 bytes") {
		t.Errorf("Error() = %q", e.Error())
	}
}
