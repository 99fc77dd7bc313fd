package repair

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/zulandar/conveyor/internal/artifact"
	"github.com/zulandar/conveyor/internal/config"
)

// maxCommandErrors bounds the lines kept from a failing validator command.
const maxCommandErrors = 20

// YAML checks that every document in the artifact parses.
type YAML struct{}

func (YAML) Validate(ctx context.Context, a artifact.Artifact) (Outcome, error) {
	if strings.TrimSpace(a.Content) == "" {
		return Fail("document is empty"), nil
	}
	dec := yaml.NewDecoder(strings.NewReader(a.Content))
	for doc := 1; ; doc++ {
		var n yaml.Node
		err := dec.Decode(&n)
		if errors.Is(err, io.EOF) {
			return Pass(), nil
		}
		if err != nil {
			return Fail(fmt.Sprintf("document %d: %v", doc, err)), nil
		}
	}
}

// JSON checks that the artifact is a single JSON value.
type JSON struct{}

func (JSON) Validate(ctx context.Context, a artifact.Artifact) (Outcome, error) {
	var v any
	if err := json.Unmarshal([]byte(a.Content), &v); err != nil {
		return Fail(jsonError(a.Content, err)), nil
	}
	return Pass(), nil
}

func jsonError(content string, err error) string {
	var se *json.SyntaxError
	if errors.As(err, &se) {
		line := 1 + strings.Count(content[:min(int(se.Offset), len(content))], "\n")
		return fmt.Sprintf("line %d: %v", line, se)
	}
	return err.Error()
}

// Schema validates YAML or JSON content against a JSON Schema.
type Schema struct {
	schema *jsonschema.Schema
}

// NewSchema compiles the schema at file path or URL loc.
func NewSchema(loc string) (*Schema, error) {
	s, err := jsonschema.NewCompiler().Compile(loc)
	if err != nil {
		return nil, fmt.Errorf("repair: compile schema %s: %w", loc, err)
	}
	return &Schema{schema: s}, nil
}

// NewSchemaFromBytes compiles an in-memory schema document.
func NewSchemaFromBytes(data []byte) (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("repair: add schema: %w", err)
	}
	s, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("repair: compile schema: %w", err)
	}
	return &Schema{schema: s}, nil
}

func (s *Schema) Validate(ctx context.Context, a artifact.Artifact) (Outcome, error) {
	doc, err := decodeDocument(a)
	if err != nil {
		return Fail(err.Error()), nil
	}
	err = s.schema.Validate(doc)
	if err == nil {
		return Pass(), nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return Outcome{}, fmt.Errorf("repair: schema validate: %w", err)
	}
	var msgs []string
	collectLeaves(ve, &msgs)
	return Fail(msgs...), nil
}

// decodeDocument returns the content as JSON-compatible values. YAML is
// round-tripped through JSON so numbers and maps match what the schema
// library expects.
func decodeDocument(a artifact.Artifact) (any, error) {
	data := []byte(a.Content)
	switch strings.ToLower(path.Ext(a.Name)) {
	case ".yaml", ".yml":
		var y any
		if err := yaml.Unmarshal(data, &y); err != nil {
			return nil, err
		}
		b, err := json.Marshal(y)
		if err != nil {
			return nil, fmt.Errorf("convert yaml: %w", err)
		}
		data = b
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, errors.New(jsonError(string(data), err))
	}
	return v, nil
}

func collectLeaves(ve *jsonschema.ValidationError, out *[]string) {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*out = append(*out, fmt.Sprintf("%s: %s", loc, ve.Message))
		return
	}
	for _, c := range ve.Causes {
		collectLeaves(c, out)
	}
}

// Command validates by running an external checker on a temporary copy of
// the artifact. A "{file}" argument is replaced by the copy's path;
// otherwise the path is appended. Non-zero exit means invalid, and the
// command's output lines become the errors.
type Command struct {
	Binary string
	Args   []string
}

func (c *Command) Validate(ctx context.Context, a artifact.Artifact) (Outcome, error) {
	dir, err := os.MkdirTemp("", "conveyor-validate-")
	if err != nil {
		return Outcome{}, fmt.Errorf("repair: temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	file := filepath.Join(dir, path.Base(artifact.SafeName(a.Name)))
	if err := os.WriteFile(file, []byte(a.Content), 0o600); err != nil {
		return Outcome{}, fmt.Errorf("repair: write temp artifact: %w", err)
	}

	args := make([]string, 0, len(c.Args)+1)
	substituted := false
	for _, arg := range c.Args {
		if strings.Contains(arg, "{file}") {
			arg = strings.ReplaceAll(arg, "{file}", file)
			substituted = true
		}
		args = append(args, arg)
	}
	if !substituted {
		args = append(args, file)
	}

	out, err := exec.CommandContext(ctx, c.Binary, args...).CombinedOutput()
	if err == nil {
		return Pass(), nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || ctx.Err() != nil {
		return Outcome{}, fmt.Errorf("repair: run %s: %w", c.Binary, err)
	}

	var errs []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(strings.ReplaceAll(line, file, a.Name))
		if line == "" {
			continue
		}
		errs = append(errs, line)
		if len(errs) == maxCommandErrors {
			break
		}
	}
	if len(errs) == 0 {
		errs = []string{exitErr.Error()}
	}
	return Fail(errs...), nil
}

// Chain runs validators in order and stops at the first failure, so cheap
// syntax checks gate the expensive ones.
type Chain []Validator

func (ch Chain) Validate(ctx context.Context, a artifact.Artifact) (Outcome, error) {
	for _, v := range ch {
		out, err := v.Validate(ctx, a)
		if err != nil || !out.OK {
			return out, err
		}
	}
	return Pass(), nil
}

// FromConfig builds the validator list named in cfg.Validators.
func FromConfig(cfg config.RepairConfig) (Validator, error) {
	var chain Chain
	for _, name := range cfg.Validators {
		switch name {
		case "yaml":
			chain = append(chain, YAML{})
		case "json":
			chain = append(chain, JSON{})
		case "jsonschema":
			s, err := NewSchema(cfg.SchemaPath)
			if err != nil {
				return nil, err
			}
			chain = append(chain, s)
		case "command":
			chain = append(chain, &Command{Binary: cfg.Command, Args: cfg.Args})
		default:
			return nil, fmt.Errorf("repair: unknown validator %q", name)
		}
	}
	if len(chain) == 0 {
		return nil, errors.New("repair: no validators configured")
	}
	if len(chain) == 1 {
		return chain[0], nil
	}
	return chain, nil
}

// TargetFromConfig returns cfg's artifact selector.
func TargetFromConfig(cfg config.RepairConfig) Target {
	t := Target{Pattern: cfg.TargetPattern}
	if cfg.TargetKind != "" {
		if k, ok := artifact.ParseKind(cfg.TargetKind); ok {
			t.Kind = k
		}
	}
	return t
}
