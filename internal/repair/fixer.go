package repair

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/zulandar/conveyor/internal/artifact"
	"github.com/zulandar/conveyor/internal/llm"
	"github.com/zulandar/conveyor/internal/prompt"
)

// ModelFixer asks the model for a corrected artifact. The reply is
// stripped of surrounding code fences.
type ModelFixer struct {
	Model    llm.Model
	Prompts  *prompt.Manager
	Language string
	Logger   *slog.Logger
}

func (f *ModelFixer) Fix(ctx context.Context, a artifact.Artifact, errs []string) (artifact.Artifact, error) {
	prompts := f.Prompts
	if prompts == nil {
		prompts = prompt.NewManager(nil)
	}
	tmpl, err := prompts.Get(ctx, prompt.NameFix, f.Language)
	if err != nil {
		return artifact.Artifact{}, err
	}

	var list strings.Builder
	for _, e := range errs {
		list.WriteString("- ")
		list.WriteString(e)
		list.WriteString("\n")
	}
	req := llm.Request{Prompt: prompt.Render(tmpl, prompt.Vars{
		prompt.VarErrors:   strings.TrimRight(list.String(), "\n"),
		prompt.VarArtifact: a.Content,
	})}

	out, err := f.Model.Complete(ctx, req)
	if err != nil {
		return artifact.Artifact{}, err
	}
	fixed := artifact.StripFences(out)
	if strings.TrimSpace(fixed) == "" {
		return artifact.Artifact{}, errors.New("repair: model returned an empty artifact")
	}

	next := a
	next.Content = fixed
	next.ByteSize = len(fixed)
	if f.Logger != nil {
		f.Logger.Debug("repair.fixed", "artifact", a.Name, "bytes", next.ByteSize)
	}
	return next, nil
}
