// Package artifact defines the units extracted from model output: their
// kind classification, section grouping, and persisted path layout.
package artifact

import (
	"fmt"
	"path"
	"strings"
)

// Kind classifies artifact content, enough to pick a content-type header.
type Kind string

const (
	// KindText is plain prose or anything unclassified.
	KindText Kind = "text"
	// KindStructuredConfig is YAML, JSON or similar machine-readable configuration.
	KindStructuredConfig Kind = "structured-config"
	// KindMarkup is markdown or HTML documentation.
	KindMarkup Kind = "markup"
	// KindScript is executable source code.
	KindScript Kind = "script"
)

var kindAliases = map[string]Kind{
	"text":              KindText,
	"txt":               KindText,
	"plain":             KindText,
	"structured-config": KindStructuredConfig,
	"config":            KindStructuredConfig,
	"yaml":              KindStructuredConfig,
	"yml":               KindStructuredConfig,
	"json":              KindStructuredConfig,
	"toml":              KindStructuredConfig,
	"markup":            KindMarkup,
	"markdown":          KindMarkup,
	"md":                KindMarkup,
	"html":              KindMarkup,
	"xml":               KindMarkup,
	"script":            KindScript,
	"code":              KindScript,
	"python":            KindScript,
	"py":                KindScript,
	"sh":                KindScript,
	"bash":              KindScript,
	"javascript":        KindScript,
	"js":                KindScript,
	"go":                KindScript,
	"java":              KindScript,
	"sql":               KindScript,
	"cobol":             KindScript,
}

// ParseKind maps a marker's kind label (or file extension) to a Kind.
func ParseKind(s string) (Kind, bool) {
	k, ok := kindAliases[strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "."))]
	return k, ok
}

// KindFromName infers the kind from a file name's extension.
func KindFromName(name string) (Kind, bool) {
	ext := path.Ext(name)
	if ext == "" {
		return "", false
	}
	return ParseKind(ext)
}

type sectionDefault struct {
	kind Kind
	ext  string
}

var sectionDefaults = map[string]sectionDefault{
	"CLOUDFORMATION":   {KindStructuredConfig, ".yaml"},
	"TEMPLATE":         {KindStructuredConfig, ".yaml"},
	"TEMPLATES":        {KindStructuredConfig, ".yaml"},
	"IAM_ROLES":        {KindStructuredConfig, ".json"},
	"IAM":              {KindStructuredConfig, ".json"},
	"DYNAMODB":         {KindStructuredConfig, ".json"},
	"README":           {KindMarkup, ".md"},
	"DOCS":             {KindMarkup, ".md"},
	"DOCUMENTATION":    {KindMarkup, ".md"},
	"LAMBDA":           {KindScript, ".py"},
	"LAMBDA_FUNCTIONS": {KindScript, ".py"},
	"SCRIPTS":          {KindScript, ".sh"},
}

// KindForSection returns the default kind and extension for artifacts in a
// section whose markers do not say otherwise.
func KindForSection(section string) (Kind, string) {
	key := strings.ToUpper(strings.Join(strings.Fields(section), "_"))
	if d, ok := sectionDefaults[key]; ok {
		return d.kind, d.ext
	}
	return KindText, ".txt"
}

// Resolve picks the kind for an artifact: an explicit marker label wins,
// then the file extension, then the section default.
func Resolve(label, name, section string) Kind {
	if k, ok := ParseKind(label); ok {
		return k
	}
	if k, ok := KindFromName(name); ok {
		return k
	}
	k, _ := KindForSection(section)
	return k
}

var contentTypes = map[string]string{
	".yaml": "application/yaml",
	".yml":  "application/yaml",
	".json": "application/json",
	".toml": "application/toml",
	".md":   "text/markdown; charset=utf-8",
	".html": "text/html; charset=utf-8",
	".xml":  "application/xml",
	".py":   "text/x-python",
	".sh":   "text/x-shellscript",
	".js":   "text/javascript",
	".sql":  "application/sql",
}

// ContentTypeFor returns the store content-type header for an artifact.
func ContentTypeFor(name string, kind Kind) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(name))]; ok {
		return ct
	}
	switch kind {
	case KindStructuredConfig:
		return "application/yaml"
	case KindMarkup:
		return "text/markdown; charset=utf-8"
	}
	return "text/plain; charset=utf-8"
}

// Artifact is one closed unit of model output. It is never mutated after
// it is handed to a Sink.
type Artifact struct {
	Name             string
	Kind             Kind
	Section          string
	Content          string
	SourceChunkIndex *int
	Part             int // 1-based part of a re-split chunk, 0 when unsplit
	ByteSize         int
}

// Namespace returns the chunk-scoped path segment, empty for unchunked output.
func (a Artifact) Namespace() string {
	if a.SourceChunkIndex == nil {
		return ""
	}
	ns := fmt.Sprintf("chunk-%03d", *a.SourceChunkIndex+1)
	if a.Part > 0 {
		ns += fmt.Sprintf("-part-%d", a.Part)
	}
	return ns
}

// Path builds the store key for a under prefix:
// prefix/artifacts/<section>/<namespace>/<name>.
func Path(prefix string, a Artifact) string {
	parts := []string{prefix, "artifacts", Slug(a.Section)}
	if ns := a.Namespace(); ns != "" {
		parts = append(parts, ns)
	}
	parts = append(parts, SafeName(a.Name))
	return path.Join(parts...)
}

// Slug lowercases s and replaces runs of non-alphanumerics with '-'.
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "general"
	}
	return out
}

// SafeName reduces a model-supplied file name to a single safe path element.
func SafeName(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	name = path.Base(path.Clean("/" + name))
	if name == "/" {
		return "artifact"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return "artifact"
	}
	return out
}

// StripFences removes a leading ```lang line and a trailing ``` line.
func StripFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		t = t[i+1:]
	} else {
		return ""
	}
	t = strings.TrimRight(t, " \t\r\n")
	t = strings.TrimSuffix(t, "```")
	return strings.TrimRight(t, " \t\r\n") + "\n"
}
