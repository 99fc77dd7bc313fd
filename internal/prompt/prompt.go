// Package prompt loads model prompt templates. Templates live in the object
// store under prompts/{name}/{language}.txt and fall back to the default
// language, then to the copies embedded in the binary.
package prompt

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/conveyor/internal/store"
)

// Template names.
const (
	NameExtract = "extract"
	NameFix     = "fix"
)

// Placeholder names understood by Render.
const (
	VarContent     = "content"
	VarChunkIndex  = "chunk_index"
	VarTotalChunks = "total_chunks"
	VarErrors      = "errors"
	VarArtifact    = "artifact"
)

const (
	DefaultLanguage = "en"
	DefaultTTL      = 5 * time.Minute
)

//go:embed templates/*.txt
var embedded embed.FS

// Source is where templates are fetched from. store.ObjectStore satisfies it.
type Source interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Key returns the object key of a template.
func Key(name, language string) string {
	return path.Join("prompts", name, language+".txt")
}

// Default returns the embedded template for name.
func Default(name string) (string, error) {
	b, err := embedded.ReadFile("templates/" + name + ".txt")
	if err != nil {
		return "", fmt.Errorf("prompt: unknown template %q", name)
	}
	return string(b), nil
}

type entry struct {
	text    string
	fetched time.Time
}

// Manager resolves templates and caches them for a TTL.
type Manager struct {
	src  Source
	lang string
	ttl  time.Duration
	now  func() time.Time
	log  *slog.Logger

	mu    sync.Mutex
	cache map[string]entry
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the cache lifetime. Zero disables caching.
func WithTTL(d time.Duration) Option { return func(m *Manager) { m.ttl = d } }

// WithDefaultLanguage sets the fallback language.
func WithDefaultLanguage(lang string) Option { return func(m *Manager) { m.lang = lang } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// NewManager returns a Manager reading from src. A nil src serves only the
// embedded templates.
func NewManager(src Source, opts ...Option) *Manager {
	m := &Manager{
		src:   src,
		lang:  DefaultLanguage,
		ttl:   DefaultTTL,
		now:   time.Now,
		log:   slog.Default(),
		cache: make(map[string]entry),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Get returns the template name in language.
func (m *Manager) Get(ctx context.Context, name, language string) (string, error) {
	if language == "" {
		language = m.lang
	}
	ck := name + "/" + language

	m.mu.Lock()
	e, ok := m.cache[ck]
	m.mu.Unlock()
	if ok && m.now().Sub(e.fetched) < m.ttl {
		return e.text, nil
	}

	text, ok := m.fetch(ctx, name, language)
	if !ok && language != m.lang {
		m.log.Debug("prompt.fallback", "name", name, "language", language, "default", m.lang)
		text, ok = m.fetch(ctx, name, m.lang)
	}
	if !ok {
		var err error
		if text, err = Default(name); err != nil {
			return "", err
		}
	}

	m.mu.Lock()
	m.cache[ck] = entry{text: text, fetched: m.now()}
	m.mu.Unlock()
	return text, nil
}

func (m *Manager) fetch(ctx context.Context, name, language string) (string, bool) {
	if m.src == nil {
		return "", false
	}
	key := Key(name, language)
	b, err := m.src.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.log.Warn("prompt.fetch", "key", key, "error", err)
		}
		return "", false
	}
	return string(b), true
}

// Vars are placeholder values for Render.
type Vars map[string]string

// Render replaces {{name}} placeholders in tmpl. Unknown placeholders are
// left in place.
func Render(tmpl string, vars Vars) string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{{"+k+"}}", vars[k])
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// ChunkVars returns the placeholders for an extraction prompt. Index is
// 0-based and rendered 1-based.
func ChunkVars(content string, index, total int) Vars {
	return Vars{
		VarContent:     content,
		VarChunkIndex:  strconv.Itoa(index + 1),
		VarTotalChunks: strconv.Itoa(total),
	}
}
