package artifact

import (
	"context"
	"sync"
)

// Sink durably persists closed artifacts. Saving the same artifact name and
// chunk index twice must overwrite, not duplicate.
type Sink interface {
	Save(ctx context.Context, a Artifact) (string, error)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, a Artifact) (string, error)

// Save calls f.
func (f SinkFunc) Save(ctx context.Context, a Artifact) (string, error) { return f(ctx, a) }

// Collector is an in-memory Sink keyed by artifact path.
type Collector struct {
	Prefix string

	mu    sync.Mutex
	order []string
	byLoc map[string]Artifact
	saves int
}

// Save records a under its path.
func (c *Collector) Save(_ context.Context, a Artifact) (string, error) {
	loc := Path(c.Prefix, a)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byLoc == nil {
		c.byLoc = make(map[string]Artifact)
	}
	if _, ok := c.byLoc[loc]; !ok {
		c.order = append(c.order, loc)
	}
	c.byLoc[loc] = a
	c.saves++
	return loc, nil
}

// Artifacts returns the saved artifacts in first-save order.
func (c *Collector) Artifacts() []Artifact {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Artifact, 0, len(c.order))
	for _, loc := range c.order {
		out = append(out, c.byLoc[loc])
	}
	return out
}

// Get returns the artifact stored at loc.
func (c *Collector) Get(loc string) (Artifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.byLoc[loc]
	return a, ok
}

// Saves reports how many Save calls were made, including overwrites.
func (c *Collector) Saves() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saves
}
