package store

import (
	"context"
	"strings"
)

type prefixed struct {
	inner  ObjectStore
	prefix string
}

// WithPrefix scopes s under prefix. Keys passed in and returned by List are
// relative to the prefix. An empty prefix returns s unchanged.
func WithPrefix(s ObjectStore, prefix string) ObjectStore {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return s
	}
	return &prefixed{inner: s, prefix: prefix + "/"}
}

func (p *prefixed) Put(ctx context.Context, path string, data []byte, contentType string) error {
	return p.inner.Put(ctx, p.prefix+path, data, contentType)
}

func (p *prefixed) Get(ctx context.Context, path string) ([]byte, error) {
	return p.inner.Get(ctx, p.prefix+path)
}

func (p *prefixed) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := p.inner.List(ctx, p.prefix+prefix)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, p.prefix)
	}
	return keys, nil
}
