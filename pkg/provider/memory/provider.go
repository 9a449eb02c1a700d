// Package memory implements an in-process hot object store.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/3leaps/annopipe/pkg/provider"
)

// Provider keeps objects in a map. It is safe for concurrent use.
type Provider struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ provider.ObjectStore = (*Provider)(nil)

func New() *Provider {
	return &Provider{objects: make(map[string][]byte)}
}

func (p *Provider) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	_ = ctx
	p.mu.RLock()
	data, ok := p.objects[key]
	p.mu.RUnlock()
	if !ok {
		return nil, 0, &provider.ProviderError{Op: "Get", Provider: provider.ProviderMemory, Key: key, Err: provider.ErrNotFound}
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (p *Provider) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	_ = ctx
	data, err := io.ReadAll(body)
	if err != nil {
		return &provider.ProviderError{Op: "Put", Provider: provider.ProviderMemory, Key: key, Err: err}
	}
	if size >= 0 && int64(len(data)) != size {
		return &provider.ProviderError{Op: "Put", Provider: provider.ProviderMemory, Key: key,
			Err: fmt.Errorf("short body: read %d of %d bytes", len(data), size)}
	}
	p.mu.Lock()
	p.objects[key] = data
	p.mu.Unlock()
	return nil
}

func (p *Provider) Delete(ctx context.Context, key string) error {
	_ = ctx
	p.mu.Lock()
	delete(p.objects, key)
	p.mu.Unlock()
	return nil
}

func (p *Provider) Close() error { return nil }

// Keys lists stored keys in order. Used by tests to assert hot-tier contents.
func (p *Provider) Keys() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]string, 0, len(p.objects))
	for k := range p.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether key is stored.
func (p *Provider) Has(key string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.objects[key]
	return ok
}
