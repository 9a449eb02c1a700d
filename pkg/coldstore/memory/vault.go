// Package memory provides an in-process cold store for tests and the local
// single-process mode.
//
// Retrievals complete immediately unless deferred completion is enabled.
// When a publisher is attached, each completion is announced on the restore
// topic with the same document the real vault sends.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/3leaps/annopipe/pkg/coldstore"
	"github.com/3leaps/annopipe/pkg/events"
	"github.com/3leaps/annopipe/pkg/queue"
)

type archive struct {
	data []byte
	meta coldstore.Metadata
}

type retrieval struct {
	archiveRef string
	tier       coldstore.Tier
	done       bool
}

// Request records one accepted retrieval request.
type Request struct {
	RetrievalID string
	ArchiveRef  string
	Tier        coldstore.Tier
}

// Vault implements coldstore.Vault in memory.
type Vault struct {
	mu         sync.Mutex
	seq        int
	archives   map[string]archive
	retrievals map[string]*retrieval
	exhausted  map[coldstore.Tier]bool
	requests   []Request

	publisher queue.Publisher
	topic     string
	deferred  bool
}

var _ coldstore.Vault = (*Vault)(nil)

// Option configures a Vault.
type Option func(*Vault)

// WithNotifier publishes a completion event to topic for each retrieval.
func WithNotifier(p queue.Publisher, topic string) Option {
	return func(v *Vault) {
		v.publisher = p
		v.topic = topic
	}
}

// WithDeferredCompletion leaves retrievals pending until Complete is called.
func WithDeferredCompletion() Option {
	return func(v *Vault) { v.deferred = true }
}

func New(opts ...Option) *Vault {
	v := &Vault{
		archives:   make(map[string]archive),
		retrievals: make(map[string]*retrieval),
		exhausted:  make(map[coldstore.Tier]bool),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// SetCapacity controls whether tier accepts retrieval requests.
func (v *Vault) SetCapacity(tier coldstore.Tier, available bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.exhausted[tier] = !available
}

func (v *Vault) nextID(prefix string) string {
	v.seq++
	return fmt.Sprintf("%s-%06d", prefix, v.seq)
}

func (v *Vault) Store(ctx context.Context, body io.Reader, size int64, meta coldstore.Metadata) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := coldstore.EncodeMetadata(meta); err != nil {
		return "", err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read archive body: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return "", fmt.Errorf("archive body is %d bytes, expected %d", len(data), size)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	ref := v.nextID("archive")
	v.archives[ref] = archive{data: data, meta: meta}
	return ref, nil
}

func (v *Vault) RequestRetrieval(ctx context.Context, archiveRef string, tier coldstore.Tier) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	v.mu.Lock()
	if _, ok := v.archives[archiveRef]; !ok {
		v.mu.Unlock()
		return "", fmt.Errorf("archive %s: %w", archiveRef, coldstore.ErrNotFound)
	}
	if v.exhausted[tier] {
		v.mu.Unlock()
		return "", fmt.Errorf("%s retrieval of %s: %w", tier, archiveRef, coldstore.ErrCapacity)
	}
	id := v.nextID("retrieval")
	v.retrievals[id] = &retrieval{archiveRef: archiveRef, tier: tier, done: !v.deferred}
	v.requests = append(v.requests, Request{RetrievalID: id, ArchiveRef: archiveRef, Tier: tier})
	deferred := v.deferred
	v.mu.Unlock()

	if deferred {
		return id, nil
	}
	if err := v.announce(ctx, id, archiveRef); err != nil {
		return "", err
	}
	return id, nil
}

// Complete finishes a deferred retrieval and announces it.
func (v *Vault) Complete(ctx context.Context, retrievalID string) error {
	v.mu.Lock()
	r, ok := v.retrievals[retrievalID]
	if !ok {
		v.mu.Unlock()
		return fmt.Errorf("retrieval %s: %w", retrievalID, coldstore.ErrNotFound)
	}
	r.done = true
	ref := r.archiveRef
	v.mu.Unlock()
	return v.announce(ctx, retrievalID, ref)
}

func (v *Vault) announce(ctx context.Context, retrievalID, archiveRef string) error {
	if v.publisher == nil {
		return nil
	}
	return queue.PublishJSON(ctx, v.publisher, v.topic, events.RetrievalCompleteEvent{
		RetrievalID: retrievalID,
		StatusCode:  events.StatusSucceeded,
		ArchiveRef:  archiveRef,
		Action:      "ArchiveRetrieval",
	})
}

func (v *Vault) FetchRetrieval(ctx context.Context, retrievalID string) (*coldstore.Retrieval, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.retrievals[retrievalID]
	if !ok {
		return nil, fmt.Errorf("retrieval %s: %w", retrievalID, coldstore.ErrNotFound)
	}
	if !r.done {
		return nil, fmt.Errorf("retrieval %s: %w", retrievalID, coldstore.ErrRetrievalPending)
	}
	a, ok := v.archives[r.archiveRef]
	if !ok {
		return nil, fmt.Errorf("archive %s: %w", r.archiveRef, coldstore.ErrNotFound)
	}
	data := bytes.Clone(a.data)
	return &coldstore.Retrieval{
		Meta: a.meta,
		Body: io.NopCloser(bytes.NewReader(data)),
		Size: int64(len(data)),
	}, nil
}

// Requests returns every accepted retrieval request in order.
func (v *Vault) Requests() []Request {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Request(nil), v.requests...)
}

// Len returns the number of stored archives.
func (v *Vault) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.archives)
}
