package memory

import (
	"context"
	"sort"
	"sync"
)

type record struct {
	item Item
	seq  uint64
}

// MemoryBackend keeps items in process. It is the reference backend and the
// default when no persistent store is configured.
type MemoryBackend struct {
	mu    sync.RWMutex
	items map[string]record
	seq   uint64
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{items: map[string]record{}}
}

func (b *MemoryBackend) Insert(_ context.Context, item Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.items[item.ID] = record{item: cloneItem(item), seq: b.seq}
	return nil
}

func (b *MemoryBackend) Scan(_ context.Context, tenant TenantContext) ([]Item, error) {
	b.mu.RLock()
	recs := make([]record, 0, len(b.items))
	for _, rec := range b.items {
		if tenant.owns(rec.item) {
			recs = append(recs, rec)
		}
	}
	b.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	out := make([]Item, len(recs))
	for i, rec := range recs {
		out[i] = cloneItem(rec.item)
	}
	return out, nil
}

func (b *MemoryBackend) Remove(_ context.Context, tenant TenantContext, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.items[id]
	if !ok || !tenant.owns(rec.item) {
		return false, nil
	}
	delete(b.items, id)
	return true, nil
}

func (b *MemoryBackend) Count(context.Context) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items), nil
}

func (b *MemoryBackend) Kind() string { return "memory" }

func (b *MemoryBackend) Close() error { return nil }

// cloneItem copies the slices so callers cannot mutate stored records.
func cloneItem(item Item) Item {
	item.Entities = append(make([]string, 0, len(item.Entities)), item.Entities...)
	item.Tags = append(make([]string, 0, len(item.Tags)), item.Tags...)
	if item.Payload != nil {
		item.Payload = append([]byte(nil), item.Payload...)
	}
	return item
}
