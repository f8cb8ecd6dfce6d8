package index

import (
	"context"
	"slices"
	"sync"

	"github.com/m-mizutani/reverie/pkg/model"
)

// Flat is an in-memory store with an exact linear scan. It is rebuilt from
// the memory store on startup.
type Flat struct {
	mu      sync.RWMutex
	entries map[model.MemoryID]*Entry
}

func NewFlat() *Flat {
	return &Flat{entries: map[model.MemoryID]*Entry{}}
}

func (f *Flat) Upsert(_ context.Context, entry *Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.entries[entry.ID] = &Entry{
		ID:     entry.ID,
		Vector: slices.Clone(entry.Vector),
		Digest: entry.Digest,
	}
	return nil
}

func (f *Flat) Remove(_ context.Context, id model.MemoryID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.entries, id)
	return nil
}

func (f *Flat) Search(_ context.Context, vector []float32, k int) ([]Hit, error) {
	f.mu.RLock()
	hits := make([]Hit, 0, len(f.entries))
	for id, e := range f.entries {
		hits = append(hits, Hit{ID: id, Score: Cosine(vector, e.Vector)})
	}
	f.mu.RUnlock()

	SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (f *Flat) Digest(_ context.Context, id model.MemoryID) (string, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	e, ok := f.entries[id]
	if !ok {
		return "", false, nil
	}
	return e.Digest, true, nil
}

// Len returns the number of stored vectors.
func (f *Flat) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries)
}
