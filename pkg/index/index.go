package index

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/reverie/pkg/interfaces"
	"github.com/m-mizutani/reverie/pkg/model"
	"github.com/m-mizutani/reverie/pkg/utils/logging"
)

// Hit is a search result. Score is cosine similarity in [-1, 1].
type Hit struct {
	ID    model.MemoryID
	Score float64
}

// Entry is what a VectorStore keeps per memory. It never holds the text.
type Entry struct {
	ID     model.MemoryID
	Vector []float32
	Digest string
}

// VectorStore persists vectors and answers nearest-neighbour queries.
type VectorStore interface {
	Upsert(ctx context.Context, entry *Entry) error
	// Remove is a no-op when id is absent
	Remove(ctx context.Context, id model.MemoryID) error
	// Search returns up to k hits, best first
	Search(ctx context.Context, vector []float32, k int) ([]Hit, error)
	// Digest returns the digest stored with id, if any
	Digest(ctx context.Context, id model.MemoryID) (string, bool, error)
}

// Index wraps an embedding backend and a vector store. Every backend call is
// bounded by a timeout and failures are reported as model.ErrUnavailable or
// model.ErrTimeout, never as empty results.
type Index struct {
	embedder interfaces.Embedder
	store    VectorStore
	timeout  time.Duration
}

type Option func(*Index)

func WithTimeout(d time.Duration) Option {
	return func(x *Index) {
		x.timeout = d
	}
}

func New(embedder interfaces.Embedder, store VectorStore, opts ...Option) *Index {
	x := &Index{
		embedder: embedder,
		store:    store,
		timeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Digest fingerprints text together with the embedding model, so switching
// models makes every stored vector stale.
func (x *Index) Digest(text string) string {
	return model.TextDigest(x.embedder.Model() + "\x00" + text)
}

func (x *Index) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	started := time.Now()
	vec, err := x.embedder.Embed(ctx, text)
	if err != nil {
		return nil, model.BackendError(err, "failed to embed text", goerr.V("model", x.embedder.Model()))
	}
	if len(vec) == 0 {
		return nil, goerr.Wrap(model.ErrUnavailable, "embedding backend returned an empty vector", goerr.V("model", x.embedder.Model()))
	}

	logging.From(ctx).Debug("embedded text", "model", x.embedder.Model(), "dims", len(vec), "elapsed", time.Since(started))
	return vec, nil
}

func (x *Index) Upsert(ctx context.Context, id model.MemoryID, vector []float32, digest string) error {
	if len(vector) == 0 {
		return goerr.Wrap(model.ErrValidation, "vector is empty", goerr.V("id", id))
	}

	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	if err := x.store.Upsert(ctx, &Entry{ID: id, Vector: vector, Digest: digest}); err != nil {
		return model.BackendError(err, "failed to upsert vector", goerr.V("id", id))
	}
	return nil
}

func (x *Index) Remove(ctx context.Context, id model.MemoryID) error {
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	if err := x.store.Remove(ctx, id); err != nil {
		return model.BackendError(err, "failed to remove vector", goerr.V("id", id))
	}
	return nil
}

// Search returns up to k hits ordered by score descending, ties broken by
// the smaller id.
func (x *Index) Search(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, goerr.Wrap(model.ErrValidation, "k must be positive", goerr.V("k", k))
	}

	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	hits, err := x.store.Search(ctx, vector, k)
	if err != nil {
		return nil, model.BackendError(err, "failed to search vectors", goerr.V("k", k))
	}

	SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Stale reports whether the vector stored for id is missing or was computed
// from a different text or model.
func (x *Index) Stale(ctx context.Context, id model.MemoryID, text string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	digest, ok, err := x.store.Digest(ctx, id)
	if err != nil {
		return false, model.BackendError(err, "failed to read vector digest", goerr.V("id", id))
	}
	return !ok || digest != x.Digest(text), nil
}

// Has reports whether a vector is stored for id.
func (x *Index) Has(ctx context.Context, id model.MemoryID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	_, ok, err := x.store.Digest(ctx, id)
	if err != nil {
		return false, model.BackendError(err, "failed to read vector digest", goerr.V("id", id))
	}
	return ok, nil
}

func SortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or their lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}

	s := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(-1, math.Min(1, s))
}
