package adapter

import (
	"context"
	"slices"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/reverie/pkg/interfaces"
	"github.com/m-mizutani/reverie/pkg/model"
)

// CachedEmbedder memoizes vectors by model and text digest. Repeated queries
// and re-indexing of unchanged memories skip the backend.
type CachedEmbedder struct {
	inner interfaces.Embedder
	cache *ristretto.Cache
}

func NewCachedEmbedder(inner interfaces.Embedder, maxEntries int64) (*CachedEmbedder, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create embedding cache")
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

func (c *CachedEmbedder) Model() string {
	return c.inner.Model()
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := model.TextDigest(c.inner.Model() + "\x00" + text)
	if v, ok := c.cache.Get(key); ok {
		return slices.Clone(v.([]float32)), nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, slices.Clone(vec), 1)
	return vec, nil
}

// Wait blocks until pending cache writes are visible.
func (c *CachedEmbedder) Wait() {
	c.cache.Wait()
}

func (c *CachedEmbedder) Close() {
	c.cache.Close()
}
