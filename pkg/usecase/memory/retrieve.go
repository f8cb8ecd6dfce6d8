package memory

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/reverie/pkg/model"
	"github.com/m-mizutani/reverie/pkg/utils/logging"
)

// Retrieve returns up to k memories most similar to query, best first. It
// reads the store and the index only. Backend failures are returned, never
// turned into an empty result.
func (u *UseCase) Retrieve(ctx context.Context, query string, k int, filter model.MemoryFilter) ([]*model.ScoredMemory, error) {
	if strings.TrimSpace(query) == "" {
		return nil, goerr.Wrap(model.ErrValidation, "query is empty")
	}
	if k <= 0 {
		return nil, goerr.Wrap(model.ErrValidation, "k must be positive", goerr.V("k", k))
	}

	vec, err := u.index.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	hits, err := u.index.Search(ctx, vec, min(k, math.MaxInt/u.overFetch)*u.overFetch)
	if err != nil {
		return nil, err
	}

	logger := logging.From(ctx)
	results := make([]*model.ScoredMemory, 0, min(k, len(hits)))
	for _, hit := range hits {
		if len(results) == k {
			break
		}
		if hit.Score < u.minScore {
			// hits are sorted, nothing after this can pass
			break
		}

		record, err := u.repo.GetMemory(ctx, hit.ID)
		if errors.Is(err, model.ErrNotFound) {
			logger.Debug("dropping vector of missing memory", "memory_id", hit.ID)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !filter.Match(record) {
			continue
		}

		// a vector left behind by a failed edit still describes the old text
		stale, err := u.index.Stale(ctx, hit.ID, record.Text)
		if err != nil {
			return nil, err
		}
		if stale {
			logger.Debug("dropping stale vector", "memory_id", hit.ID)
			continue
		}

		results = append(results, &model.ScoredMemory{MemoryRecord: record, Score: hit.Score})
	}

	logger.Debug("memories retrieved", "k", k, "candidates", len(hits), "returned", len(results))
	return results, nil
}
