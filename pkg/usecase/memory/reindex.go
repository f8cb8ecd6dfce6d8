package memory

import (
	"context"

	"github.com/m-mizutani/reverie/pkg/model"
	"github.com/m-mizutani/reverie/pkg/utils/logging"
)

type ReindexResult struct {
	Checked int
	Updated int
	Evicted int
}

// Reindex embeds every memory whose vector is missing or stale and evicts
// vectors of ids that no longer exist in the store.
func (u *UseCase) Reindex(ctx context.Context) (*ReindexResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	records, err := u.repo.ListMemories(ctx, model.MemoryFilter{})
	if err != nil {
		return nil, err
	}

	logger := logging.From(ctx)
	result := &ReindexResult{}
	present := make(map[model.MemoryID]bool, len(records))
	var maxID model.MemoryID

	for _, r := range records {
		present[r.ID] = true
		maxID = max(maxID, r.ID)
		result.Checked++

		stale, err := u.index.Stale(ctx, r.ID, r.Text)
		if err != nil {
			return result, err
		}
		if !stale {
			continue
		}

		vec, err := u.index.Embed(ctx, r.Text)
		if err != nil {
			return result, err
		}
		if err := u.index.Upsert(ctx, r.ID, vec, u.index.Digest(r.Text)); err != nil {
			return result, err
		}
		result.Updated++
	}

	// ids are never reused, so every gap below the newest id is a deleted memory
	for id := model.MemoryID(1); id < maxID; id++ {
		if present[id] {
			continue
		}
		ok, err := u.index.Has(ctx, id)
		if err != nil {
			return result, err
		}
		if !ok {
			continue
		}
		if err := u.index.Remove(ctx, id); err != nil {
			return result, err
		}
		result.Evicted++
	}

	logger.Info("reindex finished", "checked", result.Checked, "updated", result.Updated, "evicted", result.Evicted)
	return result, nil
}
