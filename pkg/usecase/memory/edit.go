package memory

import (
	"context"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/reverie/pkg/model"
	"github.com/m-mizutani/reverie/pkg/utils/logging"
)

// Edit replaces the text of the memory at a 1-based list position and
// re-indexes it. If the new text cannot be embedded the old vector is evicted.
// Should eviction fail too, Retrieve skips the vector because its digest no
// longer matches the stored text, and Reindex replaces it.
func (u *UseCase) Edit(ctx context.Context, index int, text string) (*model.MemoryRecord, error) {
	if strings.TrimSpace(text) == "" {
		return nil, goerr.Wrap(model.ErrValidation, "memory text is empty")
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	target, err := u.resolve(ctx, index)
	if err != nil {
		return nil, err
	}

	vec, embedErr := u.index.Embed(ctx, text)

	updated, err := u.repo.UpdateMemory(ctx, target.ID, text)
	if err != nil {
		return nil, err
	}

	logger := logging.From(ctx).With("memory_id", updated.ID)
	if embedErr == nil {
		embedErr = u.index.Upsert(ctx, updated.ID, vec, u.index.Digest(text))
	}
	if embedErr != nil {
		logger.Warn("memory edited without vector", "error", embedErr)
		if err := u.index.Remove(ctx, updated.ID); err != nil {
			logger.Warn("failed to evict stale vector", "error", err)
		}
		return updated, nil
	}

	logger.Info("memory edited", "index", index)
	return updated, nil
}
