package memory

import (
	"context"

	"github.com/m-mizutani/reverie/pkg/model"
	"github.com/m-mizutani/reverie/pkg/utils/logging"
)

// Forget deletes the memory at a 1-based list position and evicts its vector.
// An eviction failure is only logged: Retrieve drops ids missing from the
// store, so a leftover vector is never returned.
func (u *UseCase) Forget(ctx context.Context, index int) (*model.MemoryRecord, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	target, err := u.resolve(ctx, index)
	if err != nil {
		return nil, err
	}

	if err := u.repo.DeleteMemory(ctx, target.ID); err != nil {
		return nil, err
	}

	logger := logging.From(ctx).With("memory_id", target.ID)
	if err := u.index.Remove(ctx, target.ID); err != nil {
		logger.Warn("failed to evict vector of forgotten memory", "error", err)
	}

	logger.Info("memory forgotten", "index", index)
	return target, nil
}
