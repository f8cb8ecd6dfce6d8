package memory

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/reverie/pkg/model"
)

// List returns memories in insertion order. The 1-based position in the
// unfiltered list is the index accepted by Edit and Forget.
func (u *UseCase) List(ctx context.Context, filter model.MemoryFilter) ([]*model.MemoryRecord, error) {
	return u.repo.ListMemories(ctx, filter)
}

func (u *UseCase) Get(ctx context.Context, id model.MemoryID) (*model.MemoryRecord, error) {
	return u.repo.GetMemory(ctx, id)
}

// resolve maps a 1-based list position to a record. Callers hold u.mu.
func (u *UseCase) resolve(ctx context.Context, index int) (*model.MemoryRecord, error) {
	all, err := u.repo.ListMemories(ctx, model.MemoryFilter{})
	if err != nil {
		return nil, err
	}
	if index < 1 || index > len(all) {
		return nil, goerr.Wrap(model.ErrNotFound, "no memory at index",
			goerr.V("index", index), goerr.V("count", len(all)))
	}
	return all[index-1], nil
}
