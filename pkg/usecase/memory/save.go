package memory

import (
	"context"

	"github.com/m-mizutani/reverie/pkg/model"
	"github.com/m-mizutani/reverie/pkg/utils/logging"
)

type SaveOption func(*model.MemoryRecord)

func WithTags(tags ...string) SaveOption {
	return func(m *model.MemoryRecord) {
		m.Tags = append(m.Tags, tags...)
	}
}

func WithSource(src model.MemorySource) SaveOption {
	return func(m *model.MemoryRecord) {
		m.Source = src
	}
}

// Save stores a new memory and indexes it. When the embedding backend fails
// the record is still stored; Reindex picks it up later.
func (u *UseCase) Save(ctx context.Context, text string, opts ...SaveOption) (*model.MemoryRecord, error) {
	record := &model.MemoryRecord{
		Text:   text,
		Source: model.SourceUserSaved,
	}
	for _, opt := range opts {
		opt(record)
	}
	record.Tags = model.NormalizeTags(record.Tags)
	if err := record.Validate(); err != nil {
		return nil, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	vec, embedErr := u.index.Embed(ctx, text)

	if _, err := u.repo.InsertMemory(ctx, record); err != nil {
		return nil, err
	}

	logger := logging.From(ctx).With("memory_id", record.ID)
	if embedErr != nil {
		logger.Warn("memory saved without vector", "error", embedErr)
		return record, nil
	}
	if err := u.index.Upsert(ctx, record.ID, vec, u.index.Digest(text)); err != nil {
		logger.Warn("failed to index memory", "error", err)
		return record, nil
	}

	logger.Info("memory saved", "tags", record.Tags, "source", record.Source)
	return record, nil
}
