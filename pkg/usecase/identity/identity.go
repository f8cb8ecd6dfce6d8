package identity

import (
	"context"
	"encoding/json"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/reverie/pkg/adapter"
	"github.com/m-mizutani/reverie/pkg/interfaces"
	"github.com/m-mizutani/reverie/pkg/model"
	"github.com/m-mizutani/reverie/pkg/utils/logging"
)

const (
	IdentityKey    = "identity.json"
	ReflectionsKey = "reflections.json"
)

// UseCase reads and seeds the agent identity and mirrors it to object storage.
type UseCase struct {
	repo    interfaces.Repository
	history int
}

type Option func(*UseCase)

// WithSnapshotHistory limits how many reflections Snapshot exports
func WithSnapshotHistory(n int) Option {
	return func(u *UseCase) {
		u.history = n
	}
}

func New(repo interfaces.Repository, opts ...Option) *UseCase {
	u := &UseCase{
		repo:    repo,
		history: 1000,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func (u *UseCase) Show(ctx context.Context) (*model.IdentityState, error) {
	state, err := u.repo.GetIdentity(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get identity")
	}
	return state, nil
}

func (u *UseCase) History(ctx context.Context, limit int) ([]*model.ReflectionRecord, error) {
	if limit <= 0 {
		return nil, goerr.Wrap(model.ErrValidation, "limit must be positive", goerr.V("limit", limit))
	}
	records, err := u.repo.ListReflections(ctx, limit)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list reflections")
	}
	return records, nil
}

// Seed replaces the identity with the one in the persona. Once the agent has
// reflected, its identity belongs to the reflection history and Seed refuses.
func (u *UseCase) Seed(ctx context.Context, persona *model.Persona) (*model.IdentityState, error) {
	if persona == nil || persona.Identity == nil {
		return nil, goerr.Wrap(model.ErrValidation, "persona has no identity section")
	}

	current, err := u.repo.GetIdentity(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get identity")
	}
	if current.ReflectionCount > 0 {
		return nil, goerr.Wrap(model.ErrConflict, "identity was already shaped by reflection",
			goerr.V("reflection_count", current.ReflectionCount))
	}

	seed := persona.Identity.Clone()
	seed.ReflectionCount = 0
	seed.LastReflectedAt = time.Time{}
	for k, v := range seed.Beliefs {
		if k == "" || v == "" {
			return nil, goerr.Wrap(model.ErrValidation, "belief needs a key and a statement", goerr.V("key", k))
		}
	}

	if err := u.repo.PutIdentity(ctx, seed); err != nil {
		return nil, goerr.Wrap(err, "failed to store identity")
	}

	logging.From(ctx).Info("identity seeded",
		"beliefs", len(seed.Beliefs),
		"values", len(seed.Values),
		"response_patterns", len(seed.ResponsePatterns))
	return seed, nil
}

type SnapshotResult struct {
	Identity    *model.IdentityState
	Reflections int
}

// Snapshot writes the identity and the reflection history as JSON documents.
func (u *UseCase) Snapshot(ctx context.Context, storage adapter.Storage) (*SnapshotResult, error) {
	state, err := u.repo.GetIdentity(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get identity")
	}
	records, err := u.repo.ListReflections(ctx, u.history)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list reflections")
	}

	if err := putJSON(ctx, storage, IdentityKey, state); err != nil {
		return nil, err
	}
	if err := putJSON(ctx, storage, ReflectionsKey, records); err != nil {
		return nil, err
	}

	logging.From(ctx).Debug("identity snapshot written", "reflections", len(records))
	return &SnapshotResult{Identity: state, Reflections: len(records)}, nil
}

func putJSON(ctx context.Context, storage adapter.Storage, key string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return goerr.Wrap(err, "failed to encode snapshot", goerr.V("key", key))
	}

	w, err := storage.Put(ctx, key)
	if err != nil {
		return goerr.Wrap(err, "failed to open snapshot", goerr.V("key", key))
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return goerr.Wrap(err, "failed to write snapshot", goerr.V("key", key))
	}
	if err := w.Close(); err != nil {
		return goerr.Wrap(err, "failed to commit snapshot", goerr.V("key", key))
	}
	return nil
}
