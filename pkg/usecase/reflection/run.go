package reflection

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/reverie/pkg/model"
	"github.com/m-mizutani/reverie/pkg/policy"
	"github.com/m-mizutani/reverie/pkg/utils/logging"
)

// Run executes one reflection cycle. Nothing is written unless every step
// before COMMITTING succeeds; a failed cycle leaves identity and history as
// they were.
func (e *Engine) Run(ctx context.Context) (*Outcome, error) {
	logger := logging.From(ctx)

	if !e.mu.TryLock() {
		logger.Info("reflection already running, skipped")
		return &Outcome{Status: StatusBusy}, nil
	}
	defer e.mu.Unlock()
	defer e.enter(ctx, StateIdle)

	e.enter(ctx, StateSelectingWindow)
	prev, err := e.repo.LatestReflection(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get latest reflection")
	}
	base, err := e.repo.GetIdentity(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get identity")
	}

	var after model.LogID
	if prev != nil {
		after = prev.Window.End
	}
	logs, err := e.repo.ListLogs(ctx, after, e.maxWindow+1)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list logs", goerr.V("after", after))
	}
	if len(logs) == 0 {
		logger.Info("no new logs since last reflection", "after", after)
		return &Outcome{Status: StatusNoDelta, Identity: base}, nil
	}

	remaining := len(logs) > e.maxWindow
	if remaining {
		logs = logs[:e.maxWindow]
	}
	for i, entry := range logs {
		if want := after + model.LogID(i) + 1; entry.ID != want {
			return nil, goerr.Wrap(model.ErrConflict, "gap in conversation log",
				goerr.V("expected", want), goerr.V("actual", entry.ID))
		}
	}
	window := model.LogWindow{Start: logs[0].ID, End: logs[len(logs)-1].ID}
	logger.Info("reflection window selected", "start", window.Start, "end", window.End, "remaining", remaining)

	e.enter(ctx, StateSummarizing)
	proposal, err := e.critic.Reflect(ctx, logs, base.Clone())
	if err != nil {
		return nil, goerr.Wrap(err, "failed to reflect", goerr.V("window", window))
	}
	next, err := model.ApplyChanges(base, proposal.Changes)
	if err != nil {
		return nil, goerr.Wrap(err, "proposed changes do not apply", goerr.V("window", window))
	}
	if err := e.guard.Check(ctx, &policy.Input{
		Summary:  proposal.Summary,
		Changes:  proposal.Changes,
		Identity: base,
		Next:     next,
	}); err != nil {
		return nil, goerr.Wrap(err, "proposed changes rejected", goerr.V("window", window))
	}

	var meta *string
	if prev != nil {
		e.enter(ctx, StateMetaEvaluating)
		evaluation, err := e.critic.Evaluate(ctx, prev, logs)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to evaluate previous reflection", goerr.V("prev", prev.ID))
		}
		meta = &evaluation
	}

	if err := ctx.Err(); err != nil {
		return nil, goerr.Wrap(model.BackendError(err, "reflection interrupted"), "reflection aborted before commit")
	}

	e.enter(ctx, StateCommitting)
	now := e.now().UTC()
	next.ReflectionCount = base.ReflectionCount + 1
	next.LastReflectedAt = now
	if base.LastReflectedAt.After(now) {
		next.LastReflectedAt = base.LastReflectedAt
	}

	changes := proposal.Changes
	if changes == nil {
		changes = []model.Change{}
	}
	rec := &model.ReflectionRecord{
		ID:             model.NewReflectionID(),
		Window:         window,
		Summary:        proposal.Summary,
		Changes:        changes,
		MetaEvaluation: meta,
		CreatedAt:      now,
	}

	// The commit must not be torn by the caller going away.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.commitTimeout)
	defer cancel()
	if err := e.repo.CommitReflection(commitCtx, base, next, rec); err != nil {
		return nil, goerr.Wrap(err, "failed to commit reflection", goerr.V("window", window))
	}
	logger.Info("reflection committed",
		"id", rec.ID,
		"start", window.Start,
		"end", window.End,
		"changes", len(rec.Changes),
		"reflection_count", next.ReflectionCount)

	if e.snapshot != nil && e.storage != nil {
		if _, err := e.snapshot.Snapshot(commitCtx, e.storage); err != nil {
			logger.Warn("failed to mirror identity snapshot", "error", err)
		}
	}

	return &Outcome{Status: StatusCommitted, Record: rec, Identity: next, Remaining: remaining}, nil
}
