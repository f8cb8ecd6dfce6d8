package memory

import (
	"context"

	"github.com/m-mizutani/reverie/pkg/model"
)

// AppendLog records one conversation turn. Log entries are never edited.
func (u *UseCase) AppendLog(ctx context.Context, role model.Role, speaker, text string) (*model.LogEntry, error) {
	entry := &model.LogEntry{
		Role:    role,
		Speaker: speaker,
		Text:    text,
	}
	if _, err := u.repo.AppendLog(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (u *UseCase) RecentLogs(ctx context.Context, n int) ([]*model.LogEntry, error) {
	return u.repo.ListRecentLogs(ctx, n)
}
