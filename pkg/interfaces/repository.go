package interfaces

import (
	"context"

	"github.com/m-mizutani/reverie/pkg/model"
)

// Repository is the durable store for memories, the conversation log, the
// identity document and reflection history. Every mutating method is
// all-or-nothing and durable before it returns.
type Repository interface {
	// InsertMemory assigns a new, never reused, increasing id
	InsertMemory(ctx context.Context, m *model.MemoryRecord) (model.MemoryID, error)
	GetMemory(ctx context.Context, id model.MemoryID) (*model.MemoryRecord, error)
	// UpdateMemory replaces the text only; id, tags, source and created_at are kept
	UpdateMemory(ctx context.Context, id model.MemoryID, text string) (*model.MemoryRecord, error)
	DeleteMemory(ctx context.Context, id model.MemoryID) error
	// ListMemories returns matching records in insertion order
	ListMemories(ctx context.Context, filter model.MemoryFilter) ([]*model.MemoryRecord, error)

	// AppendLog assigns gapless ids starting at 1
	AppendLog(ctx context.Context, entry *model.LogEntry) (model.LogID, error)
	// ListLogs returns up to limit entries with id > after, ascending
	ListLogs(ctx context.Context, after model.LogID, limit int) ([]*model.LogEntry, error)
	// ListRecentLogs returns the last n entries, ascending
	ListRecentLogs(ctx context.Context, n int) ([]*model.LogEntry, error)

	// GetIdentity returns an empty identity when none was stored yet
	GetIdentity(ctx context.Context) (*model.IdentityState, error)
	PutIdentity(ctx context.Context, state *model.IdentityState) error

	// LatestReflection returns nil without error when no reflection exists
	LatestReflection(ctx context.Context) (*model.ReflectionRecord, error)
	// ListReflections returns newest first
	ListReflections(ctx context.Context, limit int) ([]*model.ReflectionRecord, error)
	// CommitReflection writes next and appends rec atomically. It fails with
	// model.ErrConflict when the stored identity is no longer base or when
	// rec.Window does not start right after the latest window.
	CommitReflection(ctx context.Context, base, next *model.IdentityState, rec *model.ReflectionRecord) error

	Close() error
}
