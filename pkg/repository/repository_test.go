package repository_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/reverie/pkg/interfaces"
	"github.com/m-mizutani/reverie/pkg/model"
	"github.com/m-mizutani/reverie/pkg/repository"
)

func newSQLite(t *testing.T) interfaces.Repository {
	t.Helper()
	repo, err := repository.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "db", "reverie.db"))
	gt.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newFirestore(t *testing.T) interfaces.Repository {
	t.Helper()
	projectID := os.Getenv("TEST_FIRESTORE_PROJECT_ID")
	databaseID := os.Getenv("TEST_FIRESTORE_DATABASE_ID")
	if projectID == "" || databaseID == "" {
		t.Skip("TEST_FIRESTORE_PROJECT_ID and TEST_FIRESTORE_DATABASE_ID must be set to run Firestore tests")
	}

	// each test gets its own collections
	prefix := fmt.Sprintf("test_%s_", uuid.NewString()[:8])
	repo, err := repository.NewFirestore(context.Background(), projectID, databaseID,
		repository.WithCollectionPrefix(prefix))
	gt.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRepository(t *testing.T) {
	backends := map[string]func(t *testing.T) interfaces.Repository{
		"sqlite":    newSQLite,
		"firestore": newFirestore,
	}

	for name, newRepo := range backends {
		t.Run(name, func(t *testing.T) {
			t.Run("memory lifecycle", func(t *testing.T) { testMemoryLifecycle(t, newRepo(t)) })
			t.Run("memory ids are not reused", func(t *testing.T) { testMemoryIDs(t, newRepo(t)) })
			t.Run("memory not found", func(t *testing.T) { testMemoryNotFound(t, newRepo(t)) })
			t.Run("logs", func(t *testing.T) { testLogs(t, newRepo(t)) })
			t.Run("identity", func(t *testing.T) { testIdentity(t, newRepo(t)) })
			t.Run("commit reflection", func(t *testing.T) { testCommitReflection(t, newRepo(t)) })
			t.Run("commit conflicts", func(t *testing.T) { testCommitConflicts(t, newRepo(t)) })
		})
	}
}

func saveMemory(t *testing.T, repo interfaces.Repository, text string, tags ...string) model.MemoryID {
	t.Helper()
	id, err := repo.InsertMemory(context.Background(), &model.MemoryRecord{
		Text:   text,
		Tags:   tags,
		Source: model.SourceUserSaved,
	})
	gt.NoError(t, err)
	return id
}

func testMemoryLifecycle(t *testing.T, repo interfaces.Repository) {
	ctx := context.Background()

	id1 := saveMemory(t, repo, "likes green tea", "food", "pref")
	id2 := saveMemory(t, repo, "birthday is in May")
	id3 := saveMemory(t, repo, "has a cat named Mochi", "pet")
	gt.True(t, id1 < id2 && id2 < id3)

	got, err := repo.GetMemory(ctx, id1)
	gt.NoError(t, err)
	gt.Equal(t, got.Text, "likes green tea")
	gt.Equal(t, got.Tags, []string{"food", "pref"})
	gt.Equal(t, got.Source, model.SourceUserSaved)

	updated, err := repo.UpdateMemory(ctx, id1, "likes hojicha")
	gt.NoError(t, err)
	gt.Equal(t, updated.ID, id1)
	gt.Equal(t, updated.Text, "likes hojicha")
	gt.Equal(t, updated.Tags, []string{"food", "pref"})
	gt.True(t, updated.CreatedAt.Equal(got.CreatedAt))

	gt.NoError(t, repo.DeleteMemory(ctx, id2))

	list, err := repo.ListMemories(ctx, model.MemoryFilter{})
	gt.NoError(t, err)
	gt.A(t, list).Length(2)
	gt.Equal(t, list[0].ID, id1)
	gt.Equal(t, list[1].ID, id3)

	tagged, err := repo.ListMemories(ctx, model.MemoryFilter{Tags: []string{"pet"}})
	gt.NoError(t, err)
	gt.A(t, tagged).Length(1)
	gt.Equal(t, tagged[0].ID, id3)

	_, err = repo.InsertMemory(ctx, &model.MemoryRecord{Text: " ", Source: model.SourceUserSaved})
	gt.True(t, errors.Is(err, model.ErrValidation))
}

func testMemoryIDs(t *testing.T, repo interfaces.Repository) {
	ctx := context.Background()

	id1 := saveMemory(t, repo, "first")
	gt.NoError(t, repo.DeleteMemory(ctx, id1))
	id2 := saveMemory(t, repo, "second")
	gt.True(t, id2 > id1)
}

func testMemoryNotFound(t *testing.T, repo interfaces.Repository) {
	ctx := context.Background()

	_, err := repo.GetMemory(ctx, 999)
	gt.True(t, errors.Is(err, model.ErrNotFound))

	_, err = repo.UpdateMemory(ctx, 999, "text")
	gt.True(t, errors.Is(err, model.ErrNotFound))

	gt.True(t, errors.Is(repo.DeleteMemory(ctx, 999), model.ErrNotFound))
}

func appendLogs(t *testing.T, repo interfaces.Repository, texts ...string) []model.LogID {
	t.Helper()
	var ids []model.LogID
	for i, text := range texts {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAgent
		}
		id, err := repo.AppendLog(context.Background(), &model.LogEntry{Role: role, Text: text})
		gt.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func testLogs(t *testing.T, repo interfaces.Repository) {
	ctx := context.Background()

	ids := appendLogs(t, repo, "hello", "hi", "how are you", "fine")
	gt.Equal(t, ids, []model.LogID{1, 2, 3, 4})

	after, err := repo.ListLogs(ctx, 1, 2)
	gt.NoError(t, err)
	gt.A(t, after).Length(2)
	gt.Equal(t, after[0].ID, model.LogID(2))
	gt.Equal(t, after[0].Role, model.RoleAgent)
	gt.Equal(t, after[1].Text, "how are you")

	recent, err := repo.ListRecentLogs(ctx, 3)
	gt.NoError(t, err)
	gt.A(t, recent).Length(3)
	gt.Equal(t, recent[0].ID, model.LogID(2))
	gt.Equal(t, recent[2].ID, model.LogID(4))

	none, err := repo.ListLogs(ctx, 4, 10)
	gt.NoError(t, err)
	gt.A(t, none).Length(0)

	_, err = repo.AppendLog(ctx, &model.LogEntry{Role: "narrator", Text: "x"})
	gt.True(t, errors.Is(err, model.ErrValidation))
}

func testIdentity(t *testing.T, repo interfaces.Repository) {
	ctx := context.Background()

	empty, err := repo.GetIdentity(ctx)
	gt.NoError(t, err)
	gt.Equal(t, empty.ReflectionCount, 0)
	gt.Equal(t, len(empty.Beliefs), 0)

	state := model.NewIdentityState()
	state.Beliefs["presence"] = "Being there matters."
	state.Values = []string{"honesty"}
	state.ResponsePatterns = []string{"answer briefly"}
	state.LastReflectedAt = time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	state.ReflectionCount = 2
	gt.NoError(t, repo.PutIdentity(ctx, state))

	got, err := repo.GetIdentity(ctx)
	gt.NoError(t, err)
	gt.Equal(t, got.Beliefs, state.Beliefs)
	gt.Equal(t, got.Values, state.Values)
	gt.Equal(t, got.ResponsePatterns, state.ResponsePatterns)
	gt.True(t, got.SameVersion(state))
}

func newRecord(start, end model.LogID, summary string) *model.ReflectionRecord {
	return &model.ReflectionRecord{
		ID:        model.NewReflectionID(),
		Window:    model.LogWindow{Start: start, End: end},
		Summary:   summary,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func testCommitReflection(t *testing.T, repo interfaces.Repository) {
	ctx := context.Background()
	appendLogs(t, repo, "a", "b", "c")

	latest, err := repo.LatestReflection(ctx)
	gt.NoError(t, err)
	gt.V(t, latest).Nil()

	base, err := repo.GetIdentity(ctx)
	gt.NoError(t, err)
	next, err := model.ApplyChanges(base, []model.Change{{Field: model.FieldValues, After: "patience"}})
	gt.NoError(t, err)
	next.ReflectionCount = 1
	next.LastReflectedAt = time.Now().UTC()

	rec := newRecord(1, 2, "first talk")
	rec.Changes = []model.Change{{Field: model.FieldValues, After: "patience"}}
	gt.NoError(t, repo.CommitReflection(ctx, base, next, rec))

	latest, err = repo.LatestReflection(ctx)
	gt.NoError(t, err)
	gt.Equal(t, latest.ID, rec.ID)
	gt.Equal(t, latest.Window, rec.Window)
	gt.Equal(t, latest.Changes, rec.Changes)
	gt.V(t, latest.MetaEvaluation).Nil()

	stored, err := repo.GetIdentity(ctx)
	gt.NoError(t, err)
	gt.Equal(t, stored.ReflectionCount, 1)
	gt.Equal(t, stored.Values, []string{"patience"})

	meta := "the patience value held up"
	rec2 := newRecord(3, 3, "second talk")
	rec2.MetaEvaluation = &meta
	next2 := stored.Clone()
	next2.ReflectionCount = 2
	gt.NoError(t, repo.CommitReflection(ctx, stored, next2, rec2))

	list, err := repo.ListReflections(ctx, 10)
	gt.NoError(t, err)
	gt.A(t, list).Length(2)
	gt.Equal(t, list[0].ID, rec2.ID)
	gt.Equal(t, *list[0].MetaEvaluation, meta)
	gt.Equal(t, list[1].ID, rec.ID)
}

func testCommitConflicts(t *testing.T, repo interfaces.Repository) {
	ctx := context.Background()
	appendLogs(t, repo, "a", "b", "c", "d")

	base, err := repo.GetIdentity(ctx)
	gt.NoError(t, err)
	next := base.Clone()
	next.ReflectionCount = 1

	t.Run("gap in window", func(t *testing.T) {
		err := repo.CommitReflection(ctx, base, next, newRecord(2, 3, "gap"))
		gt.True(t, errors.Is(err, model.ErrConflict))
	})

	t.Run("window beyond log head", func(t *testing.T) {
		err := repo.CommitReflection(ctx, base, next, newRecord(1, 9, "future"))
		gt.True(t, errors.Is(err, model.ErrValidation))
	})

	gt.NoError(t, repo.CommitReflection(ctx, base, next, newRecord(1, 2, "ok")))

	t.Run("stale identity", func(t *testing.T) {
		err := repo.CommitReflection(ctx, base, next, newRecord(3, 4, "stale"))
		gt.True(t, errors.Is(err, model.ErrConflict))
	})

	t.Run("overlapping window", func(t *testing.T) {
		err := repo.CommitReflection(ctx, next, next, newRecord(2, 4, "overlap"))
		gt.True(t, errors.Is(err, model.ErrConflict))
	})

	list, err := repo.ListReflections(ctx, 10)
	gt.NoError(t, err)
	gt.A(t, list).Length(1)

	stored, err := repo.GetIdentity(ctx)
	gt.NoError(t, err)
	gt.Equal(t, stored.ReflectionCount, 1)
}
