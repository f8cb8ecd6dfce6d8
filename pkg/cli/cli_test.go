package cli_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/reverie/pkg/cli"
	"github.com/m-mizutani/reverie/pkg/model"
	"github.com/m-mizutani/reverie/pkg/repository"
)

func run(t *testing.T, args ...string) *cli.Error {
	t.Helper()
	return cli.Run(context.Background(), append([]string{"reverie"}, args...))
}

func openRepo(t *testing.T, dir string) *repository.SQLite {
	t.Helper()
	repo, err := repository.NewSQLite(context.Background(), filepath.Join(dir, "reverie.db"))
	gt.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestMemoryCommands(t *testing.T) {
	dir := t.TempDir()
	common := []string{"--data-dir", dir, "--embedder", "hash", "--log-level", "error"}

	memory := func(sub string, args ...string) *cli.Error {
		return run(t, append(append([]string{"memory", sub}, common...), args...)...)
	}

	gt.V(t, memory("save", "--tag", "pref", "The user's favorite color is blue")).Nil()
	gt.V(t, memory("save", "The user has a cat named Mochi")).Nil()
	gt.V(t, memory("list")).Nil()
	gt.V(t, memory("search", "favorite color")).Nil()
	gt.V(t, memory("edit", "1", "The user's favorite color is green")).Nil()
	gt.V(t, memory("forget", "2")).Nil()
	gt.V(t, memory("reindex")).Nil()

	records, err := openRepo(t, dir).ListMemories(context.Background(), model.MemoryFilter{})
	gt.NoError(t, err)
	gt.A(t, records).Length(1)
	gt.Equal(t, records[0].Text, "The user's favorite color is green")
	gt.Equal(t, records[0].Tags, []string{"pref"})

	t.Run("bad index", func(t *testing.T) {
		gt.V(t, memory("forget", "x")).NotNil()
		gt.V(t, memory("forget", "7")).NotNil()
	})
}

func TestIdentityCommands(t *testing.T) {
	dir := t.TempDir()
	persona := filepath.Join(dir, "persona.yaml")
	gt.NoError(t, os.WriteFile(persona, []byte(`profile:
  name: Mio
identity:
  values:
    - honesty
`), 0600))

	gt.V(t, run(t, "identity", "seed", "--data-dir", dir, "--persona", persona)).Nil()
	gt.V(t, run(t, "identity", "show", "--data-dir", dir)).Nil()
	gt.V(t, run(t, "history", "--data-dir", dir)).Nil()

	snapshot := filepath.Join(dir, "snapshot")
	gt.V(t, run(t, "identity", "export", "--data-dir", dir, "--snapshot-dir", snapshot)).Nil()
	_, err := os.Stat(filepath.Join(snapshot, "identity.json"))
	gt.NoError(t, err)

	state, err := openRepo(t, dir).GetIdentity(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, state.Values, []string{"honesty"})

	t.Run("seed requires persona", func(t *testing.T) {
		gt.V(t, run(t, "identity", "seed", "--data-dir", dir)).NotNil()
	})
}

func TestUnsupportedBackend(t *testing.T) {
	gt.V(t, run(t, "memory", "list", "--data-dir", t.TempDir(), "--embedder", "word2vec")).NotNil()
	gt.V(t, run(t, "memory", "list", "--data-dir", t.TempDir(), "--store", "postgres")).NotNil()
}
