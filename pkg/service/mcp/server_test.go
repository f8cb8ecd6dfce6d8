package mcp_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/reverie/pkg/adapter"
	"github.com/m-mizutani/reverie/pkg/index"
	"github.com/m-mizutani/reverie/pkg/model"
	"github.com/m-mizutani/reverie/pkg/repository"
	"github.com/m-mizutani/reverie/pkg/service/mcp"
	"github.com/m-mizutani/reverie/pkg/usecase/memory"
	"github.com/m-mizutani/reverie/pkg/usecase/reflection"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

type stubCritic struct{}

func (stubCritic) Reflect(context.Context, []*model.LogEntry, *model.IdentityState) (*model.Proposal, error) {
	return &model.Proposal{
		Summary: "the user talked about tea",
		Changes: []model.Change{{Field: model.FieldValues, After: "attentiveness"}},
	}, nil
}

func (stubCritic) Evaluate(context.Context, *model.ReflectionRecord, []*model.LogEntry) (string, error) {
	return "fine", nil
}

func connect(t *testing.T) (*mcpsdk.ClientSession, *repository.SQLite) {
	t.Helper()
	ctx := context.Background()

	repo, err := repository.NewSQLite(ctx, filepath.Join(t.TempDir(), "reverie.db"))
	gt.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	mem := memory.New(repo, index.New(adapter.NewHashEmbedder(512), index.NewFlat()))
	server := mcp.New(mem, reflection.New(repo, stubCritic{}), mcp.WithVersion("test"))

	testServer := httptest.NewServer(server.Handler())
	t.Cleanup(testServer.Close)

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "reverie-test", Version: "0.0.0"}, nil)
	session, err := client.Connect(ctx, &mcpsdk.StreamableClientTransport{Endpoint: testServer.URL}, nil)
	gt.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	return session, repo
}

func call(t *testing.T, session *mcpsdk.ClientSession, name string, args map[string]any) (string, bool) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	gt.NoError(t, err)
	gt.A(t, result.Content).Length(1)

	text, ok := result.Content[0].(*mcpsdk.TextContent)
	gt.True(t, ok)
	return text.Text, result.IsError
}

func TestTools(t *testing.T) {
	ctx := context.Background()
	session, repo := connect(t)

	tools, err := session.ListTools(ctx, nil)
	gt.NoError(t, err)
	names := make([]string, len(tools.Tools))
	for i, tool := range tools.Tools {
		names[i] = tool.Name
	}
	gt.A(t, names).Length(6)

	out, isErr := call(t, session, "save_memory", map[string]any{"text": "The user's favorite color is blue", "tags": []string{"preference"}})
	gt.False(t, isErr)
	gt.S(t, out).Contains("favorite color is blue")

	_, isErr = call(t, session, "save_memory", map[string]any{"text": "The user has a cat named Mochi"})
	gt.False(t, isErr)

	out, _ = call(t, session, "list_memories", map[string]any{})
	gt.S(t, out).Contains("1. The user's favorite color is blue [preference]")
	gt.S(t, out).Contains("2. The user has a cat named Mochi")

	t.Run("filtered list keeps positions", func(t *testing.T) {
		out, _ := call(t, session, "list_memories", map[string]any{"tag": "preference"})
		gt.S(t, out).Contains("1. The user's favorite color is blue")
		gt.S(t, out).NotContains("Mochi")
	})

	out, isErr = call(t, session, "retrieve", map[string]any{"query": "What is the user's favorite color?", "k": 1})
	gt.False(t, isErr)
	gt.S(t, out).Contains("favorite color is blue")
	gt.S(t, out).NotContains("Mochi")

	out, isErr = call(t, session, "edit_memory", map[string]any{"index": 1, "text": "The user's favorite color is green"})
	gt.False(t, isErr)
	gt.S(t, out).Contains("green")

	out, isErr = call(t, session, "forget_memory", map[string]any{"index": 2})
	gt.False(t, isErr)
	gt.S(t, out).Contains("Mochi")

	out, _ = call(t, session, "list_memories", map[string]any{})
	gt.S(t, out).Contains("1. The user's favorite color is green")
	gt.S(t, out).NotContains("Mochi")

	t.Run("errors are tool results", func(t *testing.T) {
		out, isErr := call(t, session, "forget_memory", map[string]any{"index": 9})
		gt.True(t, isErr)
		gt.S(t, out).Contains("not_found")

		out, isErr = call(t, session, "save_memory", map[string]any{"text": "   "})
		gt.True(t, isErr)
		gt.S(t, out).Contains("validation")
	})

	t.Run("reflection", func(t *testing.T) {
		out, isErr := call(t, session, "run_reflection", map[string]any{})
		gt.False(t, isErr)
		gt.S(t, out).Contains("Nothing new")

		_, err := repo.AppendLog(ctx, &model.LogEntry{Role: model.RoleUser, Text: "I love green tea"})
		gt.NoError(t, err)
		_, err = repo.AppendLog(ctx, &model.LogEntry{Role: model.RoleAgent, Text: "Noted!"})
		gt.NoError(t, err)

		out, isErr = call(t, session, "run_reflection", map[string]any{})
		gt.False(t, isErr)
		gt.S(t, out).Contains("log 1-2")
		gt.S(t, out).Contains("the user talked about tea")

		state, err := repo.GetIdentity(ctx)
		gt.NoError(t, err)
		gt.Equal(t, state.ReflectionCount, 1)
		gt.Equal(t, state.Values, []string{"attentiveness"})
	})
}
