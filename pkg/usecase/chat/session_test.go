package chat_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/reverie/pkg/adapter"
	"github.com/m-mizutani/reverie/pkg/index"
	"github.com/m-mizutani/reverie/pkg/interfaces"
	"github.com/m-mizutani/reverie/pkg/model"
	"github.com/m-mizutani/reverie/pkg/repository"
	"github.com/m-mizutani/reverie/pkg/usecase/chat"
	"github.com/m-mizutani/reverie/pkg/usecase/memory"
)

type mockGenerator struct {
	generateFunc func(ctx context.Context, req *interfaces.GenerateRequest) (string, error)
	requests     []*interfaces.GenerateRequest
}

func (m *mockGenerator) Generate(ctx context.Context, req *interfaces.GenerateRequest) (string, error) {
	m.requests = append(m.requests, req)
	if m.generateFunc != nil {
		return m.generateFunc(ctx, req)
	}
	return "Sounds lovely!", nil
}

// brokenEmbedder always fails
type brokenEmbedder struct{}

func (brokenEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedding service down")
}

func (brokenEmbedder) Model() string { return "broken" }

func setup(t *testing.T, embedder interfaces.Embedder) (*repository.SQLite, *memory.UseCase) {
	t.Helper()
	repo, err := repository.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "reverie.db"))
	gt.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo, memory.New(repo, index.New(embedder, index.NewFlat()))
}

func TestSend(t *testing.T) {
	ctx := context.Background()
	repo, mem := setup(t, adapter.NewHashEmbedder(512))

	state := model.NewIdentityState()
	state.Beliefs["self"] = "I remember what matters to my friends"
	state.Values = []string{"honesty"}
	gt.NoError(t, repo.PutIdentity(ctx, state))

	_, err := mem.Save(ctx, "The user's favorite color is blue")
	gt.NoError(t, err)

	gen := &mockGenerator{}
	session := chat.New(chat.NewInput{
		Repo:      repo,
		Memory:    mem,
		Generator: gen,
		Persona: &model.Persona{
			Profile:          model.PersonaProfile{Name: "Mio", Personality: "curious"},
			SpeechExamples:   []string{"Ooh, tell me more!"},
			ProhibitedTopics: []string{"politics"},
		},
		UserName: "Aki",
	})
	gt.Equal(t, session.AgentName(), "Mio")

	reply, err := session.Send(ctx, "What is my favorite color?")
	gt.NoError(t, err)
	gt.Equal(t, reply, "Sounds lovely!")

	gt.A(t, gen.requests).Length(1)
	system := gen.requests[0].System
	gt.S(t, system).Contains("You are Mio")
	gt.S(t, system).Contains("Ooh, tell me more!")
	gt.S(t, system).Contains("I remember what matters to my friends")
	gt.S(t, system).Contains("- honesty")
	gt.S(t, system).Contains("The user's favorite color is blue")
	gt.S(t, system).Contains("- politics")
	gt.S(t, gen.requests[0].Prompt).Contains("Aki: What is my favorite color?")

	logs, err := repo.ListLogs(ctx, 0, 10)
	gt.NoError(t, err)
	gt.A(t, logs).Length(2)
	gt.Equal(t, logs[0].Role, model.RoleUser)
	gt.Equal(t, logs[0].Speaker, "Aki")
	gt.Equal(t, logs[1].Role, model.RoleAgent)
	gt.Equal(t, logs[1].Speaker, "Mio")
	gt.Equal(t, logs[1].Text, "Sounds lovely!")

	t.Run("recent turns go into the next prompt", func(t *testing.T) {
		_, err := session.Send(ctx, "And my favorite food?")
		gt.NoError(t, err)
		prompt := gen.requests[1].Prompt
		gt.S(t, prompt).Contains("Aki: What is my favorite color?")
		gt.S(t, prompt).Contains("Mio: Sounds lovely!")
		gt.S(t, prompt).Contains("Aki: And my favorite food?")
	})

	t.Run("latest reflection summary", func(t *testing.T) {
		base, err := repo.GetIdentity(ctx)
		gt.NoError(t, err)
		next := base.Clone()
		next.ReflectionCount = 1
		gt.NoError(t, repo.CommitReflection(ctx, base, next, &model.ReflectionRecord{
			ID:      model.NewReflectionID(),
			Window:  model.LogWindow{Start: 1, End: 4},
			Summary: "Aki keeps asking about favorites",
			Changes: []model.Change{},
		}))

		_, err = session.Send(ctx, "Guess my favorite season")
		gt.NoError(t, err)
		gt.S(t, gen.requests[2].System).Contains("Aki keeps asking about favorites")
	})
}

func TestSendWithoutMemories(t *testing.T) {
	ctx := context.Background()
	repo, mem := setup(t, brokenEmbedder{})
	gen := &mockGenerator{}
	session := chat.New(chat.NewInput{Repo: repo, Memory: mem, Generator: gen})

	reply, err := session.Send(ctx, "hello")
	gt.NoError(t, err)
	gt.Equal(t, reply, "Sounds lovely!")
	gt.S(t, gen.requests[0].System).NotContains("Things you remember")
	gt.S(t, gen.requests[0].Prompt).Contains("user: hello")
}

func TestSendGeneratorFailure(t *testing.T) {
	ctx := context.Background()
	repo, mem := setup(t, adapter.NewHashEmbedder(64))
	gen := &mockGenerator{generateFunc: func(context.Context, *interfaces.GenerateRequest) (string, error) {
		return "", errors.New("quota exceeded")
	}}
	session := chat.New(chat.NewInput{Repo: repo, Memory: mem, Generator: gen})

	_, err := session.Send(ctx, "hello")
	gt.True(t, errors.Is(err, model.ErrUnavailable))

	logs, err := repo.ListLogs(ctx, 0, 10)
	gt.NoError(t, err)
	gt.A(t, logs).Length(1)
	gt.Equal(t, logs[0].Role, model.RoleUser)
}

func TestSendEmptyMessage(t *testing.T) {
	repo, mem := setup(t, adapter.NewHashEmbedder(64))
	session := chat.New(chat.NewInput{Repo: repo, Memory: mem, Generator: &mockGenerator{}})
	_, err := session.Send(context.Background(), "  ")
	gt.True(t, errors.Is(err, model.ErrValidation))
}
