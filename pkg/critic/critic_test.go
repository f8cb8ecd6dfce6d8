package critic_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/reverie/pkg/critic"
	"github.com/m-mizutani/reverie/pkg/interfaces"
	"github.com/m-mizutani/reverie/pkg/model"
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
	return "", errors.New("not implemented")
}

func answer(s string) func(context.Context, *interfaces.GenerateRequest) (string, error) {
	return func(context.Context, *interfaces.GenerateRequest) (string, error) {
		return s, nil
	}
}

func sampleLogs(n int) []*model.LogEntry {
	logs := make([]*model.LogEntry, n)
	for i := range logs {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAgent
		}
		logs[i] = &model.LogEntry{
			ID:        model.LogID(i + 1),
			Role:      role,
			Text:      fmt.Sprintf("message %d", i+1),
			Timestamp: time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC),
		}
	}
	return logs
}

func TestReflect(t *testing.T) {
	ctx := context.Background()
	identity := model.NewIdentityState()
	identity.Values = []string{"honesty"}

	t.Run("decodes proposal", func(t *testing.T) {
		gen := &mockGenerator{generateFunc: answer(`{"summary":"talked about tea","changes":[{"field":"values","before":"","after":"curiosity"}]}`)}
		c := critic.New(gen, critic.WithAgentName("Mio"))

		proposal, err := c.Reflect(ctx, sampleLogs(2), identity)
		gt.NoError(t, err)
		gt.Equal(t, proposal.Summary, "talked about tea")
		gt.A(t, proposal.Changes).Length(1)
		gt.Equal(t, proposal.Changes[0].Field, model.FieldValues)
		gt.Equal(t, proposal.Changes[0].After, "curiosity")

		gt.A(t, gen.requests).Length(1)
		gt.V(t, gen.requests[0].Schema).NotNil()
		gt.S(t, gen.requests[0].Prompt).Contains("Mio")
		gt.S(t, gen.requests[0].Prompt).Contains("- honesty")
		gt.S(t, gen.requests[0].Prompt).Contains("log 1 to 2")
	})

	t.Run("strips code fence", func(t *testing.T) {
		gen := &mockGenerator{generateFunc: answer("```json\n{\"summary\":\"ok\",\"changes\":[]}\n```")}
		proposal, err := critic.New(gen).Reflect(ctx, sampleLogs(1), identity)
		gt.NoError(t, err)
		gt.Equal(t, proposal.Summary, "ok")
		gt.A(t, proposal.Changes).Length(0)
	})

	t.Run("retries malformed answer", func(t *testing.T) {
		calls := 0
		gen := &mockGenerator{generateFunc: func(context.Context, *interfaces.GenerateRequest) (string, error) {
			calls++
			if calls == 1 {
				return "I think the conversation went well", nil
			}
			return `{"summary":"second try","changes":[]}`, nil
		}}
		proposal, err := critic.New(gen).Reflect(ctx, sampleLogs(1), identity)
		gt.NoError(t, err)
		gt.Equal(t, proposal.Summary, "second try")
		gt.Equal(t, calls, 2)
	})

	t.Run("rejects schema violation after attempts", func(t *testing.T) {
		gen := &mockGenerator{generateFunc: answer(`{"summary":"x","changes":[{"field":"hobbies","before":"","after":"go"}]}`)}
		_, err := critic.New(gen, critic.WithAttempts(3)).Reflect(ctx, sampleLogs(1), identity)
		gt.Error(t, err)
		gt.True(t, errors.Is(err, model.ErrValidation))
		gt.A(t, gen.requests).Length(3)
	})

	t.Run("rejects empty summary", func(t *testing.T) {
		gen := &mockGenerator{generateFunc: answer(`{"summary":"  ","changes":[]}`)}
		_, err := critic.New(gen).Reflect(ctx, sampleLogs(1), identity)
		gt.True(t, errors.Is(err, model.ErrValidation))
	})

	t.Run("backend failure is unavailable", func(t *testing.T) {
		gen := &mockGenerator{generateFunc: func(context.Context, *interfaces.GenerateRequest) (string, error) {
			return "", errors.New("connection refused")
		}}
		_, err := critic.New(gen).Reflect(ctx, sampleLogs(1), identity)
		gt.True(t, errors.Is(err, model.ErrUnavailable))
		gt.A(t, gen.requests).Length(1)
	})

	t.Run("backend timeout", func(t *testing.T) {
		gen := &mockGenerator{generateFunc: func(ctx context.Context, _ *interfaces.GenerateRequest) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}}
		_, err := critic.New(gen, critic.WithCallTimeout(10*time.Millisecond)).Reflect(ctx, sampleLogs(1), identity)
		gt.True(t, errors.Is(err, model.ErrTimeout))
	})

	t.Run("no logs", func(t *testing.T) {
		gen := &mockGenerator{}
		_, err := critic.New(gen).Reflect(ctx, nil, identity)
		gt.True(t, errors.Is(err, model.ErrValidation))
		gt.A(t, gen.requests).Length(0)
	})

	t.Run("prompt keeps newest logs", func(t *testing.T) {
		gen := &mockGenerator{generateFunc: answer(`{"summary":"long","changes":[]}`)}
		_, err := critic.New(gen, critic.WithPromptLogLimit(3)).Reflect(ctx, sampleLogs(10), identity)
		gt.NoError(t, err)

		prompt := gen.requests[0].Prompt
		gt.S(t, prompt).Contains("log 1 to 10")
		gt.S(t, prompt).Contains("7 earlier entries")
		gt.S(t, prompt).Contains("message 10")
		gt.S(t, prompt).Contains("message 8")
		gt.S(t, prompt).NotContains("message 7")
	})
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()
	prior := &model.ReflectionRecord{
		ID:      "r1",
		Window:  model.LogWindow{Start: 1, End: 2},
		Summary: "learned the user likes tea",
		Changes: []model.Change{{Field: model.FieldBeliefs, Key: "user", After: "likes tea"}},
	}

	t.Run("returns evaluation", func(t *testing.T) {
		gen := &mockGenerator{generateFunc: answer(`{"evaluation":"the tea belief held up"}`)}
		got, err := critic.New(gen).Evaluate(ctx, prior, sampleLogs(2))
		gt.NoError(t, err)
		gt.Equal(t, got, "the tea belief held up")

		prompt := gen.requests[0].Prompt
		gt.S(t, prompt).Contains("learned the user likes tea")
		gt.S(t, prompt).Contains("beliefs [user]")
		gt.True(t, strings.Contains(prompt, "message 2"))
	})

	t.Run("missing field", func(t *testing.T) {
		gen := &mockGenerator{generateFunc: answer(`{"verdict":"fine"}`)}
		_, err := critic.New(gen, critic.WithAttempts(1)).Evaluate(ctx, prior, sampleLogs(2))
		gt.True(t, errors.Is(err, model.ErrValidation))
	})
}
