package chat

import (
	"bytes"
	"context"
	_ "embed"
	"strings"
	"text/template"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/reverie/pkg/interfaces"
	"github.com/m-mizutani/reverie/pkg/model"
	"github.com/m-mizutani/reverie/pkg/usecase/memory"
	"github.com/m-mizutani/reverie/pkg/utils/logging"
)

//go:embed prompt/system.md
var systemPromptRaw string

//go:embed prompt/turn.md
var turnPromptRaw string

var funcs = template.FuncMap{
	"join": strings.Join,
	"speaker": func(e *model.LogEntry) string {
		if e.Speaker != "" {
			return e.Speaker
		}
		return string(e.Role)
	},
}

var (
	systemPromptTmpl = template.Must(template.New("system").Funcs(funcs).Parse(systemPromptRaw))
	turnPromptTmpl   = template.Must(template.New("turn").Funcs(funcs).Parse(turnPromptRaw))
)

// Session composes replies from persona, identity, retrieved memories and
// recent conversation, and records every turn in the conversation log.
type Session struct {
	repo    interfaces.Repository
	memory  *memory.UseCase
	llm     interfaces.Generator
	persona *model.Persona

	userName    string
	topK        int
	recentTurns int
}

// NewInput contains parameters for creating a new chat session
type NewInput struct {
	Repo      interfaces.Repository
	Memory    *memory.UseCase
	Generator interfaces.Generator
	Persona   *model.Persona // Optional: defaults to an empty persona
	UserName  string         // Optional: defaults to "user"
	TopK      int            // Optional: memories per turn, defaults to 3
}

func New(input NewInput) *Session {
	s := &Session{
		repo:        input.Repo,
		memory:      input.Memory,
		llm:         input.Generator,
		persona:     input.Persona,
		userName:    input.UserName,
		topK:        input.TopK,
		recentTurns: 5,
	}
	if s.persona == nil {
		s.persona = &model.Persona{}
	}
	if s.userName == "" {
		s.userName = "user"
	}
	if s.topK <= 0 {
		s.topK = 3
	}
	return s
}

func (s *Session) AgentName() string {
	return s.persona.Name()
}

// Send answers one user message. The message is logged before generation
// and the reply after it.
func (s *Session) Send(ctx context.Context, message string) (string, error) {
	logger := logging.From(ctx)
	if strings.TrimSpace(message) == "" {
		return "", goerr.Wrap(model.ErrValidation, "message is empty")
	}

	recent, err := s.memory.RecentLogs(ctx, s.recentTurns)
	if err != nil {
		return "", goerr.Wrap(err, "failed to get recent logs")
	}
	if _, err := s.memory.AppendLog(ctx, model.RoleUser, s.userName, message); err != nil {
		return "", goerr.Wrap(err, "failed to log user message")
	}

	memories, err := s.memory.Retrieve(ctx, message, s.topK, model.MemoryFilter{})
	if err != nil {
		logger.Warn("memory retrieval failed, answering without memories", "error", err)
		memories = nil
	}

	system, err := s.composeSystem(ctx, memories)
	if err != nil {
		return "", err
	}

	var turn bytes.Buffer
	if err := turnPromptTmpl.Execute(&turn, map[string]any{
		"Recent":   recent,
		"UserName": s.userName,
		"Message":  message,
	}); err != nil {
		return "", goerr.Wrap(err, "failed to execute turn prompt template")
	}

	reply, err := s.llm.Generate(ctx, &interfaces.GenerateRequest{
		System: system,
		Prompt: turn.String(),
	})
	if err != nil {
		return "", model.BackendError(err, "failed to generate reply")
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", goerr.Wrap(model.ErrUnavailable, "generator returned an empty reply")
	}

	if _, err := s.memory.AppendLog(ctx, model.RoleAgent, s.persona.Name(), reply); err != nil {
		return "", goerr.Wrap(err, "failed to log reply")
	}
	logger.Debug("turn completed", "memories", len(memories), "recent", len(recent))
	return reply, nil
}

func (s *Session) composeSystem(ctx context.Context, memories []*model.ScoredMemory) (string, error) {
	state, err := s.repo.GetIdentity(ctx)
	if err != nil {
		return "", goerr.Wrap(err, "failed to get identity")
	}
	latest, err := s.repo.LatestReflection(ctx)
	if err != nil {
		return "", goerr.Wrap(err, "failed to get latest reflection")
	}

	var buf bytes.Buffer
	if err := systemPromptTmpl.Execute(&buf, map[string]any{
		"Persona":     s.persona,
		"Identity":    state,
		"BeliefNames": state.BeliefNames(),
		"Reflection":  latest,
		"Memories":    memories,
		"UserName":    s.userName,
	}); err != nil {
		return "", goerr.Wrap(err, "failed to execute system prompt template")
	}
	return buf.String(), nil
}
