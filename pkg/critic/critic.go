package critic

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"strings"
	"text/template"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/reverie/pkg/interfaces"
	"github.com/m-mizutani/reverie/pkg/model"
	"github.com/m-mizutani/reverie/pkg/utils/logging"
)

//go:embed prompt/reflect.md
var reflectPromptRaw string

//go:embed prompt/evaluate.md
var evaluatePromptRaw string

var funcs = template.FuncMap{
	"speaker": func(e *model.LogEntry) string {
		if e.Speaker != "" {
			return e.Speaker
		}
		return string(e.Role)
	},
}

var (
	reflectPromptTmpl  = template.Must(template.New("reflect").Funcs(funcs).Parse(reflectPromptRaw))
	evaluatePromptTmpl = template.Must(template.New("evaluate").Funcs(funcs).Parse(evaluatePromptRaw))
)

const systemPrompt = "You help a conversational agent reflect on its own conversations. Answer in the requested JSON format only."

// Critic asks a Generator to reflect on logs and to evaluate past reflections.
type Critic struct {
	llm         interfaces.Generator
	name        string
	promptLogs  int
	attempts    int
	callTimeout time.Duration
}

var _ interfaces.Critic = (*Critic)(nil)

type Option func(*Critic)

// WithAgentName sets the name used in prompts
func WithAgentName(name string) Option {
	return func(c *Critic) {
		c.name = name
	}
}

// WithPromptLogLimit caps how many of the newest log entries go into a prompt
func WithPromptLogLimit(n int) Option {
	return func(c *Critic) {
		if n > 0 {
			c.promptLogs = n
		}
	}
}

// WithAttempts sets how often a malformed answer is retried
func WithAttempts(n int) Option {
	return func(c *Critic) {
		if n > 0 {
			c.attempts = n
		}
	}
}

func WithCallTimeout(d time.Duration) Option {
	return func(c *Critic) {
		c.callTimeout = d
	}
}

func New(llm interfaces.Generator, opts ...Option) *Critic {
	c := &Critic{
		llm:         llm,
		name:        "the agent",
		promptLogs:  20,
		attempts:    2,
		callTimeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type beliefLine struct {
	Key       string
	Statement string
}

func (c *Critic) Reflect(ctx context.Context, logs []*model.LogEntry, identity *model.IdentityState) (*model.Proposal, error) {
	if len(logs) == 0 {
		return nil, goerr.Wrap(model.ErrValidation, "no logs to reflect on")
	}

	shown := logs
	if len(shown) > c.promptLogs {
		shown = shown[len(shown)-c.promptLogs:]
	}

	beliefs := make([]beliefLine, 0, len(identity.Beliefs))
	for _, k := range identity.BeliefNames() {
		beliefs = append(beliefs, beliefLine{Key: k, Statement: identity.Beliefs[k]})
	}

	var buf bytes.Buffer
	if err := reflectPromptTmpl.Execute(&buf, map[string]any{
		"Name":             c.name,
		"Beliefs":          beliefs,
		"Values":           identity.Values,
		"ResponsePatterns": identity.ResponsePatterns,
		"Window":           model.LogWindow{Start: logs[0].ID, End: logs[len(logs)-1].ID},
		"Omitted":          len(logs) - len(shown),
		"Logs":             shown,
	}); err != nil {
		return nil, goerr.Wrap(err, "failed to execute reflect prompt template")
	}

	var proposal model.Proposal
	if err := c.ask(ctx, buf.String(), reflectSchema, &proposal); err != nil {
		return nil, err
	}
	if strings.TrimSpace(proposal.Summary) == "" {
		return nil, goerr.Wrap(model.ErrValidation, "critic returned an empty summary")
	}
	return &proposal, nil
}

func (c *Critic) Evaluate(ctx context.Context, prior *model.ReflectionRecord, logs []*model.LogEntry) (string, error) {
	shown := logs
	if len(shown) > c.promptLogs {
		shown = shown[len(shown)-c.promptLogs:]
	}

	var buf bytes.Buffer
	if err := evaluatePromptTmpl.Execute(&buf, map[string]any{
		"Name":  c.name,
		"Prior": prior,
		"Logs":  shown,
	}); err != nil {
		return "", goerr.Wrap(err, "failed to execute evaluate prompt template")
	}

	var resp struct {
		Evaluation string `json:"evaluation"`
	}
	if err := c.ask(ctx, buf.String(), evaluateSchema, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Evaluation) == "" {
		return "", goerr.Wrap(model.ErrValidation, "critic returned an empty evaluation")
	}
	return resp.Evaluation, nil
}

// ask runs one prompt and decodes the JSON answer into out, retrying answers
// that do not parse or do not match the schema.
func (c *Critic) ask(ctx context.Context, prompt string, schema *compiledSchema, out any) error {
	logger := logging.From(ctx)

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		raw, err := c.generate(ctx, prompt, schema)
		if err != nil {
			return err
		}

		lastErr = schema.decode(raw, out)
		if lastErr == nil {
			return nil
		}
		logger.Warn("critic answer rejected", "attempt", attempt, "error", lastErr)
	}

	return goerr.Wrap(lastErr, "critic did not return a valid answer", goerr.V("attempts", c.attempts))
}

func (c *Critic) generate(ctx context.Context, prompt string, schema *compiledSchema) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	started := time.Now()
	raw, err := c.llm.Generate(ctx, &interfaces.GenerateRequest{
		System: systemPrompt,
		Prompt: prompt,
		Schema: schema.schema,
	})
	if err != nil {
		return "", model.BackendError(err, "critic backend failed")
	}
	logging.From(ctx).Debug("critic answered", "elapsed", time.Since(started), "bytes", len(raw))
	return raw, nil
}

// stripFence removes a surrounding ```json ... ``` block some models add
// despite being asked for bare JSON.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func unmarshalStrict(raw string, out any) error {
	dec := json.NewDecoder(strings.NewReader(raw))
	if err := dec.Decode(out); err != nil {
		return goerr.Wrap(model.ErrValidation, "critic answer is not valid JSON", goerr.V("error", err.Error()))
	}
	return nil
}
