package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/m-mizutani/reverie/pkg/model"
	"github.com/m-mizutani/reverie/pkg/usecase/memory"
	"github.com/m-mizutani/reverie/pkg/usecase/reflection"
	"github.com/m-mizutani/reverie/pkg/utils/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type saveMemoryParams struct {
	Text string   `json:"text" jsonschema:"The fact to remember"`
	Tags []string `json:"tags,omitempty" jsonschema:"Optional labels used to filter memories later"`
}

type listMemoriesParams struct {
	Tag    string `json:"tag,omitempty" jsonschema:"Only list memories carrying this tag"`
	Source string `json:"source,omitempty" jsonschema:"Only list memories from this source: user_saved or auto_logged"`
}

type editMemoryParams struct {
	Index int    `json:"index" jsonschema:"1-based position in list_memories output"`
	Text  string `json:"text" jsonschema:"Replacement text"`
}

type forgetMemoryParams struct {
	Index int `json:"index" jsonschema:"1-based position in list_memories output"`
}

type retrieveParams struct {
	Query string `json:"query" jsonschema:"What to look for"`
	K     int    `json:"k,omitempty" jsonschema:"Maximum number of memories to return (default 3)"`
}

type runReflectionParams struct{}

func (s *Server) register() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "save_memory",
		Description: "Save a fact about the user so it can be recalled in later conversations",
	}, s.saveMemory)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_memories",
		Description: "List saved memories with their 1-based index",
	}, s.listMemories)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "edit_memory",
		Description: "Replace the text of the memory at a 1-based index",
	}, s.editMemory)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "forget_memory",
		Description: "Delete the memory at a 1-based index",
	}, s.forgetMemory)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "retrieve",
		Description: "Find the memories most relevant to a query",
	}, s.retrieve)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "run_reflection",
		Description: "Reflect on the conversation since the last reflection and update the agent identity",
	}, s.runReflection)
}

func textResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf(format, args...)},
		},
	}
}

// toolError reports domain errors to the client as a failed tool call
// instead of a protocol error.
func toolError(ctx context.Context, tool string, err error) (*mcp.CallToolResult, any, error) {
	kind := "internal"
	switch {
	case errors.Is(err, model.ErrValidation):
		kind = "validation"
	case errors.Is(err, model.ErrNotFound):
		kind = "not_found"
	case errors.Is(err, model.ErrConflict):
		kind = "conflict"
	case errors.Is(err, model.ErrTimeout):
		kind = "timeout"
	case errors.Is(err, model.ErrUnavailable):
		kind = "unavailable"
	}
	logging.From(ctx).Warn("tool call failed", "tool", tool, "kind", kind, "error", err)

	result := textResult("%s error: %s", kind, err.Error())
	result.IsError = true
	return result, nil, nil
}

func (s *Server) saveMemory(ctx context.Context, _ *mcp.CallToolRequest, params *saveMemoryParams) (*mcp.CallToolResult, any, error) {
	rec, err := s.memory.Save(ctx, params.Text, memory.WithTags(params.Tags...))
	if err != nil {
		return toolError(ctx, "save_memory", err)
	}
	return textResult("Saved memory: %s", rec.Text), nil, nil
}

func (s *Server) listMemories(ctx context.Context, _ *mcp.CallToolRequest, params *listMemoriesParams) (*mcp.CallToolResult, any, error) {
	filter := model.MemoryFilter{Source: model.MemorySource(params.Source)}
	if params.Tag != "" {
		filter.Tags = []string{params.Tag}
	}

	// positions always refer to the unfiltered list so they stay valid for edit and forget
	records, err := s.memory.List(ctx, model.MemoryFilter{})
	if err != nil {
		return toolError(ctx, "list_memories", err)
	}

	var b strings.Builder
	for i, rec := range records {
		if !filter.Match(rec) {
			continue
		}
		fmt.Fprintf(&b, "%d. %s", i+1, rec.Text)
		if len(rec.Tags) > 0 {
			fmt.Fprintf(&b, " [%s]", strings.Join(rec.Tags, ", "))
		}
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return textResult("No memories saved"), nil, nil
	}
	return textResult("%s", strings.TrimRight(b.String(), "\n")), nil, nil
}

func (s *Server) editMemory(ctx context.Context, _ *mcp.CallToolRequest, params *editMemoryParams) (*mcp.CallToolResult, any, error) {
	rec, err := s.memory.Edit(ctx, params.Index, params.Text)
	if err != nil {
		return toolError(ctx, "edit_memory", err)
	}
	return textResult("Updated memory %d: %s", params.Index, rec.Text), nil, nil
}

func (s *Server) forgetMemory(ctx context.Context, _ *mcp.CallToolRequest, params *forgetMemoryParams) (*mcp.CallToolResult, any, error) {
	rec, err := s.memory.Forget(ctx, params.Index)
	if err != nil {
		return toolError(ctx, "forget_memory", err)
	}
	return textResult("Forgot memory %d: %s", params.Index, rec.Text), nil, nil
}

func (s *Server) retrieve(ctx context.Context, _ *mcp.CallToolRequest, params *retrieveParams) (*mcp.CallToolResult, any, error) {
	k := params.K
	if k == 0 {
		k = 3
	}

	hits, err := s.memory.Retrieve(ctx, params.Query, k, model.MemoryFilter{})
	if err != nil {
		return toolError(ctx, "retrieve", err)
	}
	if len(hits) == 0 {
		return textResult("No relevant memories"), nil, nil
	}

	var b strings.Builder
	for _, hit := range hits {
		fmt.Fprintf(&b, "(%.3f) %s\n", hit.Score, hit.Text)
	}
	return textResult("%s", strings.TrimRight(b.String(), "\n")), nil, nil
}

func (s *Server) runReflection(ctx context.Context, _ *mcp.CallToolRequest, _ *runReflectionParams) (*mcp.CallToolResult, any, error) {
	out, err := s.engine.Run(ctx)
	if err != nil {
		return toolError(ctx, "run_reflection", err)
	}

	switch out.Status {
	case reflection.StatusBusy:
		return textResult("A reflection is already running"), nil, nil
	case reflection.StatusNoDelta:
		return textResult("Nothing new to reflect on"), nil, nil
	}

	rec := out.Record
	msg := fmt.Sprintf("Reflected on log %d-%d (%d changes, reflection #%d)\n%s",
		rec.Window.Start, rec.Window.End, len(rec.Changes), out.Identity.ReflectionCount, rec.Summary)
	if out.Remaining {
		msg += "\nMore conversation is waiting; run again to continue."
	}
	return textResult("%s", msg), nil, nil
}
