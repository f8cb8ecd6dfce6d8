package interfaces

import (
	"context"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/reverie/pkg/model"
)

// Embedder converts text to a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Model identifies the embedding model; vectors from different models are not comparable
	Model() string
}

// GenerateRequest is a single-turn text generation call. When Schema is set
// the backend is asked for a JSON document conforming to it.
type GenerateRequest struct {
	System string
	Prompt string
	Schema *jsonschema.Schema
}

// Generator is an external text generation capability.
type Generator interface {
	Generate(ctx context.Context, req *GenerateRequest) (string, error)
}

// Critic summarizes a window of conversation and judges a prior reflection.
type Critic interface {
	Reflect(ctx context.Context, logs []*model.LogEntry, identity *model.IdentityState) (*model.Proposal, error)
	Evaluate(ctx context.Context, prior *model.ReflectionRecord, logs []*model.LogEntry) (string, error)
}
