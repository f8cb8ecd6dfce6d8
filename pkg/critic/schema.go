package critic

import (
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/reverie/pkg/model"
)

type compiledSchema struct {
	schema   *jsonschema.Schema
	resolved *jsonschema.Resolved
}

func mustCompile(s *jsonschema.Schema) *compiledSchema {
	resolved, err := s.Resolve(nil)
	if err != nil {
		panic(err)
	}
	return &compiledSchema{schema: s, resolved: resolved}
}

var (
	reflectSchema = mustCompile(&jsonschema.Schema{
		Type:     "object",
		Required: []string{"summary", "changes"},
		Properties: map[string]*jsonschema.Schema{
			"summary": {
				Type:        "string",
				Description: "What happened in the conversation and what the agent noticed about itself",
			},
			"changes": {
				Type:        "array",
				Description: "Proposed identity changes, possibly empty",
				Items: &jsonschema.Schema{
					Type:     "object",
					Required: []string{"field", "before", "after"},
					Properties: map[string]*jsonschema.Schema{
						"field": {
							Type: "string",
							Enum: []any{
								string(model.FieldBeliefs),
								string(model.FieldValues),
								string(model.FieldResponsePatterns),
							},
						},
						"key":    {Type: "string", Description: "Belief name; empty for values and response_patterns"},
						"before": {Type: "string", Description: "Current statement copied exactly, or empty to add"},
						"after":  {Type: "string", Description: "New statement, or empty to remove"},
					},
				},
			},
		},
	})

	evaluateSchema = mustCompile(&jsonschema.Schema{
		Type:     "object",
		Required: []string{"evaluation"},
		Properties: map[string]*jsonschema.Schema{
			"evaluation": {
				Type:        "string",
				Description: "Whether the previous reflection's changes were borne out",
			},
		},
	})
)

// decode validates raw against the schema and then unmarshals it into out.
func (s *compiledSchema) decode(raw string, out any) error {
	body := stripFence(raw)

	var instance any
	if err := unmarshalStrict(body, &instance); err != nil {
		return err
	}
	if err := s.resolved.Validate(instance); err != nil {
		return goerr.Wrap(model.ErrValidation, "critic answer does not match schema", goerr.V("error", err.Error()))
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return goerr.Wrap(model.ErrValidation, "failed to decode critic answer", goerr.V("error", err.Error()))
	}
	return nil
}
