package adapter

import (
	"slices"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"
)

var genaiTypes = map[string]genai.Type{
	"object":  genai.TypeObject,
	"array":   genai.TypeArray,
	"string":  genai.TypeString,
	"number":  genai.TypeNumber,
	"integer": genai.TypeInteger,
	"boolean": genai.TypeBoolean,
}

// convertJSONSchemaToGenai maps the subset of JSON Schema used for response
// schemas onto genai.Schema. A ["T", "null"] type union becomes a nullable T.
func convertJSONSchemaToGenai(schema *jsonschema.Schema) (*genai.Schema, error) {
	if schema == nil {
		return nil, nil
	}

	out := &genai.Schema{
		Description: schema.Description,
		Required:    schema.Required,
	}

	typ := schema.Type
	if typ == "" && len(schema.Types) > 0 {
		types := slices.DeleteFunc(slices.Clone(schema.Types), func(t string) bool { return t == "null" })
		if len(types) != 1 {
			return nil, goerr.New("unsupported type union", goerr.V("types", schema.Types))
		}
		typ = types[0]
		nullable := len(types) != len(schema.Types)
		out.Nullable = &nullable
	}
	if typ != "" {
		t, ok := genaiTypes[typ]
		if !ok {
			return nil, goerr.New("unsupported schema type", goerr.V("type", typ))
		}
		out.Type = t
	}

	for _, v := range schema.Enum {
		if s, ok := v.(string); ok {
			out.Enum = append(out.Enum, s)
		}
	}

	if len(schema.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(schema.Properties))
		for name, prop := range schema.Properties {
			converted, err := convertJSONSchemaToGenai(prop)
			if err != nil {
				return nil, goerr.Wrap(err, "failed to convert property schema", goerr.V("property", name))
			}
			out.Properties[name] = converted
		}
	}

	if schema.Items != nil {
		converted, err := convertJSONSchemaToGenai(schema.Items)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to convert items schema")
		}
		out.Items = converted
	}

	return out, nil
}
