package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/vietddude/promptloop/internal/core/domain"
)

// JSONSchemaArgs holds the arguments for creating a json_schema strategy.
type JSONSchemaArgs struct {
	Name string
	// Schema is an inline JSON schema object.
	Schema map[string]any `mapstructure:"schema"`
}

type jsonSchema struct {
	name   string
	schema *jsonschema.Schema
}

// NewJSONSchema compiles the schema once; Evaluate only validates.
func NewJSONSchema(args JSONSchemaArgs) (Strategy, error) {
	if args.Schema == nil {
		return nil, fmt.Errorf("json_schema strategy '%s' must have a 'schema'", args.Name)
	}

	// Round-trip through JSON so the compiler sees plain JSON values.
	raw, err := json.Marshal(normalize(args.Schema))
	if err != nil {
		return nil, fmt.Errorf("json_schema strategy '%s': failed to serialize schema: %w", args.Name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("json_schema strategy '%s': failed to parse schema: %w", args.Name, err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("json_schema strategy '%s': failed to add schema resource: %w", args.Name, err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("json_schema strategy '%s': failed to compile schema: %w", args.Name, err)
	}

	return &jsonSchema{name: args.Name, schema: schema}, nil
}

func (s *jsonSchema) Name() string { return s.name }

func (s *jsonSchema) Evaluate(response string, _ Context) domain.ValidationOutcome {
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(extractJSON(response)))
	if err != nil {
		return domain.Fail(
			s.name,
			fmt.Sprintf("Output is not valid JSON: %v", err),
			"Respond with a single JSON document and no surrounding prose",
		)
	}
	if err := s.schema.Validate(value); err != nil {
		return domain.Fail(
			s.name,
			fmt.Sprintf("Schema validation failed: %v", err),
			"Fix the JSON so it satisfies the required schema",
		)
	}
	return domain.Pass(s.name)
}

// extractJSON strips a surrounding markdown code fence, if any.
func extractJSON(response string) string {
	trimmed := strings.TrimSpace(response)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if nl := strings.IndexByte(trimmed, '\n'); nl >= 0 {
		trimmed = trimmed[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(trimmed), "```"))
}
