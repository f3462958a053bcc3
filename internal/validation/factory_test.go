package validation

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func TestCreate(t *testing.T) {
	t.Run("keyword", func(t *testing.T) {
		s, err := Create(TypeKeyword, "digit7", map[string]any{"must_contain": []any{"7"}})
		require.NoError(t, err)
		require.Equal(t, "digit7", s.Name())
		require.False(t, s.Evaluate("42", nil).Valid)
		require.True(t, s.Evaluate("47", nil).Valid)
	})

	t.Run("max_length accepts string numbers", func(t *testing.T) {
		s, err := Create(TypeMaxLength, "short", map[string]any{"max": "5"})
		require.NoError(t, err)
		require.False(t, s.Evaluate("too long", nil).Valid)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := Create("telepathy", "x", nil)
		require.Error(t, err)
		require.Contains(t, err.Error(), "not a valid strategy type")
	})
}

func TestRegisterDefinitions_FromYAML(t *testing.T) {
	raw := `
- name: json
  type: json_schema
  params:
    schema:
      type: object
      required: [answer]
      properties:
        answer:
          type: integer
- name: present
  type: non_empty
`
	var defs []Definition
	require.NoError(t, yaml.Unmarshal([]byte(raw), &defs))

	r := NewRegistry()
	require.NoError(t, r.RegisterDefinitions(defs))

	strategies, err := r.Resolve([]string{"json", "present"})
	require.NoError(t, err)

	outcomes := EvaluateAll(strategies, `{"answer": 1}`, nil)
	require.True(t, outcomes[0].Valid, outcomes[0].Error)
	require.True(t, outcomes[1].Valid)

	require.ErrorIs(t, r.RegisterDefinitions(defs[1:]), ErrDuplicateStrategy)
}
