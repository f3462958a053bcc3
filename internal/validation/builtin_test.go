package validation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNonEmpty(t *testing.T) {
	s := NewNonEmpty("ne")
	require.True(t, s.Evaluate("x", nil).Valid)

	o := s.Evaluate("  \n\t", nil)
	require.False(t, o.Valid)
	require.Equal(t, "Response is empty", o.Error)
}

func TestKeyword(t *testing.T) {
	t.Run("requires at least one list", func(t *testing.T) {
		_, err := NewKeyword(KeywordArgs{Name: "kw"})
		require.Error(t, err)
	})

	t.Run("case-insensitive matching", func(t *testing.T) {
		s, err := NewKeyword(KeywordArgs{Name: "kw", MustContain: []string{"HELLO"}})
		require.NoError(t, err)
		require.True(t, s.Evaluate("hello world", nil).Valid)
	})

	t.Run("every violation reported", func(t *testing.T) {
		s, err := NewKeyword(KeywordArgs{
			Name:           "kw",
			MustContain:    []string{"alpha", "beta"},
			MustNotContain: []string{"gamma"},
		})
		require.NoError(t, err)

		o := s.Evaluate("gamma only", nil)
		require.False(t, o.Valid)
		require.Contains(t, o.Error, "Missing expected keyword: alpha")
		require.Contains(t, o.Error, "Missing expected keyword: beta")
		require.Contains(t, o.Error, "Found forbidden keyword: gamma")
		require.Len(t, o.Suggestions, 3)
	})
}

func TestRegex(t *testing.T) {
	t.Run("invalid pattern fails at construction", func(t *testing.T) {
		_, err := NewRegex(RegexArgs{Name: "re", MustMatch: []string{"("}})
		require.Error(t, err)
	})

	t.Run("must match and must not match", func(t *testing.T) {
		s, err := NewRegex(RegexArgs{
			Name:         "re",
			MustMatch:    []string{`\d+`},
			MustNotMatch: []string{`(?i)sorry`},
		})
		require.NoError(t, err)

		require.True(t, s.Evaluate("answer: 42", nil).Valid)

		o := s.Evaluate("Sorry, no idea", nil)
		require.False(t, o.Valid)
		require.Contains(t, o.Error, `does not match required pattern: \d+`)
		require.Contains(t, o.Error, "matches forbidden pattern")
	})
}

func TestMaxLength(t *testing.T) {
	_, err := NewMaxLength(MaxLengthArgs{Name: "len"})
	require.Error(t, err)

	s, err := NewMaxLength(MaxLengthArgs{Name: "len", Max: 3})
	require.NoError(t, err)
	require.True(t, s.Evaluate("héé", nil).Valid)

	o := s.Evaluate("abcd", nil)
	require.False(t, o.Valid)
	require.Equal(t, "Response is 4 characters, limit is 3", o.Error)
}

func TestJSONSchema(t *testing.T) {
	s, err := NewJSONSchema(JSONSchemaArgs{
		Name: "js",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"answer": map[string]any{"type": "integer"},
			},
			"required": []any{"answer"},
		},
	})
	require.NoError(t, err)

	t.Run("valid document", func(t *testing.T) {
		require.True(t, s.Evaluate(`{"answer": 47}`, nil).Valid)
	})

	t.Run("fenced document", func(t *testing.T) {
		require.True(t, s.Evaluate("```json\n{\"answer\": 47}\n```", nil).Valid)
	})

	t.Run("not json", func(t *testing.T) {
		o := s.Evaluate("forty seven", nil)
		require.False(t, o.Valid)
		require.Contains(t, o.Error, "Output is not valid JSON")
	})

	t.Run("schema violation", func(t *testing.T) {
		o := s.Evaluate(`{"answer": "47"}`, nil)
		require.False(t, o.Valid)
		require.Contains(t, o.Error, "Schema validation failed")
	})

	t.Run("schema required", func(t *testing.T) {
		_, err := NewJSONSchema(JSONSchemaArgs{Name: "js"})
		require.Error(t, err)
	})
}
