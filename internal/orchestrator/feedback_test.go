package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vietddude/promptloop/internal/core/domain"
)

func TestFeedback_Format(t *testing.T) {
	outcomes := []domain.ValidationOutcome{
		domain.Fail("a", "must contain digit 7", "Try 7", "Try 17"),
		domain.Pass("b"),
		domain.Fail("c", "too long"),
	}

	got := Feedback(outcomes, false, "")
	want := feedbackHeader +
		"\n- must contain digit 7" +
		"\n  Suggestion: Try 7" +
		"\n  Suggestion: Try 17" +
		"\n- too long"
	require.Equal(t, want, got)
}

func TestFeedback_ToolDirective(t *testing.T) {
	outcomes := []domain.ValidationOutcome{domain.Fail("a", "wrong")}

	require.Contains(t, Feedback(outcomes, true, "web_search"), "Use the web_search tool")
	require.NotContains(t, Feedback(outcomes, false, "web_search"), "web_search")
}

func TestFeedbackTurns_Order(t *testing.T) {
	rec := domain.AttemptRecord{
		Response: "42",
		Outcomes: []domain.ValidationOutcome{domain.Fail("a", "must contain digit 7")},
	}
	turns := feedbackTurns(rec, false, "")
	require.Len(t, turns, 2)
	require.Equal(t, domain.Turn{Role: domain.RoleAssistant, Content: "42"}, turns[0])
	require.Equal(t, domain.RoleUser, turns[1].Role)
	require.Contains(t, turns[1].Content, "must contain digit 7")
}
