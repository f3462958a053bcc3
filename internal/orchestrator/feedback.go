package orchestrator

import (
	"fmt"
	"strings"

	"github.com/vietddude/promptloop/internal/core/domain"
)

const feedbackHeader = "Your previous response did not pass validation. Fix the following and answer again:"

// Feedback renders the corrective user turn for the failing outcomes of an
// attempt. When withTool is set the turn also asks the model to use tool.
func Feedback(outcomes []domain.ValidationOutcome, withTool bool, tool string) string {
	var b strings.Builder
	b.WriteString(feedbackHeader)
	for _, o := range outcomes {
		if o.Valid {
			continue
		}
		fmt.Fprintf(&b, "\n- %s", o.Error)
		for _, s := range o.Suggestions {
			fmt.Fprintf(&b, "\n  Suggestion: %s", s)
		}
	}
	if withTool {
		b.WriteString("\n")
		if tool != "" {
			fmt.Fprintf(&b, "\nUse the %s tool to check your answer before responding.", tool)
		} else {
			b.WriteString("\nUse an available external tool to check your answer before responding.")
		}
	}
	return b.String()
}

// feedbackTurns returns the assistant/user pair appended after a failed attempt.
func feedbackTurns(rec domain.AttemptRecord, withTool bool, tool string) []domain.Turn {
	return []domain.Turn{
		{Role: domain.RoleAssistant, Content: rec.Response},
		{Role: domain.RoleUser, Content: Feedback(rec.Outcomes, withTool, tool)},
	}
}
