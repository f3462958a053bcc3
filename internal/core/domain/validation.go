package domain

// ValidationOutcome is the verdict of one strategy on one response.
// When Valid is false, Error is never empty.
type ValidationOutcome struct {
	Strategy    string   `json:"strategy"`
	Valid       bool     `json:"valid"`
	Error       string   `json:"error,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Pass builds a passing outcome.
func Pass(strategy string) ValidationOutcome {
	return ValidationOutcome{Strategy: strategy, Valid: true}
}

// Fail builds a failing outcome. An empty message is replaced so the
// outcome never fails silently.
func Fail(strategy, message string, suggestions ...string) ValidationOutcome {
	if message == "" {
		message = "response rejected by " + strategy
	}
	return ValidationOutcome{
		Strategy:    strategy,
		Valid:       false,
		Error:       message,
		Suggestions: suggestions,
	}
}

// AllValid reports whether every outcome passed. An empty set passes.
func AllValid(outcomes []ValidationOutcome) bool {
	for _, o := range outcomes {
		if !o.Valid {
			return false
		}
	}
	return true
}

// Failures returns the failing outcomes in their original order.
func Failures(outcomes []ValidationOutcome) []ValidationOutcome {
	var out []ValidationOutcome
	for _, o := range outcomes {
		if !o.Valid {
			out = append(out, o)
		}
	}
	return out
}
