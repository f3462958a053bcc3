// Package validation holds the named checks a response must pass before a
// run is considered successful.
package validation

import (
	"github.com/vietddude/promptloop/internal/core/domain"
)

// Context is the caller-supplied request context a strategy may read.
// Strategies must not mutate it.
type Context map[string]any

// Strategy is a stateless check over a raw response.
type Strategy interface {
	// Name returns the strategy identifier
	Name() string

	// Evaluate judges response. A failing outcome must carry a non-empty error.
	Evaluate(response string, rc Context) domain.ValidationOutcome
}

// Func adapts a plain function to a Strategy.
type Func struct {
	ID string
	Fn func(response string, rc Context) domain.ValidationOutcome
}

func (f Func) Name() string { return f.ID }

func (f Func) Evaluate(response string, rc Context) domain.ValidationOutcome {
	return f.Fn(response, rc)
}

// named pins the registered name onto a resolved strategy.
type named struct {
	Strategy
	name string
}

func (n named) Name() string { return n.name }

// EvaluateAll runs every strategy against response, in order, without
// stopping at the first failure.
func EvaluateAll(strategies []Strategy, response string, rc Context) []domain.ValidationOutcome {
	outcomes := make([]domain.ValidationOutcome, 0, len(strategies))
	for _, s := range strategies {
		o := s.Evaluate(response, rc)
		o.Strategy = s.Name()
		if !o.Valid && o.Error == "" {
			o = domain.Fail(s.Name(), "", o.Suggestions...)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes
}
