package validation

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrDuplicateStrategy is returned when a name is registered twice.
var ErrDuplicateStrategy = errors.New("duplicate validation strategy")

// ErrUnknownStrategy matches any *UnknownStrategyError.
var ErrUnknownStrategy = errors.New("unknown validation strategy")

// UnknownStrategyError names the entry Resolve could not find.
type UnknownStrategyError struct {
	Name string
}

func (e *UnknownStrategyError) Error() string {
	return fmt.Sprintf("unknown validation strategy %q", e.Name)
}

func (e *UnknownStrategyError) Is(target error) bool {
	return target == ErrUnknownStrategy
}

// Registry maps strategy names to strategies. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register adds s under name.
func (r *Registry) Register(name string, s Strategy) error {
	if name == "" {
		return errors.New("strategy name is required")
	}
	if s == nil {
		return fmt.Errorf("strategy %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.strategies[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateStrategy, name)
	}
	r.strategies[name] = s
	return nil
}

// Resolve returns the strategies for names in the order given.
func (r *Registry) Resolve(names []string) ([]Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Strategy, 0, len(names))
	for _, name := range names {
		s, ok := r.strategies[name]
		if !ok {
			return nil, &UnknownStrategyError{Name: name}
		}
		out = append(out, named{Strategy: s, name: name})
	}
	return out, nil
}

// Names lists registered strategies, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
