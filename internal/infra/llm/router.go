package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/promptloop/internal/core/domain"
)

// AnyModel binds a transport as the fallback for models without their own binding.
const AnyModel = "*"

// circuitThreshold is the number of consecutive failures that opens a binding's circuit.
const circuitThreshold = 5

// ErrNoTransport is returned when no transport is bound to a model.
var ErrNoTransport = errors.New("no transport bound to model")

type bindingMetrics struct {
	successCount     int
	failureCount     int
	totalLatency     time.Duration
	lastSuccessAt    time.Time
	lastFailureAt    time.Time
	consecutiveFails int
	circuitOpen      bool
}

type binding struct {
	name      string
	transport Transport
	metrics   bindingMetrics
}

// BindingStats is a snapshot of one binding's health.
type BindingStats struct {
	Model            string        `json:"model"`
	Name             string        `json:"name"`
	SuccessCount     int           `json:"success_count"`
	FailureCount     int           `json:"failure_count"`
	AvgLatency       time.Duration `json:"avg_latency"`
	ConsecutiveFails int           `json:"consecutive_fails"`
	CircuitOpen      bool          `json:"circuit_open"`
}

// Router resolves a model identifier to a transport. Several transports may
// serve one model; the first whose circuit is closed wins.
type Router struct {
	mu       sync.RWMutex
	bindings map[string][]*binding
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{bindings: make(map[string][]*binding)}
}

// Add binds t under name for model. Use AnyModel for a fallback.
func (r *Router) Add(model, name string, t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bindings[model] = append(r.bindings[model], &binding{
		name:      name,
		transport: t,
		metrics:   bindingMetrics{lastSuccessAt: time.Now()},
	})
}

// Resolve returns the transport for model. The returned transport reports
// its outcomes back to the router.
func (r *Router) Resolve(model string) (Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := r.bindings[model]
	if len(candidates) == 0 {
		candidates = r.bindings[AnyModel]
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoTransport, model)
	}

	// All circuits open: fall back to the binding that failed longest ago.
	chosen := candidates[0]
	for _, b := range candidates {
		if !b.metrics.circuitOpen {
			chosen = b
			break
		}
		if b.metrics.lastFailureAt.Before(chosen.metrics.lastFailureAt) {
			chosen = b
		}
	}
	return &trackedTransport{router: r, binding: chosen}, nil
}

// Stats returns a snapshot of every binding, ordered by model then name.
func (r *Router) Stats() []BindingStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []BindingStats
	for model, bs := range r.bindings {
		for _, b := range bs {
			s := BindingStats{
				Model:            model,
				Name:             b.name,
				SuccessCount:     b.metrics.successCount,
				FailureCount:     b.metrics.failureCount,
				ConsecutiveFails: b.metrics.consecutiveFails,
				CircuitOpen:      b.metrics.circuitOpen,
			}
			if b.metrics.successCount > 0 {
				s.AvgLatency = b.metrics.totalLatency / time.Duration(b.metrics.successCount)
			}
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Model != out[j].Model {
			return out[i].Model < out[j].Model
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (r *Router) recordSuccess(b *binding, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b.metrics.successCount++
	b.metrics.totalLatency += latency
	b.metrics.lastSuccessAt = time.Now()
	b.metrics.consecutiveFails = 0
	b.metrics.circuitOpen = false
}

func (r *Router) recordFailure(b *binding) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b.metrics.failureCount++
	b.metrics.lastFailureAt = time.Now()
	b.metrics.consecutiveFails++

	if b.metrics.consecutiveFails >= circuitThreshold {
		b.metrics.circuitOpen = true
	}
}

type trackedTransport struct {
	router  *Router
	binding *binding
}

func (t *trackedTransport) Invoke(ctx context.Context, transcript domain.Transcript, model string) (string, error) {
	start := time.Now()
	resp, err := t.binding.transport.Invoke(ctx, transcript, model)
	if err != nil {
		t.router.recordFailure(t.binding)
		return "", fmt.Errorf("%s: %w", t.binding.name, err)
	}
	t.router.recordSuccess(t.binding, time.Since(start))
	return resp, nil
}
