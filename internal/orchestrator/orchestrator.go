// Package orchestrator drives one logical request through validated attempts:
// call the transport, judge the response, feed corrections back and back off
// until the response passes, attempts run out or a human is needed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/promptloop/internal/core/clock"
	"github.com/vietddude/promptloop/internal/core/domain"
	"github.com/vietddude/promptloop/internal/infra/llm"
	"github.com/vietddude/promptloop/internal/metrics"
	"github.com/vietddude/promptloop/internal/validation"
)

// Run describes one logical request.
type Run struct {
	Request   domain.Request
	Policy    domain.RetryPolicy
	Transport llm.Transport

	// Cancel, when closed, stops the run at the next attempt boundary.
	// A transport call in flight is never interrupted by it.
	Cancel <-chan struct{}

	// CancelRequested is consulted before every retry, after any backoff
	// wait. It lets a cancel recorded elsewhere stop the run before the next
	// transport call.
	CancelRequested func() bool

	// OnAttempt receives every record as soon as it is produced. Returning
	// ErrCancelled requests cancellation; any other error aborts the run.
	OnAttempt func(domain.AttemptRecord) error
}

// Result is the outcome of a run. It is returned alongside errors too, so
// callers always see the attempts that were made.
type Result struct {
	Response   string
	Attempts   []domain.AttemptRecord
	Transcript domain.Transcript
}

type stepKind int

const (
	stepSuccess stepKind = iota
	stepRetry
	stepTerminal
)

// step is the decision taken after one attempt.
type step struct {
	kind     stepKind
	feedback []domain.Turn
	err      error
}

// Orchestrator executes runs. It holds no per-run state and is safe for
// concurrent use; each Run is single-threaded.
type Orchestrator struct {
	registry *validation.Registry
	clock    clock.Clock
	logger   *slog.Logger
}

// New creates an orchestrator resolving strategies from registry.
func New(registry *validation.Registry, clk clock.Clock) *Orchestrator {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Orchestrator{
		registry: registry,
		clock:    clk,
		logger:   slog.Default().With("component", "orchestrator"),
	}
}

// Run executes the request until it succeeds or reaches a terminal error.
// The returned Result is never nil.
func (o *Orchestrator) Run(ctx context.Context, run Run) (*Result, error) {
	res := &Result{Transcript: run.Request.Transcript.Clone()}

	if run.Transport == nil {
		return res, errors.New("orchestrator: transport is required")
	}
	if err := run.Policy.Validate(); err != nil {
		return res, err
	}
	strategies, err := o.registry.Resolve(run.Request.Strategies)
	if err != nil {
		return res, err
	}

	req := run.Request
	policy := run.Policy
	log := o.logger.With("model", req.Model)
	cancelRequested := false

	var delay time.Duration
	for i := 0; ; i++ {
		if policy.EscalationDue(i) {
			return res, o.escalate(log, res, i)
		}
		if cancelRequested || isClosed(run.Cancel) || (i > 0 && run.CancelRequested != nil && run.CancelRequested()) {
			log.Info("Run cancelled between attempts", "attempt", i)
			return res, ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		rec := o.attempt(ctx, run.Transport, res.Transcript, strategies, req, i, delay)
		res.Attempts = append(res.Attempts, rec)

		if run.OnAttempt != nil {
			if err := run.OnAttempt(rec); err != nil {
				if !errors.Is(err, ErrCancelled) {
					return res, fmt.Errorf("record attempt %d: %w", i, err)
				}
				cancelRequested = true
			}
		}

		st := o.decide(rec, i, policy, req)
		switch st.kind {
		case stepSuccess:
			res.Response = rec.Response
			log.Info("Response validated", "attempt", i)
			return res, nil
		case stepTerminal:
			var exhausted *ExhaustedError
			if errors.As(st.err, &exhausted) {
				exhausted.History = cloneRecords(res.Attempts)
			}
			log.Warn("Run failed", "attempt", i, "error", st.err)
			return res, st.err
		}

		res.Transcript = res.Transcript.Append(st.feedback...)

		if policy.EscalationDue(i + 1) {
			return res, o.escalate(log, res, i+1)
		}
		if cancelRequested || isClosed(run.Cancel) {
			log.Info("Run cancelled between attempts", "attempt", i+1)
			return res, ErrCancelled
		}

		delay = policy.Delay(i)
		metrics.BackoffSeconds.Observe(delay.Seconds())
		log.Debug("Backing off before retry", "attempt", i+1, "delay", delay)
		if err := o.wait(ctx, delay, run.Cancel); err != nil {
			return res, err
		}
	}
}

// attempt performs one transport call and validates the response.
func (o *Orchestrator) attempt(
	ctx context.Context,
	transport llm.Transport,
	transcript domain.Transcript,
	strategies []validation.Strategy,
	req domain.Request,
	index int,
	delay time.Duration,
) domain.AttemptRecord {
	rec := domain.AttemptRecord{
		Index:     index,
		Timestamp: o.clock.Now(),
		Delay:     delay,
	}

	// Hand the transport its own copy so a misbehaving one cannot rewrite history.
	resp, err := transport.Invoke(ctx, transcript.Clone(), req.Model)
	if err != nil {
		rec.TransportError = err.Error()
		metrics.AttemptsTotal.WithLabelValues(req.Model, "transport_error").Inc()
		o.logger.Warn("Transport call failed", "model", req.Model, "attempt", index, "error", err)
		return rec
	}

	rec.Response = resp
	rec.Outcomes = validation.EvaluateAll(strategies, resp, validation.Context(req.Context))
	if domain.AllValid(rec.Outcomes) {
		metrics.AttemptsTotal.WithLabelValues(req.Model, "success").Inc()
		return rec
	}

	metrics.AttemptsTotal.WithLabelValues(req.Model, "invalid").Inc()
	for _, f := range domain.Failures(rec.Outcomes) {
		metrics.ValidationFailuresTotal.WithLabelValues(f.Strategy).Inc()
	}
	o.logger.Warn("Response failed validation",
		"model", req.Model,
		"attempt", index,
		"errors", rec.Errors(),
	)
	return rec
}

// decide maps an attempt record to the next step.
func (o *Orchestrator) decide(rec domain.AttemptRecord, i int, policy domain.RetryPolicy, req domain.Request) step {
	if rec.Succeeded() {
		return step{kind: stepSuccess}
	}

	if i+1 >= policy.MaxAttempts {
		if rec.TransportError != "" {
			return step{kind: stepTerminal, err: &TransportError{Attempt: i, Err: errors.New(rec.TransportError)}}
		}
		return step{kind: stepTerminal, err: &ExhaustedError{
			Attempts: i + 1,
			Errors:   rec.Errors(),
		}}
	}

	// Transport failures consume the attempt without growing the transcript.
	if rec.TransportError != "" {
		return step{kind: stepRetry}
	}

	withTool := policy.ToolTier(i)
	if withTool {
		metrics.EscalationsTotal.WithLabelValues("tool").Inc()
	}
	return step{kind: stepRetry, feedback: feedbackTurns(rec, withTool, req.Tool())}
}

func (o *Orchestrator) escalate(log *slog.Logger, res *Result, attempt int) error {
	metrics.EscalationsTotal.WithLabelValues("human").Inc()
	err := &EscalationError{
		Attempt:      attempt,
		History:      cloneRecords(res.Attempts),
		LastResponse: lastResponse(res.Attempts),
	}
	log.Warn("Escalating to human", "attempt", attempt, "attempts_made", len(res.Attempts))
	return err
}

// wait suspends for d unless the run is cancelled or ctx ends first.
func (o *Orchestrator) wait(ctx context.Context, d time.Duration, cancel <-chan struct{}) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-o.clock.After(d):
		return nil
	case <-cancel:
		return ErrCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isClosed(ch <-chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func lastResponse(records []domain.AttemptRecord) string {
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].TransportError == "" {
			return records[i].Response
		}
	}
	return ""
}

func cloneRecords(records []domain.AttemptRecord) []domain.AttemptRecord {
	out := make([]domain.AttemptRecord, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}
