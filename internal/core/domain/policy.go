package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidPolicy is returned when a RetryPolicy violates its invariants.
var ErrInvalidPolicy = errors.New("invalid retry policy")

// RetryPolicy controls how many attempts a request gets, how long to wait
// between them and at which attempt indices behavior escalates.
type RetryPolicy struct {
	MaxAttempts   int           `json:"max_attempts"   yaml:"max_attempts"`
	InitialDelay  time.Duration `json:"initial_delay"  yaml:"initial_delay"`
	BackoffFactor float64       `json:"backoff_factor" yaml:"backoff_factor"`
	MaxDelay      time.Duration `json:"max_delay"      yaml:"max_delay"`

	// ToolUseAfterAttempt is the 0-based attempt index from which feedback
	// carries a directive to use an external tool. Nil disables the tier.
	ToolUseAfterAttempt *int `json:"tool_use_after_attempt,omitempty" yaml:"tool_use_after_attempt"`

	// HumanEscalationAfterAttempt is the 0-based attempt index at which the
	// run stops and asks for a human instead of calling the transport again.
	HumanEscalationAfterAttempt *int `json:"human_escalation_after_attempt,omitempty" yaml:"human_escalation_after_attempt"`
}

// DefaultRetryPolicy provides sensible defaults: 1s, 2s, 4s (max 30s).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  1 * time.Second,
		BackoffFactor: 2.0,
		MaxDelay:      30 * time.Second,
	}
}

// AttemptIndex returns a pointer to n, for the optional threshold fields.
func AttemptIndex(n int) *int {
	return &n
}

// Validate checks the policy invariants.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("%w: max_attempts must be >= 1, got %d", ErrInvalidPolicy, p.MaxAttempts)
	case p.InitialDelay <= 0:
		return fmt.Errorf("%w: initial_delay must be > 0, got %s", ErrInvalidPolicy, p.InitialDelay)
	case p.BackoffFactor < 1:
		return fmt.Errorf("%w: backoff_factor must be >= 1, got %g", ErrInvalidPolicy, p.BackoffFactor)
	case p.MaxDelay < p.InitialDelay:
		return fmt.Errorf("%w: max_delay %s is below initial_delay %s", ErrInvalidPolicy, p.MaxDelay, p.InitialDelay)
	}
	if p.ToolUseAfterAttempt != nil && *p.ToolUseAfterAttempt < 0 {
		return fmt.Errorf("%w: tool_use_after_attempt must be >= 0", ErrInvalidPolicy)
	}
	if p.HumanEscalationAfterAttempt != nil {
		if *p.HumanEscalationAfterAttempt < 0 {
			return fmt.Errorf("%w: human_escalation_after_attempt must be >= 0", ErrInvalidPolicy)
		}
		if p.ToolUseAfterAttempt != nil && *p.HumanEscalationAfterAttempt < *p.ToolUseAfterAttempt {
			return fmt.Errorf(
				"%w: human_escalation_after_attempt %d is below tool_use_after_attempt %d",
				ErrInvalidPolicy,
				*p.HumanEscalationAfterAttempt,
				*p.ToolUseAfterAttempt,
			)
		}
	}
	return nil
}

// Delay returns the wait applied after attempt i (0-indexed):
// min(InitialDelay * BackoffFactor^i, MaxDelay).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// ToolTier reports whether feedback produced after attempt i carries the tool directive.
func (p RetryPolicy) ToolTier(attempt int) bool {
	return p.ToolUseAfterAttempt != nil && attempt >= *p.ToolUseAfterAttempt
}

// EscalationDue reports whether attempt i must be replaced by a human handoff.
func (p RetryPolicy) EscalationDue(attempt int) bool {
	return p.HumanEscalationAfterAttempt != nil && attempt >= *p.HumanEscalationAfterAttempt
}

// Clone returns a copy whose threshold pointers are not shared with p.
func (p RetryPolicy) Clone() RetryPolicy {
	out := p
	if p.ToolUseAfterAttempt != nil {
		out.ToolUseAfterAttempt = AttemptIndex(*p.ToolUseAfterAttempt)
	}
	if p.HumanEscalationAfterAttempt != nil {
		out.HumanEscalationAfterAttempt = AttemptIndex(*p.HumanEscalationAfterAttempt)
	}
	return out
}
