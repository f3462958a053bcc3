package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vietddude/promptloop/internal/core/domain"
)

var (
	// ErrValidationExhausted matches *ExhaustedError.
	ErrValidationExhausted = errors.New("validation exhausted")

	// ErrEscalationRequired matches *EscalationError.
	ErrEscalationRequired = errors.New("human escalation required")

	// ErrCancelled is returned when the run observed a cancellation signal
	// between attempts.
	ErrCancelled = errors.New("run cancelled")
)

// TransportError wraps a transport failure on the final attempt.
type TransportError struct {
	Attempt int
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failed on attempt %d: %v", e.Attempt, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ExhaustedError is returned when every attempt ran and the last one was
// still invalid. Errors lists the last attempt's outcome errors only.
type ExhaustedError struct {
	Attempts int
	Errors   []string
	History  []domain.AttemptRecord
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("validation exhausted after %d attempts: %s", e.Attempts, strings.Join(e.Errors, "; "))
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrValidationExhausted }

// EscalationError is returned when the human-escalation threshold is reached.
// No transport call is made for Attempt.
type EscalationError struct {
	Attempt      int
	History      []domain.AttemptRecord
	LastResponse string
}

func (e *EscalationError) Error() string {
	return fmt.Sprintf("human escalation required at attempt %d", e.Attempt)
}

func (e *EscalationError) Is(target error) bool { return target == ErrEscalationRequired }

// Kind classifies a run error for persistence.
func Kind(err error) domain.ErrorKind {
	var te *TransportError
	switch {
	case err == nil:
		return domain.KindNone
	case errors.As(err, &te):
		return domain.KindTransport
	case errors.Is(err, ErrValidationExhausted):
		return domain.KindValidationExhausted
	case errors.Is(err, ErrEscalationRequired):
		return domain.KindEscalationRequired
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return domain.KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return domain.KindTimeout
	default:
		return domain.KindInternal
	}
}
