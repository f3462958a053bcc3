package domain

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskTimeout   TaskStatus = "timeout"
	TaskCancelled TaskStatus = "cancelled"
)

// ValidTransitions defines the allowed status transitions.
// Terminal states have no outgoing edges.
var ValidTransitions = map[TaskStatus][]TaskStatus{
	TaskPending: {TaskRunning, TaskCancelled},
	TaskRunning: {TaskCompleted, TaskFailed, TaskTimeout, TaskCancelled},
}

// CanTransition checks if a transition from one status to another is valid.
func CanTransition(from, to TaskStatus) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskTimeout, TaskCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	return s == TaskPending || s == TaskRunning || s.IsTerminal()
}

// ErrorKind classifies why a run ended without a validated response.
type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindTransport           ErrorKind = "transport"
	KindValidationExhausted ErrorKind = "validation_exhausted"
	KindEscalationRequired  ErrorKind = "escalation_required"
	KindCancelled           ErrorKind = "cancelled"
	KindTimeout             ErrorKind = "timeout"
	KindInternal            ErrorKind = "internal"
)

// ContextTool is the request context key naming the external tool to suggest
// once the tool-use tier is reached.
const ContextTool = "tool"

// ErrInvalidRequest is returned for a request that cannot be run.
var ErrInvalidRequest = errors.New("invalid request")

// Request is the payload of one logical generation request.
type Request struct {
	Transcript Transcript     `json:"transcript"`
	Model      string         `json:"model"`
	Strategies []string       `json:"strategies"`
	Context    map[string]any `json:"context,omitempty"`
}

// Validate checks the request shape. Strategy names are checked by the registry.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	if len(r.Transcript) == 0 {
		return fmt.Errorf("%w: transcript is empty", ErrInvalidRequest)
	}
	for i, t := range r.Transcript {
		if !t.Role.Valid() {
			return fmt.Errorf("%w: turn %d has unknown role %q", ErrInvalidRequest, i, t.Role)
		}
	}
	return nil
}

// Tool returns the tool identifier supplied in the request context, or "".
func (r Request) Tool() string {
	if v, ok := r.Context[ContextTool].(string); ok {
		return v
	}
	return ""
}

// Clone returns a copy whose transcript, strategy list and context map are not shared.
func (r Request) Clone() Request {
	out := r
	out.Transcript = r.Transcript.Clone()
	if r.Strategies != nil {
		out.Strategies = append([]string(nil), r.Strategies...)
	}
	if r.Context != nil {
		out.Context = maps.Clone(r.Context)
	}
	return out
}

// TaskResult is the terminal write of a task.
type TaskResult struct {
	Status TaskStatus `json:"status"`
	Result string     `json:"result,omitempty"`
	Error  string     `json:"error,omitempty"`
	Kind   ErrorKind  `json:"error_kind,omitempty"`
}

// Task is a durable, pollable handle to one orchestrator run.
type Task struct {
	ID              string          `json:"id"`
	Status          TaskStatus      `json:"status"`
	Request         Request         `json:"request"`
	Policy          RetryPolicy     `json:"policy"`
	Attempts        []AttemptRecord `json:"attempts"`
	Result          string          `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	ErrorKind       ErrorKind       `json:"error_kind,omitempty"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Clone returns a snapshot that shares no mutable state with t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.Request = t.Request.Clone()
	out.Policy = t.Policy.Clone()
	if t.Attempts != nil {
		out.Attempts = make([]AttemptRecord, len(t.Attempts))
		for i, a := range t.Attempts {
			out.Attempts[i] = a.Clone()
		}
	}
	return &out
}

// LastResponse returns the most recent raw response, skipping transport failures.
func (t *Task) LastResponse() string {
	for i := len(t.Attempts) - 1; i >= 0; i-- {
		if t.Attempts[i].TransportError == "" {
			return t.Attempts[i].Response
		}
	}
	return ""
}
