package domain

import "time"

// AttemptRecord is the immutable audit entry of one attempt.
type AttemptRecord struct {
	Index          int                 `json:"index"`
	Response       string              `json:"response,omitempty"`
	TransportError string              `json:"transport_error,omitempty"`
	Outcomes       []ValidationOutcome `json:"outcomes,omitempty"`
	Timestamp      time.Time           `json:"timestamp"`
	// Delay is the backoff waited before this attempt started. Zero for attempt 0.
	Delay time.Duration `json:"delay"`
}

// Succeeded reports whether the transport answered and every outcome passed.
func (a AttemptRecord) Succeeded() bool {
	return a.TransportError == "" && AllValid(a.Outcomes)
}

// Errors returns the error messages of the attempt in outcome order.
// A transport failure yields that single message.
func (a AttemptRecord) Errors() []string {
	if a.TransportError != "" {
		return []string{a.TransportError}
	}
	var errs []string
	for _, o := range a.Outcomes {
		if !o.Valid {
			errs = append(errs, o.Error)
		}
	}
	return errs
}

// Clone returns a deep copy.
func (a AttemptRecord) Clone() AttemptRecord {
	out := a
	if a.Outcomes != nil {
		out.Outcomes = make([]ValidationOutcome, len(a.Outcomes))
		for i, o := range a.Outcomes {
			out.Outcomes[i] = o
			if o.Suggestions != nil {
				out.Outcomes[i].Suggestions = append([]string(nil), o.Suggestions...)
			}
		}
	}
	return out
}
