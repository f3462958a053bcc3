package domain

// Role identifies who authored a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Turn is a single entry in a transcript.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Transcript is the ordered conversation handed to a transport on every attempt.
// It only ever grows: turns are appended, never removed or rewritten.
type Transcript []Turn

// Clone returns a copy that shares no backing array with t.
func (t Transcript) Clone() Transcript {
	if t == nil {
		return nil
	}
	out := make(Transcript, len(t))
	copy(out, t)
	return out
}

// Append returns the transcript with the given turns added at the end.
func (t Transcript) Append(turns ...Turn) Transcript {
	return append(t, turns...)
}

// LastUser returns the content of the most recent user turn, or "".
func (t Transcript) LastUser() string {
	for i := len(t) - 1; i >= 0; i-- {
		if t[i].Role == RoleUser {
			return t[i].Content
		}
	}
	return ""
}
