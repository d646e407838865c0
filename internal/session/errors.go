package session

import "fmt"

// SessionError reports an invalid session transition, such as stopping a tab
// that has no active session.
type SessionError struct {
	TabID  int
	Op     string
	Reason string
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s tab %d: %s", e.Op, e.TabID, e.Reason)
}
