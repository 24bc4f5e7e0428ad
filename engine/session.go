package engine

import "github.com/google/uuid"

// SessionID identifies one logical generation stream.
type SessionID string

// NewSessionID returns a fresh random session id.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}
