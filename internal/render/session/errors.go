package session

import "errors"

// Pool lifecycle errors
var (
	// ErrPoolShutdown is returned when acquiring from a pool that is shutting down
	ErrPoolShutdown = errors.New("session pool is shutting down")

	// ErrResourceExhausted is returned when no session slot frees up within the acquire timeout
	ErrResourceExhausted = errors.New("no rendering session available")

	// ErrSessionInit is returned when a fresh session fails to launch or become ready
	ErrSessionInit = errors.New("session initialization failed")

	// ErrSessionClosed is returned when using a session that has already been released
	ErrSessionClosed = errors.New("session is closed")
)
