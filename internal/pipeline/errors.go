package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateSession is returned when a session is opened for a
	// connection that already has one.
	ErrDuplicateSession = errors.New("session already open for connection")

	// ErrSessionNotFound is returned for lookups of unknown connections.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed is returned when feeding a terminated session.
	ErrSessionClosed = errors.New("session closed")

	// ErrCancelled marks work abandoned by barge-in. It is an expected
	// outcome, never surfaced to the client.
	ErrCancelled = errors.New("generation cancelled")
)

// TransportFault is a connection-level failure of one of the engine streams.
// Recoverable: the session decides whether to re-establish the stream or
// terminate.
type TransportFault struct {
	Stage string // "recognition", "generation", or "synthesis"
	Err   error
}

func (f *TransportFault) Error() string {
	return fmt.Sprintf("%s transport fault: %v", f.Stage, f.Err)
}

func (f *TransportFault) Unwrap() error { return f.Err }

// EngineError is an explicit error returned by an engine for one unit or
// turn. Recovered locally: a failed synthesis unit is skipped, a failed
// generation turn yields a fallback response.
type EngineError struct {
	Stage string
	Err   error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s engine error: %v", e.Stage, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }
