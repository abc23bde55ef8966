package session

import (
	"time"
)

// Phase represents the lifecycle phase of a session
type Phase string

const (
	// PhaseInitializing indicates the underlying client is being created
	PhaseInitializing Phase = "initializing"
	// PhaseAwaitingCredential indicates a pairing credential has been issued
	// and the session is waiting to be linked by a device
	PhaseAwaitingCredential Phase = "awaiting_credential"
	// PhaseConnected indicates the session is linked and online
	PhaseConnected Phase = "connected"
	// PhaseDisconnected indicates the underlying client dropped the connection
	PhaseDisconnected Phase = "disconnected"
	// PhaseManuallyLoggedOut is terminal: reached only via explicit logout
	PhaseManuallyLoggedOut Phase = "manually_logged_out"
	// PhaseFailed is terminal: reached only via unrecoverable creation error
	PhaseFailed Phase = "failed"
)

// Terminal reports whether no automatic transition may leave this phase.
func (p Phase) Terminal() bool {
	return p == PhaseManuallyLoggedOut || p == PhaseFailed
}

// ClientHandle is the registry's view of the underlying client connection.
// The concrete type is owned by the engine package; the registry only
// tracks exclusive ownership.
type ClientHandle interface{}

// Record represents one active or in-progress session
type Record struct {
	Name   string
	Phase  Phase
	Client ClientHandle
	// ManualLogout is sticky: once set the record must never re-enter an
	// active phase automatically
	ManualLogout bool
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
