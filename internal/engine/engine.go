package engine

import (
	"context"
)

// State is the connection state reported by the underlying client
type State string

const (
	// StateConnected indicates the client is linked and online
	StateConnected State = "connected"
	// StateDisconnected indicates the client lost or closed its connection
	StateDisconnected State = "disconnected"
	// StateOther covers intermediate states (pairing, syncing, opening)
	StateOther State = "other"
)

// Callbacks carries the event hooks injected into a connect attempt.
// Both fire on the engine's event goroutine; handlers must not block.
type Callbacks struct {
	// OnCredential is invoked each time the client issues a pairing
	// credential (QR payload)
	OnCredential func(payload string)

	// OnCredentialExpired is invoked when the current credential lapses
	// before a device linked it
	OnCredentialExpired func()
}

// Engine creates connections to the underlying messaging network.
// Implementations own credential storage under storageDir; the
// orchestration core only passes the path through.
type Engine interface {
	// Connect establishes (or resumes) the session identified by name,
	// wiring the given callbacks. The returned client is exclusively
	// owned by the caller until Logout or a terminal failure.
	Connect(ctx context.Context, name, storageDir string, cb Callbacks) (Client, error)
}

// Client is one live connection to the messaging network
type Client interface {
	// OnConnectionState registers a handler for connection state changes
	OnConnectionState(fn func(State))

	// ConnectionState polls the current connection state
	ConnectionState(ctx context.Context) (State, error)

	// Logout unlinks the session and invalidates its stored credentials
	Logout(ctx context.Context) error

	// Close drops the network connection without unlinking the session.
	// Stored credentials survive; a later Connect resumes from them.
	Close()

	// SendText delivers a plain text message
	SendText(ctx context.Context, recipient, text string) error

	// SendFile delivers a file fetched from fileURL with a caption
	SendFile(ctx context.Context, recipient, fileURL, fileName, caption string) error
}
