package orchestrator

import (
	"errors"
	"fmt"

	"github.com/EventaLabs/wa-gateway/internal/pairing"
	"github.com/EventaLabs/wa-gateway/internal/serializer"
)

// Status is the external view of a session's connection state
type Status string

const (
	// StatusNotFound indicates no session is registered under the name
	StatusNotFound Status = "not_found"
	// StatusConnected indicates the session is linked and online
	StatusConnected Status = "connected"
	// StatusDisconnected indicates the session lost its connection
	StatusDisconnected Status = "disconnected"
	// StatusAwaitingConnection covers every intermediate state, pairing
	// included
	StatusAwaitingConnection Status = "awaiting_connection"
)

// EnsureResult is the outcome of EnsureSession. Either the session is
// already connected, or a pairing credential is returned for the caller
// to present.
type EnsureResult struct {
	Connected bool
	// Credential is the QR payload; set only when Connected is false
	Credential string
}

// TicketRequest describes a ticket delivery: an image with caption,
// followed by an invite text and a confirmation text
type TicketRequest struct {
	Recipient        string `json:"recipient"`
	ImageURL         string `json:"image_url"`
	TicketText       string `json:"ticket_text"`
	InviteText       string `json:"invite_text"`
	ConfirmationText string `json:"confirmation_text"`
}

// VoucherRequest describes a voucher delivery: an image with caption,
// followed by one message
type VoucherRequest struct {
	Recipient   string `json:"recipient"`
	ImageURL    string `json:"image_url"`
	VoucherText string `json:"voucher_text"`
	Message     string `json:"message"`
}

// ErrNotFound is returned for operations on an unregistered session name
var ErrNotFound = errors.New("session not found")

// ErrCredentialTimeout is returned when no pairing credential is issued
// within the wait bound. The creation task keeps running.
var ErrCredentialTimeout = pairing.ErrWaitTimeout

// ErrAlreadyInProgress is returned when a duplicate creation attempt is
// rejected by the single-flight gate
var ErrAlreadyInProgress = serializer.ErrAlreadyInProgress

// ConnectError wraps a failed creation attempt. The session record has
// already been purged; the caller may retry with a fresh request.
type ConnectError struct {
	Name string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect session %s: %v", e.Name, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// LogoutError wraps a failed logout call. The manual-logout flag stays
// set and the record is purged regardless, so the session cannot wedge.
type LogoutError struct {
	Name string
	Err  error
}

func (e *LogoutError) Error() string {
	return fmt.Sprintf("failed to log out session %s: %v", e.Name, e.Err)
}

func (e *LogoutError) Unwrap() error { return e.Err }

// SendError wraps a failed message dispatch. The core does not retry.
type SendError struct {
	Name string
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("failed to send from session %s: %v", e.Name, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
