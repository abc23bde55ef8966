package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/EventaLabs/wa-gateway/internal/engine"
	"github.com/EventaLabs/wa-gateway/internal/notify"
	"github.com/EventaLabs/wa-gateway/internal/pairing"
	"github.com/EventaLabs/wa-gateway/internal/serializer"
	"github.com/EventaLabs/wa-gateway/internal/session"
)

// Options configures an Orchestrator
type Options struct {
	// Concurrency caps parallel creation tasks across distinct names
	Concurrency int
	// CredentialWaitTimeout bounds EnsureSession's wait for a credential
	CredentialWaitTimeout time.Duration
	// CredentialTTL is the lifetime of an issued pairing credential
	CredentialTTL time.Duration
	// CredentialSweepInterval is how often expired credentials are swept
	CredentialSweepInterval time.Duration
	// TokensDir is the root of per-session credential storage
	TokensDir string
}

// Orchestrator drives sessions through their lifecycle: it owns the
// registry, the pairing-credential cache, the event notifier, and the
// creation serializer, and exposes the operations the request handlers
// translate into.
type Orchestrator struct {
	logger      *slog.Logger
	registry    *session.Registry
	credentials *pairing.Cache
	notifier    *notify.Notifier
	creations   *serializer.Serializer
	engine      engine.Engine

	tokensDir     string
	waitTimeout   time.Duration
	credentialTTL time.Duration
}

// New creates an orchestrator. Call Start before use and Stop on shutdown.
func New(eng engine.Engine, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.CredentialWaitTimeout <= 0 {
		opts.CredentialWaitTimeout = 15 * time.Second
	}
	if opts.CredentialTTL <= 0 {
		opts.CredentialTTL = 60 * time.Second
	}
	if opts.CredentialSweepInterval <= 0 {
		opts.CredentialSweepInterval = 30 * time.Second
	}
	if opts.TokensDir == "" {
		opts.TokensDir = "tokens"
	}

	return &Orchestrator{
		logger:        logger,
		registry:      session.NewRegistry(),
		credentials:   pairing.NewCache(opts.CredentialSweepInterval),
		notifier:      notify.NewNotifier(),
		creations:     serializer.New(int64(opts.Concurrency), logger),
		engine:        eng,
		tokensDir:     opts.TokensDir,
		waitTimeout:   opts.CredentialWaitTimeout,
		credentialTTL: opts.CredentialTTL,
	}
}

// Start launches the creation dispatch loop
func (o *Orchestrator) Start() {
	o.creations.Start()
}

// Stop shuts down background work. In-memory state is rebuildable, so no
// further teardown is needed.
func (o *Orchestrator) Stop() {
	o.creations.Stop()
	o.credentials.Close()
}

// EnsureSession guarantees a creation attempt is in flight (or the
// session is already connected) and returns either the connected status
// or the pairing credential the caller must present. Blocks up to the
// configured wait timeout for a credential; the creation task is not
// cancelled on timeout.
func (o *Orchestrator) EnsureSession(ctx context.Context, name string) (EnsureResult, error) {
	if rec, ok := o.registry.Get(name); ok && rec.Phase == session.PhaseConnected {
		return EnsureResult{Connected: true}, nil
	}

	// A credential from a creation already in flight can be returned
	// without waiting.
	if cred, ok := o.credentials.Get(name); ok {
		o.credentials.MarkDelivered(name)
		return EnsureResult{Credential: cred.Payload}, nil
	}

	pending, err := o.creations.Submit(name, o.createTask(name))
	if err != nil && !errors.Is(err, serializer.ErrAlreadyInProgress) {
		return EnsureResult{}, fmt.Errorf("failed to submit creation for %s: %w", name, err)
	}

	credCh := make(chan pairing.Credential, 1)
	waitErrCh := make(chan error, 1)
	go func() {
		cred, werr := o.credentials.Wait(ctx, name, o.waitTimeout)
		if werr != nil {
			waitErrCh <- werr
			return
		}
		credCh <- cred
	}()

	var settled <-chan error
	if pending != nil {
		settled = pending.Result()
	}

	// The poll covers callers attached to someone else's in-flight
	// creation: when that creation reconnects from stored credentials it
	// settles a channel this caller does not hold, and no credential is
	// ever issued to wake the wait.
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case cred := <-credCh:
			o.credentials.MarkDelivered(name)
			return EnsureResult{Credential: cred.Payload}, nil
		case werr := <-waitErrCh:
			return EnsureResult{}, werr
		case cerr := <-settled:
			if cerr != nil {
				return EnsureResult{}, cerr
			}
			// Creation settled without error: the session may have
			// reconnected from stored credentials with no pairing needed.
			if rec, ok := o.registry.Get(name); ok && rec.Phase == session.PhaseConnected {
				return EnsureResult{Connected: true}, nil
			}
			// Otherwise keep waiting for the credential or the timeout.
			settled = nil
		case <-poll.C:
			if rec, ok := o.registry.Get(name); ok && rec.Phase == session.PhaseConnected {
				return EnsureResult{Connected: true}, nil
			}
		}
	}
}

// Status reports the external connection status of a session
func (o *Orchestrator) Status(ctx context.Context, name string) (Status, error) {
	rec, ok := o.registry.Get(name)
	if !ok {
		return StatusNotFound, nil
	}

	client, ok := rec.Client.(engine.Client)
	if !ok || client == nil {
		return StatusAwaitingConnection, nil
	}

	state, err := client.ConnectionState(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to check state of session %s: %w", name, err)
	}

	switch state {
	case engine.StateConnected:
		return StatusConnected, nil
	case engine.StateDisconnected:
		return StatusDisconnected, nil
	default:
		return StatusAwaitingConnection, nil
	}
}

// Logout terminates a session permanently. The sticky manual-logout flag
// is set before the engine logout call so any disconnect or expiry event
// racing with it observes the flag and does not trigger recreation. The
// record and credential are purged whether or not the logout call
// succeeds.
func (o *Orchestrator) Logout(ctx context.Context, name string) error {
	if !o.registry.SetManualLogout(name) {
		return ErrNotFound
	}

	var logoutErr error
	if handle, ok := o.registry.Client(name); ok {
		if client, ok := handle.(engine.Client); ok {
			logoutErr = client.Logout(ctx)
		}
	}

	o.registry.Transition(name, session.PhaseManuallyLoggedOut, nil) //nolint:errcheck // record removed next
	o.registry.Remove(name)
	o.credentials.Clear(name)
	o.notifier.Publish(name, notify.KindLoggedOut)

	if logoutErr != nil {
		o.logger.Warn("engine logout failed, session purged anyway",
			"session", name, "error", logoutErr)
		return &LogoutError{Name: name, Err: logoutErr}
	}

	o.logger.Info("session logged out", "session", name)
	return nil
}

// SendTicket delivers a ticket: the image with its caption, the invite
// text, then the confirmation text. No retries; failures are the
// caller's to handle.
func (o *Orchestrator) SendTicket(ctx context.Context, name string, req TicketRequest) error {
	client, err := o.connectedClient(name)
	if err != nil {
		return err
	}

	recipient := normalizeRecipient(req.Recipient)
	if err := client.SendFile(ctx, recipient, req.ImageURL, "ticket.jpg", req.TicketText); err != nil {
		return &SendError{Name: name, Err: err}
	}
	if err := client.SendText(ctx, recipient, req.InviteText); err != nil {
		return &SendError{Name: name, Err: err}
	}
	if err := client.SendText(ctx, recipient, req.ConfirmationText); err != nil {
		return &SendError{Name: name, Err: err}
	}
	return nil
}

// SendVoucher delivers a voucher: the image with its caption, then one
// message
func (o *Orchestrator) SendVoucher(ctx context.Context, name string, req VoucherRequest) error {
	client, err := o.connectedClient(name)
	if err != nil {
		return err
	}

	recipient := normalizeRecipient(req.Recipient)
	if err := client.SendFile(ctx, recipient, req.ImageURL, "voucher.png", req.VoucherText); err != nil {
		return &SendError{Name: name, Err: err}
	}
	if err := client.SendText(ctx, recipient, req.Message); err != nil {
		return &SendError{Name: name, Err: err}
	}
	return nil
}

// Subscribe returns the event stream for a session name
func (o *Orchestrator) Subscribe(name string) <-chan notify.Event {
	return o.notifier.Subscribe(name)
}

// Unsubscribe tears down the event stream for a session name
func (o *Orchestrator) Unsubscribe(name string) {
	o.notifier.Unsubscribe(name)
}

// UnsubscribeIf tears down the event stream only if it is still the
// given channel
func (o *Orchestrator) UnsubscribeIf(name string, ch <-chan notify.Event) {
	o.notifier.UnsubscribeIf(name, ch)
}

// Registry exposes the session registry for introspection
func (o *Orchestrator) Registry() *session.Registry {
	return o.registry
}

func (o *Orchestrator) connectedClient(name string) (engine.Client, error) {
	rec, ok := o.registry.Get(name)
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Phase != session.PhaseConnected {
		return nil, &SendError{Name: name, Err: fmt.Errorf("session is %s, not connected", rec.Phase)}
	}
	client, ok := rec.Client.(engine.Client)
	if !ok || client == nil {
		return nil, &SendError{Name: name, Err: errors.New("session has no client handle")}
	}
	return client, nil
}

// normalizeRecipient appends the user suffix the messaging network
// expects when the caller passed a bare number
func normalizeRecipient(recipient string) string {
	if strings.Contains(recipient, "@") {
		return recipient
	}
	return recipient + "@c.us"
}
