package orchestrator

import (
	"context"
	"errors"

	"github.com/EventaLabs/wa-gateway/internal/engine"
	"github.com/EventaLabs/wa-gateway/internal/notify"
	"github.com/EventaLabs/wa-gateway/internal/serializer"
	"github.com/EventaLabs/wa-gateway/internal/session"
)

// This file is the lifecycle controller: the creation task body and the
// engine event handlers that drive a session through its state machine.
// All recreation paths route through the serializer's single-flight gate,
// so a recreation can never race another creation or a manual logout.

// createTask builds the serialized creation body for an initial request;
// recreateTask builds the body for recreation after disconnect or
// credential expiry. Both run the same connect logic, but a recreation
// requires a live record: the task may sit queued behind a busy slot
// while a manual logout purges the session, and running it anyway would
// resurrect the name with a fresh unflagged record.
func (o *Orchestrator) createTask(name string) serializer.Task {
	return o.creationTask(name, false)
}

func (o *Orchestrator) recreateTask(name string) serializer.Task {
	return o.creationTask(name, true)
}

func (o *Orchestrator) creationTask(name string, recreate bool) serializer.Task {
	return func(ctx context.Context) error {
		var rec session.Record
		existed := true
		if recreate {
			// Never register: a recreation whose record is gone was
			// overtaken by a logout or a fatal failure and must not run.
			var ok bool
			if rec, ok = o.registry.Get(name); !ok {
				o.logger.Debug("recreation target gone, skipping", "session", name)
				return nil
			}
		} else {
			rec, existed = o.registry.RegisterIfAbsent(name)
		}

		if existed {
			if rec.ManualLogout || rec.Phase.Terminal() {
				// A logout raced ahead of this task; leave the record alone.
				return nil
			}
			if rec.Phase == session.PhaseConnected {
				return nil
			}
			// Tear down the superseded connection before opening a new
			// one; its state handler must not fire for this name again.
			if old, ok := rec.Client.(engine.Client); ok && old != nil {
				old.OnConnectionState(nil)
				old.Close()
			}
			o.registry.Transition(name, session.PhaseInitializing, nil) //nolint:errcheck // record exists
		}

		o.logger.Info("creating session", "session", name)

		cb := engine.Callbacks{
			OnCredential:        func(payload string) { o.handleCredential(name, payload) },
			OnCredentialExpired: func() { o.handleCredentialExpired(name) },
		}

		client, err := o.engine.Connect(ctx, name, o.tokensDir, cb)
		if err != nil {
			// Unrecoverable creation failure: purge so a fresh request
			// starts clean, and surface the error to the waiting caller.
			o.registry.Transition(name, session.PhaseFailed, nil) //nolint:errcheck // removed next
			o.registry.Remove(name)
			o.credentials.Clear(name)
			o.logger.Error("session creation failed", "session", name, "error", err)
			return &ConnectError{Name: name, Err: err}
		}

		if err := o.registry.Transition(name, session.PhaseInitializing, client); err != nil {
			// A logout purged the record while the engine was connecting;
			// drop the orphaned connection instead of resurrecting it.
			client.Close()
			o.logger.Debug("session purged during connect, dropping client", "session", name)
			return nil
		}
		client.OnConnectionState(func(s engine.State) { o.handleState(name, s) })

		o.logger.Info("session created", "session", name)
		return nil
	}
}

// handleCredential reacts to a pairing credential issued by the engine
func (o *Orchestrator) handleCredential(name, payload string) {
	rec, ok := o.registry.Get(name)
	if !ok || rec.ManualLogout {
		// Credentials never outlive their record.
		return
	}

	fresh := o.credentials.Issue(name, payload, o.credentialTTL)
	if !fresh {
		// Identical payload still live: delivery already happened or is
		// pending, so this re-issue must not push again.
		return
	}

	o.registry.Transition(name, session.PhaseAwaitingCredential, nil) //nolint:errcheck // event for gone session
	o.logger.Info("pairing credential issued", "session", name)
}

// handleCredentialExpired reacts to the engine reporting the current
// credential lapsed before a device linked it
func (o *Orchestrator) handleCredentialExpired(name string) {
	o.credentials.Clear(name)

	rec, ok := o.registry.Get(name)
	if !ok || rec.ManualLogout {
		// Logged out or already purged: expiry is a no-op.
		return
	}

	o.logger.Info("pairing credential expired, recreating", "session", name)
	o.resubmit(name)
}

// handleState reacts to connection state changes from the engine
func (o *Orchestrator) handleState(name string, state engine.State) {
	switch state {
	case engine.StateConnected:
		o.registry.Transition(name, session.PhaseConnected, nil) //nolint:errcheck // event for gone session
		// A connected session has no pending pairing credential.
		o.credentials.Clear(name)
		o.notifier.Publish(name, notify.KindConnected)
		o.logger.Info("session connected", "session", name)

	case engine.StateDisconnected:
		if o.registry.ManualLogout(name) {
			o.logger.Debug("disconnect after manual logout, not recreating", "session", name)
			return
		}
		if _, ok := o.registry.Get(name); !ok {
			// Stale event for a purged record.
			return
		}

		o.registry.Transition(name, session.PhaseDisconnected, nil) //nolint:errcheck // checked above
		o.notifier.Publish(name, notify.KindDisconnected)
		o.logger.Info("session disconnected, recreating", "session", name)
		o.resubmit(name)
	}
}

// resubmit queues a recreation through the single-flight gate. Rejection
// means a creation is already in flight, which is the desired outcome.
func (o *Orchestrator) resubmit(name string) {
	if _, err := o.creations.Submit(name, o.recreateTask(name)); err != nil {
		if errors.Is(err, serializer.ErrAlreadyInProgress) {
			o.logger.Debug("recreation already in flight", "session", name)
			return
		}
		o.logger.Error("failed to resubmit creation", "session", name, "error", err)
	}
}
