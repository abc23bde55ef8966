package notify

import (
	"sync"
)

// EventKind identifies the state transition being announced
type EventKind string

const (
	// KindConnected is published when a session reaches the connected phase
	KindConnected EventKind = "connected"
	// KindDisconnected is published when the underlying client drops
	KindDisconnected EventKind = "disconnected"
	// KindLoggedOut is published after an explicit logout completes
	KindLoggedOut EventKind = "logged_out"
)

// Event is a state transition for one session
type Event struct {
	SessionName string    `json:"session"`
	Kind        EventKind `json:"kind"`
}

const subscriberBuffer = 8

// Notifier pushes asynchronous state transitions to subscribers. There is
// one logical channel per session name; publishing to a name with no
// subscriber drops the event and never blocks.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
}

// NewNotifier creates a notifier with no subscriptions
func NewNotifier() *Notifier {
	return &Notifier{
		subscribers: make(map[string]chan Event),
	}
}

// Subscribe returns the event channel for a session name. Replacing an
// existing subscription closes the previous channel so a reconnecting
// consumer does not leak it.
func (n *Notifier) Subscribe(name string) <-chan Event {
	n.mu.Lock()
	defer n.mu.Unlock()

	if prev, ok := n.subscribers[name]; ok {
		close(prev)
	}

	ch := make(chan Event, subscriberBuffer)
	n.subscribers[name] = ch
	return ch
}

// Unsubscribe removes and closes the subscription for a session name
func (n *Notifier) Unsubscribe(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if ch, ok := n.subscribers[name]; ok {
		close(ch)
		delete(n.subscribers, name)
	}
}

// UnsubscribeIf removes the subscription only while it is still the given
// channel. A consumer whose subscription was replaced by a newer one must
// not tear down the replacement on its way out.
func (n *Notifier) UnsubscribeIf(name string, ch <-chan Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	current, ok := n.subscribers[name]
	if !ok || current != ch {
		return
	}
	close(current)
	delete(n.subscribers, name)
}

// Publish delivers an event to the session's subscriber, if any.
// Fire-and-forget: no subscriber or a full buffer drops the event.
func (n *Notifier) Publish(name string, kind EventKind) {
	// The lock is held across the send so Subscribe cannot close the
	// channel mid-publish; the send itself never blocks.
	n.mu.RLock()
	defer n.mu.RUnlock()

	ch, ok := n.subscribers[name]
	if !ok {
		return
	}

	select {
	case ch <- Event{SessionName: name, Kind: kind}:
	default:
	}
}

// SubscriberCount returns the number of active subscriptions
func (n *Notifier) SubscriberCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers)
}
