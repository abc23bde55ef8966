package session

import (
	"fmt"
	"sync"
	"time"
)

// Registry is the source of truth for which sessions exist and in what
// phase. All map mutation happens under the registry mutex; side effects
// of a transition (notifying subscribers, clearing credentials) are the
// caller's responsibility.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewRegistry creates an empty session registry
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*Record),
	}
}

// Get retrieves a copy of the record for a session name, if present.
// Returning a copy keeps callers from mutating registry state outside
// the critical section.
func (r *Registry) Get(name string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[name]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// RegisterIfAbsent creates a record in the initializing phase unless one
// already exists. Atomic with respect to concurrent callers for the same
// name: exactly one caller observes alreadyExisted=false.
func (r *Registry) RegisterIfAbsent(name string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[name]; ok {
		return *rec, true
	}

	now := time.Now()
	rec := &Record{
		Name:      name,
		Phase:     PhaseInitializing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.records[name] = rec
	return *rec, false
}

// Transition updates the phase of a session and optionally attaches the
// client handle produced by the creation task. Passing nil leaves the
// current handle in place.
func (r *Registry) Transition(name string, phase Phase, client ClientHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[name]
	if !ok {
		return fmt.Errorf("session not found: %s", name)
	}

	rec.Phase = phase
	rec.UpdatedAt = time.Now()
	if client != nil {
		rec.Client = client
	}
	return nil
}

// SetLastError records the most recent error observed for a session
func (r *Registry) SetLastError(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[name]; ok {
		rec.LastError = err.Error()
		rec.UpdatedAt = time.Now()
	}
}

// SetManualLogout marks the session as manually logged out. The flag is
// sticky for the lifetime of the record instance. Returns false if the
// session is not registered.
func (r *Registry) SetManualLogout(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[name]
	if !ok {
		return false
	}
	rec.ManualLogout = true
	rec.UpdatedAt = time.Now()
	return true
}

// ManualLogout reports whether the sticky logout flag is set for a
// session. Unregistered names report false.
func (r *Registry) ManualLogout(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[name]
	return ok && rec.ManualLogout
}

// Client returns the client handle owned by a session record
func (r *Registry) Client(name string) (ClientHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[name]
	if !ok || rec.Client == nil {
		return nil, false
	}
	return rec.Client, true
}

// Remove deletes the record for a session. Called only on manual logout
// or fatal creation failure; ordinary disconnects transition in place.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, name)
}

// Count returns the number of registered sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Snapshot returns a copy of all records keyed by session name
func (r *Registry) Snapshot() map[string]Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Record, len(r.records))
	for name, rec := range r.records {
		out[name] = *rec
	}
	return out
}
