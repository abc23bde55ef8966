package pairing

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrWaitTimeout is returned when no credential is issued within the
// caller's wait bound. The creation task producing the credential is not
// cancelled by the timeout.
var ErrWaitTimeout = errors.New("timed out waiting for pairing credential")

// Credential is a time-limited pairing secret (QR payload) for one session
type Credential struct {
	SessionName string
	Payload     string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Delivered   bool
}

// live reports whether the credential has not yet expired
func (c *Credential) live(now time.Time) bool {
	return now.Before(c.ExpiresAt)
}

// Cache holds at most one live pairing credential per session name, with
// TTL-based expiration and blocking waiters for callers that arrive
// before a credential has been issued.
type Cache struct {
	mu          sync.Mutex
	credentials map[string]*Credential
	waiters     map[string][]chan Credential
	done        chan struct{}
	closeOnce   sync.Once
}

// NewCache creates a credential cache and starts its expiry sweep goroutine
func NewCache(sweepInterval time.Duration) *Cache {
	c := &Cache{
		credentials: make(map[string]*Credential),
		waiters:     make(map[string][]chan Credential),
		done:        make(chan struct{}),
	}

	go c.sweepLoop(sweepInterval)

	return c
}

// Issue stores a credential for a session and wakes any blocked waiters.
// Returns true when the payload is genuinely new. Re-issuing an identical
// payload while the previous copy is still live returns false and keeps
// the existing delivered flag, so duplicate push delivery is suppressed;
// a new payload (or re-issue after expiry) always counts as new.
func (c *Cache) Issue(name, payload string, ttl time.Duration) bool {
	c.mu.Lock()

	now := time.Now()
	if existing, ok := c.credentials[name]; ok && existing.live(now) && existing.Payload == payload {
		c.mu.Unlock()
		return false
	}

	cred := &Credential{
		SessionName: name,
		Payload:     payload,
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
	}
	c.credentials[name] = cred

	// Deliver a value copy: once the lock drops, MarkDelivered may write
	// the stored credential concurrently.
	out := *cred
	waiters := c.waiters[name]
	delete(c.waiters, name)
	c.mu.Unlock()

	for _, w := range waiters {
		w <- out
	}
	return true
}

// MarkDelivered flags the current credential as pushed to the caller.
// Idempotent; a no-op when no live credential exists.
func (c *Cache) MarkDelivered(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cred, ok := c.credentials[name]; ok && cred.live(time.Now()) {
		cred.Delivered = true
	}
}

// Get returns the live credential for a session, if one exists. Expired
// credentials are treated as absent even before the sweep removes them.
func (c *Cache) Get(name string) (Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cred, ok := c.credentials[name]
	if !ok || !cred.live(time.Now()) {
		return Credential{}, false
	}
	return *cred, true
}

// Wait blocks until a credential is issued for the session or the timeout
// elapses. A live credential already in the cache is returned immediately.
// On timeout the caller receives ErrWaitTimeout; the underlying creation
// task keeps running and a later Get can still succeed.
func (c *Cache) Wait(ctx context.Context, name string, timeout time.Duration) (Credential, error) {
	c.mu.Lock()
	if cred, ok := c.credentials[name]; ok && cred.live(time.Now()) {
		out := *cred
		c.mu.Unlock()
		return out, nil
	}

	// Buffered so Issue never blocks on a waiter that already gave up
	ch := make(chan Credential, 1)
	c.waiters[name] = append(c.waiters[name], ch)
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case cred := <-ch:
		return cred, nil
	case <-timer.C:
		c.dropWaiter(name, ch)
		return Credential{}, ErrWaitTimeout
	case <-ctx.Done():
		c.dropWaiter(name, ch)
		return Credential{}, ctx.Err()
	}
}

// Clear removes the credential for a session. Invoked on successful
// connection, expiry reported by the client, or record removal.
func (c *Cache) Clear(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.credentials, name)
}

// Size returns the number of cached credentials, expired ones included
// until the next sweep
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.credentials)
}

// Close stops the expiry sweep goroutine
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Cache) dropWaiter(name string, ch chan Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()

	waiters := c.waiters[name]
	for i, w := range waiters {
		if w == ch {
			c.waiters[name] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(c.waiters[name]) == 0 {
		delete(c.waiters, name)
	}
}

// sweepLoop periodically removes expired credentials
func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for name, cred := range c.credentials {
		if !cred.live(now) {
			delete(c.credentials, name)
		}
	}
}
