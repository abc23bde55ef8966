package serializer

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// ErrAlreadyInProgress is returned when a creation task for the same
// session name is already queued or running. Duplicates are rejected, not
// queued, so no caller is left holding an orphaned callback.
var ErrAlreadyInProgress = errors.New("creation already in progress for session")

// ErrStopped is returned for submissions after the serializer shut down
var ErrStopped = errors.New("serializer stopped")

// Task is one unit of session-creation work. The context is cancelled
// when the serializer stops.
type Task func(ctx context.Context) error

// Pending tracks a submitted task until it settles
type Pending struct {
	ID     string
	Name   string
	result chan error
	run    Task
}

// Result exposes the settle channel for select-based waiting. The
// channel is buffered; the result stays available if nobody is waiting
// when the task settles.
func (p *Pending) Result() <-chan error {
	return p.result
}

// Wait blocks until the task settles or the context is cancelled
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case err := <-p.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serializer guarantees at most one creation attempt per session name at
// a time, and caps the number of creation tasks running concurrently
// across distinct names. The per-name lock set is the single source of
// truth for "is a creation in flight for this name".
type Serializer struct {
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	pending  *queue.Queue

	slots  *semaphore.Weighted
	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a serializer with the given global concurrency bound.
// Bounds below one are clamped to one.
func New(concurrency int64, logger *slog.Logger) *Serializer {
	if concurrency < 1 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Serializer{
		logger:   logger,
		inflight: make(map[string]struct{}),
		pending:  queue.New(),
		slots:    semaphore.NewWeighted(concurrency),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the dispatch loop
func (s *Serializer) Start() {
	s.wg.Add(1)
	go s.dispatchLoop()
}

// Stop cancels running tasks and waits for the dispatch loop to drain.
// Tasks still queued settle with ErrStopped.
func (s *Serializer) Stop() {
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending.Length() > 0 {
		p := s.pending.Remove().(*Pending)
		delete(s.inflight, p.Name)
		p.result <- ErrStopped
	}
}

// Submit enqueues a creation task for a session name. If a task for the
// same name is already in flight the submission is rejected with
// ErrAlreadyInProgress. The per-name lock is taken here and released when
// the task settles, on every exit path.
func (s *Serializer) Submit(name string, run Task) (*Pending, error) {
	select {
	case <-s.ctx.Done():
		return nil, ErrStopped
	default:
	}

	s.mu.Lock()
	if _, held := s.inflight[name]; held {
		s.mu.Unlock()
		return nil, ErrAlreadyInProgress
	}
	s.inflight[name] = struct{}{}

	p := &Pending{
		ID:     uuid.NewString(),
		Name:   name,
		result: make(chan error, 1),
		run:    run,
	}
	s.pending.Add(p)
	s.mu.Unlock()

	s.logger.Debug("creation task queued", "task_id", p.ID, "session", name)

	// Coalesced wakeup; the loop drains the whole queue per signal
	select {
	case s.wake <- struct{}{}:
	default:
	}

	return p, nil
}

// InFlight reports whether a creation task for the name is queued or running
func (s *Serializer) InFlight(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, held := s.inflight[name]
	return held
}

// settle releases the per-name lock and delivers the result
func (s *Serializer) settle(p *Pending, err error) {
	s.mu.Lock()
	delete(s.inflight, p.Name)
	s.mu.Unlock()

	p.result <- err

	if err != nil {
		s.logger.Debug("creation task failed", "task_id", p.ID, "session", p.Name, "error", err)
	} else {
		s.logger.Debug("creation task settled", "task_id", p.ID, "session", p.Name)
	}
}
