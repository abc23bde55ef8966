package serializer

import (
	"fmt"
)

// This file contains the background dispatch goroutine, which runs
// indefinitely and is exercised through Submit/Wait in tests rather than
// directly.

// dispatchLoop pops queued tasks and runs each one once a concurrency
// slot is available. Tasks for distinct names run in parallel up to the
// configured bound; same-name serialization is already guaranteed by the
// per-name lock taken in Submit.
func (s *Serializer) dispatchLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.wake:
			s.drainReady()
		case <-s.ctx.Done():
			return
		}
	}
}

// drainReady dispatches every currently-queued task
func (s *Serializer) drainReady() {
	for {
		s.mu.Lock()
		if s.pending.Length() == 0 {
			s.mu.Unlock()
			return
		}
		p := s.pending.Remove().(*Pending)
		s.mu.Unlock()

		// Blocks until a slot frees up; Stop unblocks via context
		if err := s.slots.Acquire(s.ctx, 1); err != nil {
			s.settle(p, ErrStopped)
			continue
		}

		s.wg.Add(1)
		go s.runTask(p)
	}
}

// runTask executes one task and settles it. The semaphore slot and the
// per-name lock are released on every exit path, including panics in the
// task body.
func (s *Serializer) runTask(p *Pending) {
	defer s.wg.Done()
	defer s.slots.Release(1)

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("creation task panicked: %v", r)
		}
		s.settle(p, err)
	}()

	err = p.run(s.ctx)
}
