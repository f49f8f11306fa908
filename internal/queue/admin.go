package queue

import (
	"container/heap"
	"context"
	"sync/atomic"
	"time"

	logx "modbot/pkg/logx"
)

// Pause stops new admissions from the waiting queue. Already-running tasks
// are unaffected, and Add keeps accepting work.
func (s *Service) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.log.Info("queue paused")
}

// Resume restarts admissions.
func (s *Service) Resume() {
	s.mu.Lock()
	s.paused = false
	s.dispatchLocked()
	s.mu.Unlock()
	s.log.Info("queue resumed")
}

// Clear discards queued-but-not-started tasks; their handles fail with
// ErrCleared. Running tasks are unaffected.
func (s *Service) Clear() int {
	s.mu.Lock()
	cleared := s.drainPendingLocked(ErrCleared)
	s.notifyIdleLocked()
	s.mu.Unlock()
	if cleared > 0 {
		s.log.Info("queue cleared", logx.Int("discarded", cleared))
	}
	return cleared
}

// OnIdle blocks until no tasks are queued or running, or ctx is done.
func (s *Service) OnIdle(ctx context.Context) error {
	s.mu.Lock()
	if len(s.pending) == 0 && s.running == 0 {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.idlers = append(s.idlers, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cleanup is the shutdown path: it stops new admissions, discards queued
// tasks, and waits up to ShutdownGrace for in-flight tasks. Stragglers get
// their context canceled before Cleanup returns.
func (s *Service) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	discarded := s.drainPendingLocked(ErrStopped)
	s.notifyIdleLocked()
	running := s.running
	s.mu.Unlock()

	s.log.Info("queue shutting down", logx.Int("discarded", discarded), logx.Int("running", running))

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.runCancel()
		s.log.Info("queue stopped")
		return nil
	case <-waitCtx.Done():
		s.runCancel()
		s.log.Warn("queue stop grace period elapsed with tasks in flight")
		return waitCtx.Err()
	}
}

// drainPendingLocked fails every queued task with err and empties the heap.
// Call with s.mu held.
func (s *Service) drainPendingLocked(err error) int {
	n := len(s.pending)
	for len(s.pending) > 0 {
		t := heap.Pop(&s.pending).(*Task)
		delete(s.active, t.id)
		t.finish(StateFailed, err)
		s.pushHistoryLocked(t.view())
	}
	return n
}

// Status returns the current view of a task by id, covering queued, running,
// and recently finished tasks.
func (s *Service) Status(id string) (View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.active[id]; ok {
		return t.view(), true
	}
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].ID == id {
			return s.history[i], true
		}
	}
	return View{}, false
}

// Stats returns cumulative counters plus current queue occupancy.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	queued := len(s.pending)
	running := s.running
	s.mu.Unlock()
	return Stats{
		Queued:         queued,
		Running:        running,
		Processed:      atomic.LoadUint64(&s.stats.processed),
		Failed:         atomic.LoadUint64(&s.stats.failed),
		TimedOut:       atomic.LoadUint64(&s.stats.timedOut),
		CumulativeWait: time.Duration(atomic.LoadInt64(&s.stats.cumWait)),
	}
}

// History returns a copy of the finished-task ring, oldest first.
func (s *Service) History() []View {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]View, len(s.history))
	copy(out, s.history)
	return out
}
