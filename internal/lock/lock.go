// Package lock provides per-resource mutual exclusion with bounded FIFO
// waiter queues.
//
// A lock key is the (resourceType, resourceID) pair. Waiters are served
// strictly in arrival order; beyond MaxPending queued waiters an Acquire
// fails fast with ErrBusy instead of queueing unboundedly.
//
// Callers must not hold two different keys from a single logical operation:
// the manager has no deadlock detection, so cross-resource nesting is
// disallowed by convention.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logx "modbot/pkg/logx"
)

var (
	// ErrBusy is returned when a key's waiter queue is full.
	ErrBusy = errors.New("resource busy")
	// ErrTimeout is returned when the wait-plus-run budget is exceeded.
	// The protected function's already-started side effects are not aborted.
	ErrTimeout = errors.New("lock acquire timed out")
)

type Config struct {
	// MaxPending bounds the waiter queue per key. Default 16.
	MaxPending int
}

type AcquireOptions struct {
	// Operation labels the holder for diagnostics (IsBusy, Snapshot).
	Operation string
	// Timeout bounds total wait-plus-run time. 0 disables the bound.
	Timeout time.Duration
}

type lockKey struct {
	Type string
	ID   string
}

func (k lockKey) String() string { return k.Type + ":" + k.ID }

type waiter struct {
	ready chan struct{} // closed when the lock is granted
	op    string
}

type entry struct {
	held     bool
	holderOp string
	waiters  []*waiter
}

// KeyInfo is a diagnostic view of one held key.
type KeyInfo struct {
	ResourceType string
	ResourceID   string
	Operation    string
	Waiters      int
}

type Manager struct {
	mu   sync.Mutex
	cfg  Config
	log  logx.Logger
	keys map[lockKey]*entry
}

func New(cfg Config, log logx.Logger) *Manager {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 16
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{cfg: cfg, log: log, keys: map[lockKey]*entry{}}
}

// Acquire runs fn with exclusive ownership of (resourceType, resourceID).
//
// The lock is released on every exit path: normal return, error, panic in fn,
// and timeout. On timeout the call returns ErrTimeout immediately while fn
// keeps running with a canceled context and releases the lock when it
// finishes; side effects are at-least-once, so fn should be idempotent.
func (m *Manager) Acquire(ctx context.Context, resourceType, resourceID string, opts AcquireOptions, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("lock: fn is nil")
	}
	key := lockKey{Type: resourceType, ID: resourceID}

	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = time.Now().Add(opts.Timeout)
	}

	w, granted, err := m.enqueue(key, opts.Operation)
	if err != nil {
		return fmt.Errorf("%w: %s (held by %q)", err, key, m.holderOp(key))
	}

	if !granted {
		if err := m.wait(ctx, key, w, deadline); err != nil {
			return err
		}
	}

	// Lock held from here. Run fn in its own goroutine so a timeout can
	// return to the caller without the release being skipped.
	runCtx := ctx
	var cancel context.CancelFunc
	if !deadline.IsZero() {
		runCtx, cancel = context.WithDeadline(ctx, deadline)
	}

	done := make(chan error, 1)
	go func() {
		defer m.release(key)
		if cancel != nil {
			defer cancel()
		}
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("lock-guarded fn panicked",
					logx.String("key", key.String()), logx.Any("panic", r))
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn(runCtx)
	}()

	if deadline.IsZero() {
		return <-done
	}
	tmr := time.NewTimer(time.Until(deadline))
	defer tmr.Stop()
	select {
	case err := <-done:
		return err
	case <-tmr.C:
		m.log.Warn("lock operation overran its budget",
			logx.String("key", key.String()), logx.String("op", opts.Operation),
			logx.Duration("timeout", opts.Timeout))
		return fmt.Errorf("%w: %s", ErrTimeout, key)
	}
}

// IsBusy is a non-blocking probe reporting whether the key is currently held.
func (m *Manager) IsBusy(resourceType, resourceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.keys[lockKey{Type: resourceType, ID: resourceID}]
	return e != nil && e.held
}

// Snapshot lists currently held keys for diagnostics.
func (m *Manager) Snapshot() []KeyInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]KeyInfo, 0, len(m.keys))
	for k, e := range m.keys {
		if !e.held {
			continue
		}
		out = append(out, KeyInfo{
			ResourceType: k.Type,
			ResourceID:   k.ID,
			Operation:    e.holderOp,
			Waiters:      len(e.waiters),
		})
	}
	return out
}

func (m *Manager) enqueue(key lockKey, op string) (*waiter, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.keys[key]
	if e == nil {
		e = &entry{}
		m.keys[key] = e
	}
	if !e.held {
		e.held = true
		e.holderOp = op
		return nil, true, nil
	}
	if len(e.waiters) >= m.cfg.MaxPending {
		return nil, false, ErrBusy
	}
	w := &waiter{ready: make(chan struct{}), op: op}
	e.waiters = append(e.waiters, w)
	return w, false, nil
}

func (m *Manager) wait(ctx context.Context, key lockKey, w *waiter, deadline time.Time) error {
	var timerC <-chan time.Time
	if !deadline.IsZero() {
		tmr := time.NewTimer(time.Until(deadline))
		defer tmr.Stop()
		timerC = tmr.C
	}
	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		m.abandon(key, w)
		return ctx.Err()
	case <-timerC:
		m.abandon(key, w)
		return fmt.Errorf("%w: %s", ErrTimeout, key)
	}
}

// abandon removes w from the queue. If the grant raced the timeout, the
// caller now owns the lock without wanting it, so pass it on.
func (m *Manager) abandon(key lockKey, w *waiter) {
	m.mu.Lock()
	e := m.keys[key]
	if e != nil {
		for i, cand := range e.waiters {
			if cand == w {
				e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
				m.mu.Unlock()
				return
			}
		}
	}
	m.mu.Unlock()

	// Not in the queue means release() already granted to us; the grant and
	// close happen under the mutex, so ready is closed by now.
	<-w.ready
	m.release(key)
}

func (m *Manager) release(key lockKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.keys[key]
	if e == nil || !e.held {
		return
	}
	if len(e.waiters) > 0 {
		next := e.waiters[0]
		e.waiters = e.waiters[1:]
		e.holderOp = next.op
		close(next.ready)
		return
	}
	delete(m.keys, key)
}

func (m *Manager) holderOp(key lockKey) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.keys[key]; e != nil {
		return e.holderOp
	}
	return ""
}
