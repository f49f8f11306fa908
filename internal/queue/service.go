// Package queue is a bounded-concurrency, priority-ordered task queue with
// per-task timeouts and lifecycle observability.
//
// Admission control: at most Limit tasks run at any instant; waiting tasks
// are dequeued by priority (higher first), ties broken by enqueue order.
// Timeouts are cooperative: an overrunning task is reported as TimedOut and
// its context canceled, but already-started side effects are not rolled
// back; task bodies must be idempotent for stronger guarantees.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"modbot/internal/eventbus"
	"modbot/internal/lock"
	logx "modbot/pkg/logx"
)

type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	locks   *lock.Manager
	pending taskHeap
	active  map[string]*Task // queued + running, by id
	running int
	paused  bool
	stopped bool
	idlers  []chan struct{}
	history []View

	stats struct {
		processed uint64
		failed    uint64
		timedOut  uint64
		cumWait   int64 // nanoseconds
	}

	seq uint64

	runCtx    context.Context
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

// New builds a queue. locks may be nil when AddWithLock/AddBackground with
// lock options are not used. The queue accepts work immediately.
func New(cfg Config, locks *lock.Manager, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Limit <= 0 {
		cfg.Limit = 2
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 256
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		locks:     locks,
		active:    map[string]*Task{},
		runCtx:    ctx,
		runCancel: cancel,
	}
}

// Add admits fn for execution and returns the task handle. The task runs
// once a concurrency slot is free; callers observe completion via Task.Wait
// or Task.Done.
func (s *Service) Add(ctx context.Context, opts AddOptions, fn Fn) (*Task, error) {
	if fn == nil {
		return nil, errors.New("queue: fn is nil")
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "task"
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	if len(s.pending) >= s.cfg.MaxPending {
		s.mu.Unlock()
		s.log.Warn("task rejected: queue full", logx.String("task", name), logx.Int("max_pending", s.cfg.MaxPending))
		return nil, ErrQueueFull
	}
	t := &Task{
		id:         id,
		name:       name,
		priority:   opts.Priority,
		seq:        atomic.AddUint64(&s.seq, 1),
		timeout:    timeout,
		enqueuedAt: time.Now(),
		fn:         fn,
		state:      StateQueued,
		done:       make(chan struct{}),
	}
	heap.Push(&s.pending, t)
	s.active[t.id] = t
	s.dispatchLocked()
	s.mu.Unlock()

	s.publish("task.queued", t, 0, 0, nil)
	return t, nil
}

// AddWithLock composes queue admission with resource-lock acquisition:
// the task first waits for a concurrency slot, then for the lock.
func (s *Service) AddWithLock(ctx context.Context, opts AddOptions, lo LockOptions, fn Fn) (*Task, error) {
	if s.locks == nil {
		return nil, errors.New("queue: no lock manager configured")
	}
	return s.Add(ctx, opts, func(runCtx context.Context) error {
		return s.locks.Acquire(runCtx, lo.ResourceType, lo.ResourceID, lock.AcquireOptions{
			Operation: lo.Operation,
			Timeout:   lo.LockTimeout,
		}, fn)
	})
}

// BackgroundFn additionally receives a progress callback whose notes are
// forwarded to the reporter.
type BackgroundFn func(ctx context.Context, progress func(note string)) error

// AddBackground wraps a long-running task with lifecycle notifications
// (queued → waiting-on-lock → running → progress → finished) delivered
// through rep. lo may be nil for tasks that need no resource lock.
// TaskFinished fires exactly once on every exit path.
func (s *Service) AddBackground(ctx context.Context, opts AddOptions, lo *LockOptions, rep Reporter, fn BackgroundFn) (*Task, error) {
	if fn == nil {
		return nil, errors.New("queue: fn is nil")
	}
	if rep == nil {
		return nil, errors.New("queue: reporter is nil")
	}
	if lo != nil && s.locks == nil {
		return nil, errors.New("queue: no lock manager configured")
	}

	// The task may be dispatched before Add returns. Gate the body on
	// ready so t is assigned and TaskQueued has fired before any other
	// reporter callback.
	var t *Task
	ready := make(chan struct{})
	body := func(runCtx context.Context) (err error) {
		select {
		case <-ready:
		case <-runCtx.Done():
			return runCtx.Err()
		}
		defer func() {
			rep.TaskFinished(runCtx, t.view(), err)
		}()
		progress := func(note string) {
			rep.TaskProgress(runCtx, t.view(), note)
		}
		run := func(c context.Context) error {
			rep.TaskStarted(c, t.view())
			return fn(c, progress)
		}
		if lo == nil {
			return run(runCtx)
		}
		rep.TaskWaitingOnLock(runCtx, t.view())
		return s.locks.Acquire(runCtx, lo.ResourceType, lo.ResourceID, lock.AcquireOptions{
			Operation: lo.Operation,
			Timeout:   lo.LockTimeout,
		}, run)
	}

	t, err := s.Add(ctx, opts, body)
	if err != nil {
		return nil, err
	}
	rep.TaskQueued(ctx, t.view())
	close(ready)
	return t, nil
}

// dispatchLocked starts queued tasks while slots are free. Call with s.mu held.
func (s *Service) dispatchLocked() {
	for !s.paused && !s.stopped && s.running < s.cfg.Limit && len(s.pending) > 0 {
		t := heap.Pop(&s.pending).(*Task)
		s.running++
		s.runWG.Add(1)
		go s.run(t)
	}
}

func (s *Service) run(t *Task) {
	defer s.runWG.Done()

	start := time.Now()
	wait := start.Sub(t.enqueuedAt)
	if wait < 0 {
		wait = 0
	}
	atomic.AddInt64(&s.stats.cumWait, int64(wait))

	t.mu.Lock()
	t.state = StateRunning
	t.startedAt = start
	t.mu.Unlock()

	s.log.Debug("task.started", logx.String("task", t.name), logx.String("id", t.id), logx.Duration("wait", wait))
	s.publish("task.started", t, wait, 0, nil)

	runCtx := s.runCtx
	var cancel context.CancelFunc
	if t.timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, t.timeout)
	}

	var err error
	func() {
		// One bad task must not take down the queue.
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("task.panic", logx.String("task", t.name), logx.String("id", t.id), logx.Any("panic", r))
			}
		}()
		err = t.fn(runCtx)
	}()
	timedOut := runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)
	if cancel != nil {
		cancel()
	}

	dur := time.Since(start)
	state := StateCompleted
	switch {
	case timedOut:
		// An overrun is a timeout failure even if the body returned nil.
		state = StateTimedOut
		if err == nil || errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrTimedOut, t.timeout)
		} else {
			err = fmt.Errorf("%w after %s: %v", ErrTimedOut, t.timeout, err)
		}
		atomic.AddUint64(&s.stats.timedOut, 1)
		s.log.Warn("task.timed_out", logx.String("task", t.name), logx.String("id", t.id), logx.Duration("dur", dur))
	case err != nil:
		state = StateFailed
		atomic.AddUint64(&s.stats.failed, 1)
		s.log.Warn("task.failed", logx.String("task", t.name), logx.String("id", t.id), logx.Any("err", err), logx.Duration("dur", dur))
	default:
		atomic.AddUint64(&s.stats.processed, 1)
		s.log.Debug("task.completed", logx.String("task", t.name), logx.String("id", t.id), logx.Duration("dur", dur), logx.Duration("wait", wait))
	}

	t.finish(state, err)
	s.publish("task."+string(state), t, wait, dur, err)

	s.mu.Lock()
	delete(s.active, t.id)
	s.pushHistoryLocked(t.view())
	s.running--
	s.dispatchLocked()
	s.notifyIdleLocked()
	s.mu.Unlock()
}

func (s *Service) publish(typ string, t *Task, wait, dur time.Duration, err error) {
	if s.bus == nil {
		return
	}
	ev := TaskEvent{ID: t.id, Name: t.name, Priority: t.priority, Wait: wait, Duration: dur}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

// pushHistoryLocked appends v to the finished ring. Call with s.mu held.
func (s *Service) pushHistoryLocked(v View) {
	s.history = append(s.history, v)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
}

// notifyIdleLocked wakes OnIdle waiters when nothing is queued or running.
// Call with s.mu held.
func (s *Service) notifyIdleLocked() {
	if len(s.pending) != 0 || s.running != 0 {
		return
	}
	for _, ch := range s.idlers {
		close(ch)
	}
	s.idlers = nil
}
