package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Config controls admission and execution.
type Config struct {
	// Limit is the number of tasks allowed to run concurrently. Default 2.
	Limit int
	// MaxPending bounds the number of queued-but-not-started tasks. Default 256.
	MaxPending int
	// DefaultTimeout applies when AddOptions.Timeout is 0. 0 disables it.
	DefaultTimeout time.Duration
	// ShutdownGrace bounds how long Cleanup waits for in-flight tasks. Default 10s.
	ShutdownGrace time.Duration
	// HistorySize bounds the finished-task ring kept for Status/diagnostics. Default 200.
	HistorySize int
}

// State of a queued task.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

// Fn is a unit of queued work.
type Fn func(ctx context.Context) error

// AddOptions parameterize a single admission.
type AddOptions struct {
	// Name labels the task in logs and history. Default "task".
	Name string
	// Priority orders waiting tasks; higher runs sooner, ties FIFO.
	Priority int
	// Timeout bounds the run; an overrun is reported as TimedOut.
	Timeout time.Duration
	// ID overrides the generated uuid (useful for dedup/status lookups).
	ID string
}

// LockOptions extend an admission with resource-lock acquisition. The order
// is always: wait for a concurrency slot first, then the resource lock.
type LockOptions struct {
	ResourceType string
	ResourceID   string
	Operation    string
	// LockTimeout bounds lock wait-plus-run (see lock.AcquireOptions).
	LockTimeout time.Duration
}

// Task is the caller's handle on one admitted unit of work.
type Task struct {
	id         string
	name       string
	priority   int
	seq        uint64
	timeout    time.Duration
	enqueuedAt time.Time

	fn Fn

	mu        sync.Mutex
	state     State
	startedAt time.Time
	err       error
	done      chan struct{}

	index int // heap bookkeeping
}

func (t *Task) ID() string       { return t.id }
func (t *Task) Name() string     { return t.name }
func (t *Task) Priority() int    { return t.priority }
func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the task's failure after it finished (nil on completion).
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Wait blocks until the task finishes or ctx is done, returning the task's
// error in the former case.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) finish(state State, err error) {
	t.mu.Lock()
	t.state = state
	t.err = err
	t.mu.Unlock()
	close(t.done)
}

// View is a read-only snapshot of a task for status queries and reporters.
type View struct {
	ID         string
	Name       string
	Priority   int
	State      State
	EnqueuedAt time.Time
	StartedAt  time.Time
	Duration   time.Duration
	Error      string
}

func (t *Task) view() View {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := View{
		ID:         t.id,
		Name:       t.name,
		Priority:   t.priority,
		State:      t.state,
		EnqueuedAt: t.enqueuedAt,
		StartedAt:  t.startedAt,
	}
	if !t.startedAt.IsZero() && t.state.Terminal() {
		v.Duration = time.Since(t.startedAt)
	}
	if t.err != nil {
		v.Error = t.err.Error()
	}
	return v
}

// Stats are cumulative observability counters.
type Stats struct {
	Queued         int
	Running        int
	Processed      uint64
	Failed         uint64
	TimedOut       uint64
	CumulativeWait time.Duration
}

// Reporter receives background-task lifecycle notifications. All methods are
// called from the task's goroutine; implementations must not block long.
type Reporter interface {
	TaskQueued(ctx context.Context, v View)
	TaskWaitingOnLock(ctx context.Context, v View)
	TaskStarted(ctx context.Context, v View)
	TaskProgress(ctx context.Context, v View, note string)
	// TaskFinished is called exactly once on every exit path, success or
	// failure; transient progress indicators must be cleaned up here.
	TaskFinished(ctx context.Context, v View, err error)
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Priority int           `json:"priority"`
	Wait     time.Duration `json:"wait"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// taskHeap orders by priority desc, then enqueue order.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

var _ heap.Interface = (*taskHeap)(nil)
