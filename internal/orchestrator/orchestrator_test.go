package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"modbot/internal/lock"
	"modbot/internal/notify"
	"modbot/internal/queue"
	logx "modbot/pkg/logx"
)

// captureChannel records the full status-message lifecycle per ref.
type captureChannel struct {
	mu      sync.Mutex
	nextID  int
	sends   []string
	updates []string
	deleted int
	live    map[notify.Ref]string
}

func newCaptureChannel() *captureChannel {
	return &captureChannel{live: map[notify.Ref]string{}}
}

func (c *captureChannel) Send(ctx context.Context, m notify.Message) (notify.Ref, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	ref := notify.Ref{ChatID: m.Target.ChatID, MessageID: c.nextID}
	c.sends = append(c.sends, m.Text)
	c.live[ref] = m.Text
	return ref, nil
}

func (c *captureChannel) Update(ctx context.Context, ref notify.Ref, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.live[ref]; !ok {
		return notify.ErrUnknownRef
	}
	c.updates = append(c.updates, text)
	c.live[ref] = text
	return nil
}

func (c *captureChannel) Delete(ctx context.Context, ref notify.Ref) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.live, ref)
	c.deleted++
	return nil
}

func (c *captureChannel) snapshot() (sends, updates []string, deleted, live int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sends...), append([]string(nil), c.updates...), c.deleted, len(c.live)
}

func newFixture(t *testing.T, cfg Config) (*Service, *captureChannel) {
	t.Helper()
	locks := lock.New(lock.Config{}, logx.Nop())
	q := queue.New(queue.Config{Limit: 2}, locks, logx.Nop(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = q.Cleanup(ctx)
	})
	ch := newCaptureChannel()
	cfg.Target = notify.Target{ChatID: 42}
	return New(cfg, q, ch, logx.Nop()), ch
}

func waitFinished(t *testing.T, task *queue.Task) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := task.Wait(ctx)
	// The final channel call happens in the task body before the handle
	// resolves, so the capture is complete here.
	return err
}

func TestRunSuccessLifecycle(t *testing.T) {
	t.Parallel()
	s, ch := newFixture(t, Config{})

	task, err := s.Run(context.Background(), queue.AddOptions{Name: "mute", Priority: 3}, nil,
		func(ctx context.Context, progress func(string)) error {
			progress("applying restriction")
			return nil
		})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if werr := waitFinished(t, task); werr != nil {
		t.Fatalf("task: %v", werr)
	}

	sends, updates, deleted, live := ch.snapshot()
	if len(sends) != 1 || !strings.Contains(sends[0], "mute: queued (priority 3)") {
		t.Fatalf("sends = %v", sends)
	}
	if len(updates) < 3 {
		t.Fatalf("updates = %v, want running, progress, done", updates)
	}
	last := updates[len(updates)-1]
	if !strings.Contains(last, "mute: done in") {
		t.Fatalf("final update = %q", last)
	}
	found := false
	for _, u := range updates {
		if strings.Contains(u, "applying restriction") {
			found = true
		}
	}
	if !found {
		t.Fatalf("progress note missing from %v", updates)
	}
	if deleted != 0 || live != 1 {
		t.Fatalf("deleted=%d live=%d, want message kept", deleted, live)
	}
}

func TestRunDeleteOnSuccess(t *testing.T) {
	t.Parallel()
	s, ch := newFixture(t, Config{DeleteOnSuccess: true})

	task, err := s.Run(context.Background(), queue.AddOptions{Name: "sweep"}, nil,
		func(ctx context.Context, progress func(string)) error { return nil })
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if werr := waitFinished(t, task); werr != nil {
		t.Fatalf("task: %v", werr)
	}

	_, _, deleted, live := ch.snapshot()
	if deleted != 1 || live != 0 {
		t.Fatalf("deleted=%d live=%d, want status message removed", deleted, live)
	}
}

func TestRunFailureKeepsMessage(t *testing.T) {
	t.Parallel()
	s, ch := newFixture(t, Config{DeleteOnSuccess: true})

	boom := errors.New("ban failed")
	task, err := s.Run(context.Background(), queue.AddOptions{Name: "ban"}, nil,
		func(ctx context.Context, progress func(string)) error { return boom })
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if werr := waitFinished(t, task); !errors.Is(werr, boom) {
		t.Fatalf("task err = %v, want %v", werr, boom)
	}

	_, updates, deleted, live := ch.snapshot()
	if deleted != 0 || live != 1 {
		t.Fatalf("deleted=%d live=%d, failure must keep the message", deleted, live)
	}
	last := updates[len(updates)-1]
	if !strings.Contains(last, "ban: failed after") || !strings.Contains(last, "ban failed") {
		t.Fatalf("final update = %q", last)
	}
}

func TestRunWithLockShowsWaitState(t *testing.T) {
	t.Parallel()
	s, ch := newFixture(t, Config{})

	lo := &queue.LockOptions{ResourceType: "user", ResourceID: "u1", Operation: "mute"}
	task, err := s.Run(context.Background(), queue.AddOptions{Name: "locked"}, lo,
		func(ctx context.Context, progress func(string)) error { return nil })
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if werr := waitFinished(t, task); werr != nil {
		t.Fatalf("task: %v", werr)
	}

	_, updates, _, _ := ch.snapshot()
	found := false
	for _, u := range updates {
		if strings.Contains(u, "waiting on resource lock") {
			found = true
		}
	}
	if !found {
		t.Fatalf("lock wait state missing from %v", updates)
	}
}

// failingSendChannel rejects the initial send; the task must still run.
type failingSendChannel struct {
	captureChannel
}

func (c *failingSendChannel) Send(ctx context.Context, m notify.Message) (notify.Ref, error) {
	return notify.Ref{}, errors.New("channel down")
}

func TestChannelFailureDoesNotAffectTask(t *testing.T) {
	t.Parallel()
	locks := lock.New(lock.Config{}, logx.Nop())
	q := queue.New(queue.Config{Limit: 1}, locks, logx.Nop(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = q.Cleanup(ctx)
	})
	ch := &failingSendChannel{}
	ch.live = map[notify.Ref]string{}
	s := New(Config{Target: notify.Target{ChatID: 42}}, q, ch, logx.Nop())

	var ran bool
	task, err := s.Run(context.Background(), queue.AddOptions{Name: "quiet"}, nil,
		func(ctx context.Context, progress func(string)) error {
			ran = true
			progress("still fine")
			return nil
		})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if werr := waitFinished(t, task); werr != nil {
		t.Fatalf("task: %v", werr)
	}
	if !ran {
		t.Fatal("task body did not run")
	}
}
