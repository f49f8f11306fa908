package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "modbot/pkg/logx"
)

func TestAcquireMutualExclusion(t *testing.T) {
	t.Parallel()
	m := New(Config{}, logx.Nop())

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Acquire(context.Background(), "restriction", "user-1", AcquireOptions{}, func(ctx context.Context) error {
				n := atomic.AddInt32(&active, 1)
				for {
					cur := atomic.LoadInt32(&maxActive)
					if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
			if err != nil {
				t.Errorf("acquire: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt32(&maxActive); got != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", got)
	}
}

func TestAcquireDifferentKeysDoNotBlock(t *testing.T) {
	t.Parallel()
	m := New(Config{}, logx.Nop())

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = m.Acquire(context.Background(), "restriction", "a", AcquireOptions{}, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	done := make(chan error, 1)
	go func() {
		done <- m.Acquire(context.Background(), "restriction", "b", AcquireOptions{}, func(ctx context.Context) error {
			return nil
		})
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("acquire on different key: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("acquire on different key blocked behind unrelated holder")
	}
	close(release)
}

func TestAcquireFIFOOrder(t *testing.T) {
	t.Parallel()
	m := New(Config{}, logx.Nop())

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = m.Acquire(context.Background(), "vote", "v1", AcquireOptions{}, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Acquire(context.Background(), "vote", "v1", AcquireOptions{}, func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// Stagger enqueues so arrival order is deterministic.
		time.Sleep(20 * time.Millisecond)
	}

	close(release)
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("waiter order = %v, want FIFO", order)
		}
	}
}

func TestAcquireQueueFullFailsFast(t *testing.T) {
	t.Parallel()
	m := New(Config{MaxPending: 1}, logx.Nop())

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = m.Acquire(context.Background(), "decision", "d1", AcquireOptions{Operation: "resolve"}, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// Fill the single waiter slot.
	queued := make(chan struct{})
	go func() {
		close(queued)
		_ = m.Acquire(context.Background(), "decision", "d1", AcquireOptions{}, func(ctx context.Context) error {
			return nil
		})
	}()
	<-queued
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	err := m.Acquire(context.Background(), "decision", "d1", AcquireOptions{}, func(ctx context.Context) error {
		return nil
	})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("ErrBusy rejection was not immediate")
	}
	close(release)
}

func TestAcquireTimeoutWhileWaiting(t *testing.T) {
	t.Parallel()
	m := New(Config{}, logx.Nop())

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = m.Acquire(context.Background(), "vote", "slow", AcquireOptions{}, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := m.Acquire(context.Background(), "vote", "slow", AcquireOptions{Timeout: 50 * time.Millisecond}, func(ctx context.Context) error {
		t.Error("fn ran despite wait timeout")
		return nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	close(release)
}

func TestAcquireTimeoutDuringRun(t *testing.T) {
	t.Parallel()
	m := New(Config{}, logx.Nop())

	fnDone := make(chan struct{})
	err := m.Acquire(context.Background(), "vote", "long", AcquireOptions{Timeout: 50 * time.Millisecond}, func(ctx context.Context) error {
		defer close(fnDone)
		// Overrun the budget; the call should return ErrTimeout while we
		// keep running with a canceled context.
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	select {
	case <-fnDone:
	case <-time.After(2 * time.Second):
		t.Fatal("fn context was not canceled after timeout")
	}

	// The lock must be released once fn finishes.
	deadline := time.Now().Add(2 * time.Second)
	for m.IsBusy("vote", "long") {
		if time.Now().After(deadline) {
			t.Fatal("lock still held after timed-out fn finished")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReleaseOnErrorAndPanic(t *testing.T) {
	t.Parallel()
	m := New(Config{}, logx.Nop())

	wantErr := errors.New("boom")
	if err := m.Acquire(context.Background(), "r", "x", AcquireOptions{}, func(ctx context.Context) error {
		return wantErr
	}); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if m.IsBusy("r", "x") {
		t.Fatal("lock held after fn error")
	}

	err := m.Acquire(context.Background(), "r", "x", AcquireOptions{}, func(ctx context.Context) error {
		panic("kaboom")
	})
	if err == nil {
		t.Fatal("panicking fn returned nil error")
	}
	if m.IsBusy("r", "x") {
		t.Fatal("lock held after fn panic")
	}

	// Key must be reusable.
	if err := m.Acquire(context.Background(), "r", "x", AcquireOptions{}, func(ctx context.Context) error {
		return nil
	}); err != nil {
		t.Fatalf("reacquire after panic: %v", err)
	}
}

func TestIsBusyAndSnapshot(t *testing.T) {
	t.Parallel()
	m := New(Config{}, logx.Nop())

	if m.IsBusy("vote", "v9") {
		t.Fatal("fresh key reported busy")
	}

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = m.Acquire(context.Background(), "vote", "v9", AcquireOptions{Operation: "finalize"}, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if !m.IsBusy("vote", "v9") {
		t.Fatal("held key not reported busy")
	}
	snap := m.Snapshot()
	if len(snap) != 1 || snap[0].ResourceID != "v9" || snap[0].Operation != "finalize" {
		t.Fatalf("snapshot = %+v", snap)
	}
	close(release)
}

func TestAcquireContextCancelWhileWaiting(t *testing.T) {
	t.Parallel()
	m := New(Config{}, logx.Nop())

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = m.Acquire(context.Background(), "d", "1", AcquireOptions{}, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Acquire(ctx, "d", "1", AcquireOptions{}, func(ctx context.Context) error {
			t.Error("fn ran despite canceled wait")
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	close(release)
	// The abandoned waiter must not leave the key stuck.
	deadline := time.Now().Add(2 * time.Second)
	for m.IsBusy("d", "1") {
		if time.Now().After(deadline) {
			t.Fatal("lock stuck after abandoned waiter")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
