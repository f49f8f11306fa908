// Package orchestrator ties the task queue, resource locks, and the
// announcement channel together: moderation jobs run as background tasks
// with a live status message that is posted when the task is admitted,
// edited as it progresses, and cleaned up when it finishes.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"modbot/internal/notify"
	"modbot/internal/queue"
	logx "modbot/pkg/logx"
)

type Config struct {
	// Target is where status messages are posted.
	Target notify.Target
	// DeleteOnSuccess removes the status message after a clean finish;
	// failures always leave the final message in place.
	DeleteOnSuccess bool
	// ChannelTimeout bounds each channel call. Default 5s.
	ChannelTimeout time.Duration
}

type Service struct {
	cfg     Config
	queue   *queue.Service
	channel notify.Channel
	log     logx.Logger
}

func New(cfg Config, q *queue.Service, ch notify.Channel, log logx.Logger) *Service {
	if cfg.ChannelTimeout <= 0 {
		cfg.ChannelTimeout = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, queue: q, channel: ch, log: log.With(logx.String("comp", "orchestrator"))}
}

// Run admits fn to the queue with a live status message. lo may be nil for
// jobs that need no resource lock. The returned task handle reports
// completion via Wait or Done; the status message lifecycle is handled here.
func (s *Service) Run(ctx context.Context, opts queue.AddOptions, lo *queue.LockOptions, fn queue.BackgroundFn) (*queue.Task, error) {
	rep := &statusReporter{svc: s}
	return s.queue.AddBackground(ctx, opts, lo, rep, fn)
}

// statusReporter maintains one status message per task. All channel errors
// are logged and swallowed: a broken channel never affects the task itself.
type statusReporter struct {
	svc *Service

	mu  sync.Mutex
	ref notify.Ref
	ok  bool
}

func (r *statusReporter) TaskQueued(ctx context.Context, v queue.View) {
	ref, err := r.svc.send(ctx, fmt.Sprintf("⏳ %s: queued (priority %d)", v.Name, v.Priority))
	if err != nil {
		r.svc.log.Debug("status message send failed", logx.String("task", v.ID), logx.Any("err", err))
		return
	}
	r.mu.Lock()
	r.ref, r.ok = ref, true
	r.mu.Unlock()
}

func (r *statusReporter) TaskWaitingOnLock(ctx context.Context, v queue.View) {
	r.update(ctx, v, fmt.Sprintf("🔒 %s: waiting on resource lock", v.Name))
}

func (r *statusReporter) TaskStarted(ctx context.Context, v queue.View) {
	r.update(ctx, v, fmt.Sprintf("▶️ %s: running", v.Name))
}

func (r *statusReporter) TaskProgress(ctx context.Context, v queue.View, note string) {
	note = strings.TrimSpace(note)
	if note == "" {
		return
	}
	r.update(ctx, v, fmt.Sprintf("▶️ %s: %s", v.Name, note))
}

// TaskFinished runs on every exit path. It deliberately ignores ctx, which
// may already be cancelled on the timeout path; cleanup gets its own bound.
func (r *statusReporter) TaskFinished(_ context.Context, v queue.View, err error) {
	r.mu.Lock()
	ref, ok := r.ref, r.ok
	r.ok = false
	r.mu.Unlock()
	if !ok {
		return
	}

	cctx, cancel := context.WithTimeout(context.Background(), r.svc.cfg.ChannelTimeout)
	defer cancel()

	switch {
	case err != nil:
		text := fmt.Sprintf("❌ %s: failed after %s: %v", v.Name, v.Duration.Round(time.Millisecond), err)
		if uerr := r.svc.channel.Update(cctx, ref, text); uerr != nil {
			r.svc.log.Debug("final status update failed", logx.String("task", v.ID), logx.Any("err", uerr))
		}
	case r.svc.cfg.DeleteOnSuccess:
		if derr := r.svc.channel.Delete(cctx, ref); derr != nil {
			r.svc.log.Debug("status message delete failed", logx.String("task", v.ID), logx.Any("err", derr))
		}
	default:
		text := fmt.Sprintf("✅ %s: done in %s", v.Name, v.Duration.Round(time.Millisecond))
		if uerr := r.svc.channel.Update(cctx, ref, text); uerr != nil {
			r.svc.log.Debug("final status update failed", logx.String("task", v.ID), logx.Any("err", uerr))
		}
	}
}

func (r *statusReporter) update(ctx context.Context, v queue.View, text string) {
	r.mu.Lock()
	ref, ok := r.ref, r.ok
	r.mu.Unlock()
	if !ok {
		return
	}
	cctx, cancel := r.svc.bound(ctx)
	defer cancel()
	if err := r.svc.channel.Update(cctx, ref, text); err != nil {
		r.svc.log.Debug("status message update failed", logx.String("task", v.ID), logx.Any("err", err))
	}
}

func (s *Service) send(ctx context.Context, text string) (notify.Ref, error) {
	cctx, cancel := s.bound(ctx)
	defer cancel()
	return s.channel.Send(cctx, notify.Message{Target: s.cfg.Target, Text: text, Silent: true})
}

func (s *Service) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.cfg.ChannelTimeout)
}
