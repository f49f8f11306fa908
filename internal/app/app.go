// Package app wires the moderation core together: config, logging,
// storage, timers, locks, the task queue, the announcement pipeline, and
// the lifecycle coordinators.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"modbot/internal/config"
	"modbot/internal/eventbus"
	"modbot/internal/expiry"
	"modbot/internal/lock"
	"modbot/internal/notify"
	"modbot/internal/orchestrator"
	"modbot/internal/queue"
	"modbot/internal/runtime/supervisor"
	"modbot/internal/schedule"
	"modbot/internal/storage"
	"modbot/internal/transport/telegram"
	"modbot/internal/vote"
	logx "modbot/pkg/logx"
)

// StopReason labels why the app is shutting down, for the final log line.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	channel notify.Channel

	locks *lock.Manager
	sched *schedule.Service
	tasks *queue.Service
	notif *notify.Service
	orch  *orchestrator.Service

	restrictions *expiry.Coordinator
	decisions    *expiry.Coordinator
	votes        *vote.Scheduler
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.BuildLogging())
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	stCfg, err := cfg.BuildStorage()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(stCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", stCfg.Driver))

	// Transport: Telegram when a token is configured, otherwise an
	// in-memory channel so the rest of the wiring stays identical.
	var channel notify.Channel
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		tch, err := telegram.New(telegram.Config{
			Token:     cfg.Telegram.Token,
			ParseMode: cfg.Telegram.ParseMode,
		}, log)
		if err != nil {
			return nil, err
		}
		channel = tch
	} else {
		log.Warn("no telegram token; announcements stay in memory")
		channel = notify.NewMemoryChannel()
	}

	locks := lock.New(cfg.BuildLocks(), log.With(logx.String("comp", "locks")))

	schedCfg, err := cfg.BuildScheduler()
	if err != nil {
		return nil, err
	}
	sched := schedule.New(schedCfg, log.With(logx.String("comp", "schedule")))

	queueCfg, err := cfg.BuildQueue()
	if err != nil {
		return nil, err
	}
	tasks := queue.New(queueCfg, locks, log.With(logx.String("comp", "queue")), bus)

	notifyCfg, err := cfg.BuildNotify()
	if err != nil {
		return nil, err
	}
	notif := notify.New(notifyCfg, channel, log.With(logx.String("comp", "notify")), bus, store)

	orchTimeout, err := cfg.BuildOrchestratorTimeout()
	if err != nil {
		return nil, err
	}
	target := notify.Target{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID}
	orch := orchestrator.New(orchestrator.Config{
		Target:          target,
		DeleteOnSuccess: cfg.Orchestrator.DeleteOnSuccess,
		ChannelTimeout:  orchTimeout,
	}, tasks, channel, log)

	restrictions := expiry.New(storage.KindRestriction, store, sched,
		&restrictionHandler{store: store, notif: notif, target: target, log: log},
		log)
	decisions := expiry.New(storage.KindDecision, store, sched,
		&decisionHandler{store: store, notif: notif, target: target, log: log},
		log)
	votes := vote.New(store, sched, locks,
		&voteHandler{notif: notif, target: target, log: log},
		log)

	return &App{
		cfgm:         cfgm,
		log:          log,
		logs:         logSvc,
		bus:          bus,
		store:        store,
		channel:      channel,
		locks:        locks,
		sched:        sched,
		tasks:        tasks,
		notif:        notif,
		orch:         orch,
		restrictions: restrictions,
		decisions:    decisions,
		votes:        votes,
	}, nil
}

// Accessors for embedding callers (command surfaces, tests).

func (a *App) Locks() *lock.Manager { return a.locks }

func (a *App) Scheduler() *schedule.Service { return a.sched }

func (a *App) Queue() *queue.Service { return a.tasks }

func (a *App) Notifier() *notify.Service { return a.notif }

func (a *App) Orchestrator() *orchestrator.Service { return a.orch }

func (a *App) Restrictions() *expiry.Coordinator { return a.restrictions }

func (a *App) Decisions() *expiry.Coordinator { return a.decisions }

func (a *App) Votes() *vote.Scheduler { return a.votes }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Bus() eventbus.Bus { return a.bus }

// Done is closed when the app run context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
			}
		}
		return nil
	})

	a.sched.Start(a.sup.Context())

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}

	// Catch up persisted state before accepting new work: missed expiries
	// and vote checkpoints are processed here, synchronously.
	initCtx, cancel := context.WithTimeout(a.sup.Context(), 60*time.Second)
	defer cancel()
	if err := a.restrictions.Initialize(initCtx); err != nil {
		return fmt.Errorf("restriction catch-up: %w", err)
	}
	if err := a.decisions.Initialize(initCtx); err != nil {
		return fmt.Errorf("decision catch-up: %w", err)
	}
	if err := a.votes.Initialize(initCtx); err != nil {
		return fmt.Errorf("vote catch-up: %w", err)
	}

	// Event log for observability; components also subscribe themselves.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyReload(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "storage", "scheduler", "locks", "queue", "telegram":
			a.log.Warn("config section requires restart to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(newCfg.BuildLogging())

	prevEnabled := a.notif.Enabled()
	ncfg, err := newCfg.BuildNotify()
	if err != nil {
		a.log.Warn("invalid notify config; keeping previous", logx.Any("err", err))
	} else {
		a.notif.Apply(ncfg)
		if prevEnabled && !ncfg.Enabled {
			a.log.Info("notify disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		} else if !prevEnabled && ncfg.Enabled {
			a.log.Info("notify enabled via config")
			a.notif.Start(ctx)
		}
	}

	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem > 0 && rem < max {
				max = rem
			}
		}
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Any("err", err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Order: stop admitting new work, drain the queue, then the pipeline,
	// then timers, then close storage.
	step("queue", 12*time.Second, func(c context.Context) error { return a.tasks.Cleanup(c) })
	step("notify", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("schedule", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
