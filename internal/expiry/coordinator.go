// Package expiry restores and re-arms per-entity timed state transitions
// after process restart.
//
// The store is the source of truth: a timer firing is only a hint. The
// coordinator re-fetches the entity and invokes the handler only while the
// status is still non-terminal, so a manual action that already resolved the
// entity wins over a stale timer.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"modbot/internal/schedule"
	"modbot/internal/storage"
	logx "modbot/pkg/logx"
)

// Handler is the business side of an expiry: what it means for a
// restriction to lapse or a pending decision to time out. The handler's
// result is a plain return value; any follow-up scheduling is decided here,
// never by the handler reaching back into the coordinator.
type Handler interface {
	HandleExpiry(ctx context.Context, e storage.Entity) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, e storage.Entity) error

func (f HandlerFunc) HandleExpiry(ctx context.Context, e storage.Entity) error { return f(ctx, e) }

type Coordinator struct {
	kind    storage.Kind
	store   storage.Store
	sched   *schedule.Service
	handler Handler
	log     logx.Logger
	now     func() time.Time
}

func New(kind storage.Kind, store storage.Store, sched *schedule.Service, handler Handler, log logx.Logger) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		kind:    kind,
		store:   store,
		sched:   sched,
		handler: handler,
		log:     log.With(logx.String("kind", string(kind))),
		now:     time.Now,
	}
}

// Initialize loads all non-terminal entities of the coordinator's kind and
// schedules each one. Entities whose expiry already passed are handled
// synchronously in-line (catch-up): downtime never silently drops an expiry.
// One entity's handler failure is logged with its id and does not abort the
// rest of the batch.
func (c *Coordinator) Initialize(ctx context.Context) error {
	entities, err := c.store.ListNonTerminal(ctx, c.kind)
	if err != nil {
		return fmt.Errorf("list %s: %w", c.kind, err)
	}

	caughtUp, armed := 0, 0
	for _, e := range entities {
		overdue := !e.ExpireAt.IsZero() && !e.ExpireAt.After(c.now())
		if err := c.ScheduleOne(ctx, e); err != nil {
			c.log.Error("expiry catch-up failed", logx.String("id", e.ID), logx.Any("err", err))
			continue
		}
		if overdue {
			caughtUp++
		} else {
			armed++
		}
	}
	c.log.Info("expiry coordinator initialized", logx.Int("caught_up", caughtUp), logx.Int("armed", armed))
	return nil
}

// ScheduleOne cancels any existing timer for the entity and either handles a
// past-due expiry synchronously or arms a one-shot timer at ExpireAt.
func (c *Coordinator) ScheduleOne(ctx context.Context, e storage.Entity) error {
	name := c.timerName(e.ID)
	c.sched.RemoveTask(name)

	if e.Status.Terminal() {
		return nil
	}
	if e.ExpireAt.IsZero() {
		return fmt.Errorf("entity %s/%s has no expiry", e.Kind, e.ID)
	}

	if !e.ExpireAt.After(c.now()) {
		return c.fire(ctx, e.ID)
	}

	id := e.ID
	return c.sched.AddOnce(name, e.ExpireAt, func(jobCtx context.Context) error {
		return c.fire(jobCtx, id)
	})
}

// Cancel clears the entity's timer and bookkeeping. Safe on entities with no
// armed timer.
func (c *Coordinator) Cancel(entityID string) {
	c.sched.RemoveTask(c.timerName(entityID))
}

// fire re-validates the entity against the store and invokes the handler
// only while the status is still non-terminal.
func (c *Coordinator) fire(ctx context.Context, id string) error {
	e, err := c.store.GetByID(ctx, c.kind, id)
	if errors.Is(err, storage.ErrNotFound) {
		c.log.Debug("expiry skipped: entity gone", logx.String("id", id))
		return nil
	}
	if err != nil {
		return fmt.Errorf("refetch %s/%s: %w", c.kind, id, err)
	}
	if e.Status.Terminal() {
		// A manual action resolved the entity before the timer fired.
		c.log.Debug("expiry skipped: already terminal", logx.String("id", id), logx.String("status", string(e.Status)))
		return nil
	}
	if err := c.handler.HandleExpiry(ctx, e); err != nil {
		return fmt.Errorf("handle expiry %s/%s: %w", c.kind, id, err)
	}
	return nil
}

func (c *Coordinator) timerName(id string) string {
	return "expiry:" + string(c.kind) + ":" + id
}
