// Package vote manages the two-checkpoint lifecycle of community votes:
// a reveal (re-render the tally, no transition to terminal) and a finalize
// (compute the result, transition to terminal).
//
// Both checkpoints are independent one-shot timers, cancellable separately.
// Finalize always re-reads the vote's status immediately before acting and
// is a no-op when already terminal, so an early manual resolution wins over
// the timer.
package vote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"modbot/internal/lock"
	"modbot/internal/schedule"
	"modbot/internal/storage"
	logx "modbot/pkg/logx"
)

// ErrClosed is returned by AddVoter once the vote is terminal.
var ErrClosed = errors.New("vote closed")

// Result of a finalized vote, computed by the business handler.
type Result struct {
	Winner  string
	Summary string
}

// Handler is the business side of the lifecycle. Results are returned as
// values; the scheduler alone decides any follow-up scheduling.
type Handler interface {
	HandleReveal(ctx context.Context, e storage.Entity, tally storage.Tally) error
	ComputeResult(ctx context.Context, e storage.Entity, tally storage.Tally) (Result, error)
}

const lockResource = "vote"

type Scheduler struct {
	store   storage.Store
	sched   *schedule.Service
	locks   *lock.Manager
	handler Handler
	log     logx.Logger
	now     func() time.Time
}

func New(store storage.Store, sched *schedule.Service, locks *lock.Manager, handler Handler, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		store:   store,
		sched:   sched,
		locks:   locks,
		handler: handler,
		log:     log.With(logx.String("comp", "vote")),
		now:     time.Now,
	}
}

// Initialize re-arms both checkpoints for every non-terminal vote, handling
// checkpoints missed during downtime synchronously in-line. One vote's
// failure is logged and does not abort the rest.
func (s *Scheduler) Initialize(ctx context.Context) error {
	votes, err := s.store.ListNonTerminal(ctx, storage.KindVote)
	if err != nil {
		return fmt.Errorf("list votes: %w", err)
	}
	for _, v := range votes {
		if err := s.Schedule(ctx, v); err != nil {
			s.log.Error("vote catch-up failed", logx.String("id", v.ID), logx.Any("err", err))
		}
	}
	s.log.Info("vote scheduler initialized", logx.Int("votes", len(votes)))
	return nil
}

// Schedule (re-)arms the vote's remaining checkpoints, cancelling any prior
// timers first. Past-due checkpoints are processed synchronously.
func (s *Scheduler) Schedule(ctx context.Context, e storage.Entity) error {
	s.Cancel(e.ID)
	if e.Status.Terminal() {
		return nil
	}
	if e.FinalizeAt.IsZero() {
		return fmt.Errorf("vote %s has no finalize time", e.ID)
	}

	id := e.ID
	now := s.now()

	if !e.RevealAt.IsZero() && e.Status == storage.StatusCollecting {
		if e.RevealAt.After(now) {
			if err := s.sched.AddOnce(revealTimer(id), e.RevealAt, func(jobCtx context.Context) error {
				return s.fireReveal(jobCtx, id)
			}); err != nil {
				return err
			}
		} else if err := s.fireReveal(ctx, id); err != nil {
			return err
		}
	}

	if e.FinalizeAt.After(now) {
		return s.sched.AddOnce(finalizeTimer(id), e.FinalizeAt, func(jobCtx context.Context) error {
			return s.fireFinalize(jobCtx, id)
		})
	}
	return s.fireFinalize(ctx, id)
}

// Cancel clears both checkpoint timers. Safe when no timer is armed.
func (s *Scheduler) Cancel(voteID string) {
	s.sched.RemoveTask(revealTimer(voteID))
	s.sched.RemoveTask(finalizeTimer(voteID))
}

// AddVoter records voterID's ballot for option. Safe under concurrent
// submission for the same vote: the read-modify-write of the tally is
// funneled through the resource lock keyed by vote id, and a re-submitting
// voter is moved between option sets as one atomic step.
func (s *Scheduler) AddVoter(ctx context.Context, voteID, voterID, option string) error {
	return s.locks.Acquire(ctx, lockResource, voteID, lock.AcquireOptions{Operation: "ballot"}, func(lctx context.Context) error {
		e, err := s.store.GetByID(lctx, storage.KindVote, voteID)
		if err != nil {
			return fmt.Errorf("vote %s: %w", voteID, err)
		}
		if e.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrClosed, voteID)
		}
		return s.store.SetBallot(lctx, voteID, voterID, option)
	})
}

// fireReveal re-validates status and re-renders the tally. The vote keeps
// collecting ballots until finalize; reveal only marks it revealed.
func (s *Scheduler) fireReveal(ctx context.Context, voteID string) error {
	e, err := s.store.GetByID(ctx, storage.KindVote, voteID)
	if errors.Is(err, storage.ErrNotFound) {
		s.log.Debug("reveal skipped: vote gone", logx.String("id", voteID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("refetch vote %s: %w", voteID, err)
	}
	if e.Status != storage.StatusCollecting {
		s.log.Debug("reveal skipped", logx.String("id", voteID), logx.String("status", string(e.Status)))
		return nil
	}

	tally, err := s.store.GetTally(ctx, voteID)
	if err != nil {
		return fmt.Errorf("tally %s: %w", voteID, err)
	}
	if err := s.store.SetStatus(ctx, storage.KindVote, voteID, storage.StatusRevealed); err != nil {
		return fmt.Errorf("reveal %s: %w", voteID, err)
	}
	e.Status = storage.StatusRevealed
	if err := s.handler.HandleReveal(ctx, e, tally); err != nil {
		return fmt.Errorf("handle reveal %s: %w", voteID, err)
	}
	s.log.Info("vote revealed", logx.String("id", voteID), logx.Int("ballots", tally.Count()))
	return nil
}

// fireFinalize computes the result and transitions to terminal, serialized
// with ballot writes through the vote's lock. Idempotent: a vote that is
// already terminal is left untouched.
func (s *Scheduler) fireFinalize(ctx context.Context, voteID string) error {
	return s.locks.Acquire(ctx, lockResource, voteID, lock.AcquireOptions{Operation: "finalize"}, func(lctx context.Context) error {
		e, err := s.store.GetByID(lctx, storage.KindVote, voteID)
		if errors.Is(err, storage.ErrNotFound) {
			s.log.Debug("finalize skipped: vote gone", logx.String("id", voteID))
			return nil
		}
		if err != nil {
			return fmt.Errorf("refetch vote %s: %w", voteID, err)
		}
		if e.Status.Terminal() {
			s.log.Debug("finalize skipped: already terminal", logx.String("id", voteID), logx.String("status", string(e.Status)))
			return nil
		}

		tally, err := s.store.GetTally(lctx, voteID)
		if err != nil {
			return fmt.Errorf("tally %s: %w", voteID, err)
		}
		res, err := s.handler.ComputeResult(lctx, e, tally)
		if err != nil {
			return fmt.Errorf("compute result %s: %w", voteID, err)
		}
		if err := s.store.SetStatus(lctx, storage.KindVote, voteID, storage.StatusFinalized); err != nil {
			return fmt.Errorf("finalize %s: %w", voteID, err)
		}
		// The reveal timer is independent; once terminal it would no-op,
		// but drop it anyway.
		s.sched.RemoveTask(revealTimer(voteID))

		s.log.Info("vote finalized",
			logx.String("id", voteID), logx.String("winner", res.Winner),
			logx.Int("ballots", tally.Count()))
		return nil
	})
}

func revealTimer(id string) string   { return "vote:reveal:" + id }
func finalizeTimer(id string) string { return "vote:finalize:" + id }
