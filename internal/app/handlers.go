package app

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"modbot/internal/notify"
	"modbot/internal/storage"
	"modbot/internal/vote"
	logx "modbot/pkg/logx"
)

// The default handlers transition entities to their terminal state and
// announce the outcome. Announcement failures are logged and swallowed;
// the state transition always wins.

type restrictionHandler struct {
	store  storage.Store
	notif  *notify.Service
	target notify.Target
	log    logx.Logger
}

func (h *restrictionHandler) HandleExpiry(ctx context.Context, e storage.Entity) error {
	if err := h.store.SetStatus(ctx, storage.KindRestriction, e.ID, storage.StatusExpired); err != nil {
		return fmt.Errorf("expire restriction %s: %w", e.ID, err)
	}
	h.announce(ctx, fmt.Sprintf("Restriction on %s has expired and was lifted.", subjectLabel(e)))
	return nil
}

type decisionHandler struct {
	store  storage.Store
	notif  *notify.Service
	target notify.Target
	log    logx.Logger
}

func (h *decisionHandler) HandleExpiry(ctx context.Context, e storage.Entity) error {
	if err := h.store.SetStatus(ctx, storage.KindDecision, e.ID, storage.StatusResolved); err != nil {
		return fmt.Errorf("resolve decision %s: %w", e.ID, err)
	}
	h.announce(ctx, fmt.Sprintf("Decision window for %s closed.", subjectLabel(e)))
	return nil
}

type voteHandler struct {
	notif  *notify.Service
	target notify.Target
	log    logx.Logger
}

func (h *voteHandler) HandleReveal(ctx context.Context, e storage.Entity, tally storage.Tally) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Current standings for %s (%d ballots):\n", subjectLabel(e), tally.Count())
	for _, line := range tallyLines(tally) {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	h.announce(ctx, strings.TrimRight(b.String(), "\n"))
	return nil
}

// ComputeResult picks the option with the most ballots; ties go to the
// lexicographically first option so reruns stay deterministic.
func (h *voteHandler) ComputeResult(ctx context.Context, e storage.Entity, tally storage.Tally) (vote.Result, error) {
	options := make([]string, 0, len(tally))
	for opt := range tally {
		options = append(options, opt)
	}
	sort.Strings(options)

	var winner string
	best := -1
	for _, opt := range options {
		if n := len(tally[opt]); n > best {
			winner, best = opt, n
		}
	}

	res := vote.Result{Winner: winner}
	if winner == "" {
		res.Summary = fmt.Sprintf("Vote on %s closed with no ballots.", subjectLabel(e))
	} else {
		res.Summary = fmt.Sprintf("Vote on %s closed: %q wins with %d of %d ballots.",
			subjectLabel(e), winner, best, tally.Count())
	}
	h.announce(ctx, res.Summary)
	return res, nil
}

func (h *restrictionHandler) announce(ctx context.Context, text string) {
	announce(ctx, h.notif, h.target, text, h.log)
}
func (h *decisionHandler) announce(ctx context.Context, text string) {
	announce(ctx, h.notif, h.target, text, h.log)
}
func (h *voteHandler) announce(ctx context.Context, text string) {
	announce(ctx, h.notif, h.target, text, h.log)
}

func announce(ctx context.Context, notif *notify.Service, target notify.Target, text string, log logx.Logger) {
	if notif == nil || target.ChatID == 0 {
		return
	}
	if err := notif.Notify(ctx, notify.Message{Target: target, Text: text, Priority: 5}); err != nil {
		log.Debug("announcement dropped", logx.Any("err", err))
	}
}

func subjectLabel(e storage.Entity) string {
	if s := strings.TrimSpace(e.Subject); s != "" {
		return s
	}
	return e.ID
}

func tallyLines(t storage.Tally) []string {
	options := make([]string, 0, len(t))
	for opt := range t {
		options = append(options, opt)
	}
	sort.Strings(options)
	lines := make([]string, 0, len(options))
	for _, opt := range options {
		lines = append(lines, fmt.Sprintf("  %s: %d", opt, len(t[opt])))
	}
	return lines
}
