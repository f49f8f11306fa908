package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("entity not found")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process backend (tests, ephemeral runs)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Kind identifies a class of timed moderation entity.
type Kind string

const (
	KindRestriction Kind = "restriction"
	KindDecision    Kind = "decision"
	KindVote        Kind = "vote"
)

// Status of a timed entity. The scheduling core only distinguishes terminal
// from non-terminal; the concrete values belong to the business layer.
type Status string

const (
	StatusActive     Status = "active"
	StatusPending    Status = "pending"
	StatusCollecting Status = "collecting"
	StatusRevealed   Status = "revealed"

	StatusExpired   Status = "expired"
	StatusLifted    Status = "lifted"
	StatusResolved  Status = "resolved"
	StatusFinalized Status = "finalized"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status owes no further timed transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusExpired, StatusLifted, StatusResolved, StatusFinalized, StatusCancelled:
		return true
	}
	return false
}

// Entity is a timed moderation record. The store is the single source of
// truth; schedulers mirror ExpireAt/RevealAt/FinalizeAt as re-validated
// timers only.
//
// ExpireAt is used by single-checkpoint kinds (restrictions, pending
// decisions). Votes use RevealAt and FinalizeAt instead and leave ExpireAt
// zero.
type Entity struct {
	Kind   Kind
	ID     string
	Status Status

	ExpireAt   time.Time
	RevealAt   time.Time
	FinalizeAt time.Time

	// Subject is the user/channel the record applies to.
	Subject string
	// Meta carries opaque business payload (JSON).
	Meta string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Tally maps a vote option to the set of voter ids that chose it.
// Option sets are pairwise disjoint: a voter belongs to at most one option.
type Tally map[string][]string

// Count returns the total number of voters across all options.
func (t Tally) Count() int {
	n := 0
	for _, voters := range t {
		n += len(voters)
	}
	return n
}
