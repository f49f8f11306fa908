package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "modbot/pkg/logx"
)

// Store is the persistence API consumed by the scheduling core.
//
// SetStatus and SetBallot are atomic per call; SetBallot moves a re-voting
// voter between option sets as a single step.
type Store interface {
	ListNonTerminal(ctx context.Context, kind Kind) ([]Entity, error)
	GetByID(ctx context.Context, kind Kind, id string) (Entity, error)
	Put(ctx context.Context, e Entity) error
	SetStatus(ctx context.Context, kind Kind, id string, status Status) error

	GetTally(ctx context.Context, voteID string) (Tally, error)
	SetBallot(ctx context.Context, voteID, voterID, option string) error

	// Dedup keys back the notification pipeline's cross-restart suppression.
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
