package notify

import (
	"context"
	"time"
)

// Target addresses a chat (and optional topic thread) on the transport.
type Target struct {
	ChatID   int64
	ThreadID int
}

// Ref identifies a message already delivered to the transport, so it can
// be edited or removed later.
type Ref struct {
	ChatID    int64
	MessageID int
}

// Message is one outbound announcement.
type Message struct {
	Target   Target
	Text     string
	Priority int
	Silent   bool
}

// Channel is the transport surface. All three calls are fallible and
// callers are expected to log and continue: a broken announcement channel
// never blocks moderation state transitions.
type Channel interface {
	Send(ctx context.Context, m Message) (Ref, error)
	Update(ctx context.Context, ref Ref, text string) error
	Delete(ctx context.Context, ref Ref) error
}

// Config controls the async announcement pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

type HistoryItem struct {
	At   time.Time
	Text string
}

// Event is emitted on the bus for pipeline lifecycle events.
type Event struct {
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
