package notify

import (
	"context"
	"errors"
	"sync"
)

// ErrUnknownRef is returned when editing a message that was never sent or
// was already deleted.
var ErrUnknownRef = errors.New("unknown message ref")

// MemoryChannel records messages in process memory. Used by tests and as a
// stand-in when no transport is configured.
type MemoryChannel struct {
	mu     sync.Mutex
	nextID int
	sent   []Message
	texts  map[Ref]string
}

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{texts: map[Ref]string{}}
}

func (c *MemoryChannel) Send(ctx context.Context, m Message) (Ref, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	ref := Ref{ChatID: m.Target.ChatID, MessageID: c.nextID}
	c.sent = append(c.sent, m)
	c.texts[ref] = m.Text
	return ref, nil
}

func (c *MemoryChannel) Update(ctx context.Context, ref Ref, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.texts[ref]; !ok {
		return ErrUnknownRef
	}
	c.texts[ref] = text
	return nil
}

func (c *MemoryChannel) Delete(ctx context.Context, ref Ref) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.texts, ref)
	return nil
}

// Sent returns a copy of every message accepted by Send, in order.
func (c *MemoryChannel) Sent() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.sent...)
}

// Live returns the number of messages sent and not yet deleted.
func (c *MemoryChannel) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.texts)
}
