package api

import (
	"context"
	"sync"
	"time"
)

// outboxLimit bounds queued notifications per session. The oldest are
// dropped first.
const outboxLimit = 50

// Notification is a background reply waiting to be collected.
type Notification struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Outbox queues background replies for HTTP sessions until the client
// polls for them. It implements scheduler.Notifier.
type Outbox struct {
	mu      sync.Mutex
	pending map[string][]Notification
	dropped int
}

// NewOutbox creates an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{pending: make(map[string][]Notification)}
}

// Notify queues text for sessionKey.
func (o *Outbox) Notify(_ context.Context, sessionKey, text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	q := append(o.pending[sessionKey], Notification{Text: text, CreatedAt: time.Now().UTC()})
	if over := len(q) - outboxLimit; over > 0 {
		q = q[over:]
		o.dropped += over
	}
	o.pending[sessionKey] = q
	return nil
}

// Drain returns and clears the queued notifications for sessionKey.
func (o *Outbox) Drain(sessionKey string) []Notification {
	o.mu.Lock()
	defer o.mu.Unlock()
	q := o.pending[sessionKey]
	delete(o.pending, sessionKey)
	return q
}

// Stats returns outbox counters.
func (o *Outbox) Stats() map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	queued := 0
	for _, q := range o.pending {
		queued += len(q)
	}
	return map[string]any{
		"sessions": len(o.pending),
		"queued":   queued,
		"dropped":  o.dropped,
	}
}
