package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Job is a session's recurring background action. A session has at
// most one.
type Job struct {
	ID         string        `json:"id"`
	SessionKey string        `json:"session_key"`
	Directive  string        `json:"directive"`
	Interval   time.Duration `json:"interval"`
	CreatedAt  time.Time     `json:"created_at"`
}

// RunFunc runs one agent turn for sessionKey with directive as the user
// message and returns the reply.
type RunFunc func(ctx context.Context, sessionKey, directive string) (string, error)

// Notifier delivers a background reply to the session's user.
type Notifier interface {
	Notify(ctx context.Context, sessionKey, text string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, sessionKey, text string) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, sessionKey, text string) error {
	return f(ctx, sessionKey, text)
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails
		return uuid.New().String()
	}
	return id.String()
}
