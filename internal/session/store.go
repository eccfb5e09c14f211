package session

import (
	"context"
	"errors"
)

// ErrNotFound indicates an unknown session id.
var ErrNotFound = errors.New("session not found")

// StoredEvent is one persisted event-log entry.
type StoredEvent struct {
	Seq     int64  `json:"seq"`
	Kind    Kind   `json:"kind"`
	Payload []byte `json:"payload"`
}

// Store is the durable session/event log. AppendEvent returns the assigned
// sequence number so publishers can tag live deliveries for replay dedup.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	UpdateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context) ([]*Session, error)
	AppendEvent(ctx context.Context, sessionID string, e Event) (int64, error)
	ListEvents(ctx context.Context, sessionID string) ([]StoredEvent, error)
	Close() error
}
