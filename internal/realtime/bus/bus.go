// Package bus is the realtime broadcast fabric, grounded on the
// teacher's internal/realtime/bus package (an SSE-message Bus interface
// with a Redis-backed implementation), generalized from chat SSE
// messages to session activity broadcasts.
package bus

import (
	"context"

	"github.com/google/uuid"
)

// Message is one broadcastable unit: a session activity update or a
// session lifecycle transition. Channel is always "live_session_update"
// per spec.md §6's broadcast channel name; Event narrows the payload
// shape for subscribers that only care about one kind.
type Message struct {
	Channel   string         `json:"channel"`
	SessionID uuid.UUID      `json:"session_id"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
}

type Bus interface {
	Publish(ctx context.Context, msg Message) error
	StartForwarder(ctx context.Context, onMsg func(Message)) error
	Close() error
}
