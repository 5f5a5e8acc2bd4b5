package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Message is a row to be written into an outbox table. Key groups messages
// that concern the same aggregate and is carried through to dispatch.
type Message struct {
	Topic   string
	Key     string
	EventID uuid.UUID
	Payload json.RawMessage
}

// Meta describes a claimed message as seen by a Dispatcher.
type Meta struct {
	Table    pgx.Identifier
	Topic    string
	Key      string
	EventID  uuid.UUID
	Sequence int64
	Attempts int
	Created  time.Time
}

type DispatchedMessage struct {
	Meta    Meta
	Payload json.RawMessage
}

type Dispatcher interface {
	Dispatch(ctx context.Context, msg DispatchedMessage) error
}

// DispatcherFunc adapts a plain function to Dispatcher.
type DispatcherFunc func(ctx context.Context, msg DispatchedMessage) error

func (f DispatcherFunc) Dispatch(ctx context.Context, msg DispatchedMessage) error {
	return f(ctx, msg)
}
