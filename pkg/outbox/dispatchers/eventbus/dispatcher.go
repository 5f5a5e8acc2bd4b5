package eventbus

import (
	"context"

	"github.com/iota-uz/corpcms/pkg/eventbus"
	"github.com/iota-uz/corpcms/pkg/outbox"
)

// Dispatcher republishes relayed messages on an in-process bus. Handlers
// are called as func(ctx, *outbox.Meta, json.RawMessage) error; a returned
// error makes the relay retry the message.
type Dispatcher struct {
	bus eventbus.EventBus
}

func New(bus eventbus.EventBus) *Dispatcher {
	return &Dispatcher{bus: bus}
}

func (d *Dispatcher) Dispatch(ctx context.Context, msg outbox.DispatchedMessage) error {
	meta := msg.Meta
	return d.bus.PublishE(ctx, &meta, msg.Payload)
}
