package bus

import (
	"context"

	"accountpool/internal/event"
)

// Handler is one subscriber reacting to a decoded event. Handlers return an
// acknowledgement, never an error: validation and business-rule outcomes
// must not look like delivery failures to the bus.
type Handler interface {
	HandleEvent(ctx context.Context, ev event.Decoded) event.Ack
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, ev event.Decoded) event.Ack

func (f HandlerFunc) HandleEvent(ctx context.Context, ev event.Decoded) event.Ack {
	return f(ctx, ev)
}

// Publisher puts one envelope back onto the bus.
type Publisher interface {
	Publish(ctx context.Context, env event.Envelope) error
}
