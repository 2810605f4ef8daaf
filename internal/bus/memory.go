package bus

import (
	"context"
	"sync"

	"accountpool/internal/event"
)

// Memory is an in-process bus for tests and local mode. Publish enqueues;
// Drain dispatches until the queue is empty, so handlers that publish from
// inside HandleEvent see their follow-up events processed in the same call.
type Memory struct {
	mu          sync.Mutex
	environment string
	handlers    []Handler
	queue       []event.Envelope
	published   []event.Envelope
}

func NewMemory(environment string) *Memory {
	return &Memory{environment: environment}
}

func (m *Memory) Subscribe(handlers ...Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handlers...)
}

func (m *Memory) Publish(_ context.Context, env event.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, env)
	m.published = append(m.published, env)
	return nil
}

// Drain processes queued envelopes through every subscriber, collecting the
// acknowledgements in dispatch order.
func (m *Memory) Drain(ctx context.Context) []event.Ack {
	var acks []event.Ack
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return acks
		}
		env := m.queue[0]
		m.queue = m.queue[1:]
		handlers := append([]Handler(nil), m.handlers...)
		m.mu.Unlock()

		decoded, err := event.DecodeEnvelope(env, event.ExpectEnvironment(m.environment))
		if err != nil {
			acks = append(acks, event.AckFromDecodeError(err))
			continue
		}
		for _, h := range handlers {
			acks = append(acks, h.HandleEvent(ctx, decoded))
		}
	}
}

// Published returns every envelope ever put on the bus, in order.
func (m *Memory) Published() []event.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]event.Envelope(nil), m.published...)
}

// PublishedWith filters the publish log by label.
func (m *Memory) PublishedWith(label event.Label) []event.Envelope {
	var out []event.Envelope
	for _, env := range m.Published() {
		if env.DetailType == label {
			out = append(out, env)
		}
	}
	return out
}

// Reset clears the queue and publish log between test cases.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = nil
	m.published = nil
}
