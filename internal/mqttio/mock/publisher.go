// Package mock provides a test double for the gateway.Publisher interface.
// It records published messages and exposes them both as an ordered slice
// and as a channel tests can block on.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/internal/gateway"
)

// Message is one recorded publish.
type Message struct {
	Topic   string
	Payload []byte
}

// Publisher is a mock implementation of gateway.Publisher. Safe for
// concurrent use.
type Publisher struct {
	mu sync.Mutex

	// Err, if non-nil, is returned by every Publish; the message is still
	// recorded.
	Err error

	msgs []Message
	ch   chan Message
}

// NewPublisher creates a Publisher able to buffer up to 64 unconsumed
// messages on its channel.
func NewPublisher() *Publisher {
	return &Publisher{ch: make(chan Message, 64)}
}

// Publish implements gateway.Publisher.
func (p *Publisher) Publish(_ context.Context, topic string, payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	msg := Message{Topic: topic, Payload: cp}

	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	err := p.Err
	p.mu.Unlock()

	select {
	case p.ch <- msg:
	default:
	}
	return err
}

// Messages returns a copy of every recorded publish in order.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.msgs))
	copy(out, p.msgs)
	return out
}

// Chan returns the channel carrying published messages as they arrive.
func (p *Publisher) Chan() <-chan Message {
	return p.ch
}

var _ gateway.Publisher = (*Publisher)(nil)
