// Package memory keeps published messages in process. It backs change events
// when no Pub/Sub topic is configured, and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/harvester/internal/crawler"
)

// Publisher stores the most recent published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	limit    int
	total    int
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a Publisher retaining at most limit messages; zero or less
// keeps everything.
func New(limit int) *Publisher {
	return &Publisher{limit: limit}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total++
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	if p.limit > 0 && len(p.messages) > p.limit {
		p.messages = append(p.messages[:0:0], p.messages[len(p.messages)-p.limit:]...)
	}
	return fmt.Sprintf("memory-%d", p.total), nil
}

// Messages returns the retained publishes, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Events returns the retained product change events.
func (p *Publisher) Events() []crawler.ProductChangeEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []crawler.ProductChangeEvent
	for _, m := range p.messages {
		if ev, ok := m.Payload.(crawler.ProductChangeEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}

// Total returns the number of publishes since construction.
func (p *Publisher) Total() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.total
}
