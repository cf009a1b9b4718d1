// Package memory keeps published item events in process, for runs without Pub/Sub and for tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultLimit bounds how many messages are retained.
const DefaultLimit = 500

// Message captures one publish call.
type Message struct {
	ID          string
	Topic       string
	Payload     any
	PublishedAt time.Time
}

// Publisher retains the most recent messages up to its limit.
type Publisher struct {
	mu       sync.RWMutex
	limit    int
	seq      int
	messages []Message
}

// New returns a Publisher that keeps at most limit messages (DefaultLimit when limit <= 0).
func New(limit int) *Publisher {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Publisher{limit: limit}
}

// Publish records the message and returns a sequential ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Payload: payload, PublishedAt: time.Now().UTC()})
	if over := len(p.messages) - p.limit; over > 0 {
		p.messages = append([]Message(nil), p.messages[over:]...)
	}
	return id, nil
}

// Messages returns every retained message, oldest first.
func (p *Publisher) Messages() []Message {
	return p.Recent(0)
}

// Recent returns up to n of the newest messages, oldest first. n <= 0 returns all.
func (p *Publisher) Recent(n int) []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	start := 0
	if n > 0 && len(p.messages) > n {
		start = len(p.messages) - n
	}
	out := make([]Message, len(p.messages)-start)
	copy(out, p.messages[start:])
	return out
}
