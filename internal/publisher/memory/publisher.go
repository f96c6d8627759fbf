// Package memory records capture notifications in memory for tests and local
// runs without Pub/Sub.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Message is one recorded notification. Data holds the JSON encoding the
// Pub/Sub publisher would have sent.
type Message struct {
	ID      string
	Topic   string
	Payload any
	Data    []byte
}

// Publisher keeps notifications grouped by topic.
type Publisher struct {
	mu     sync.RWMutex
	seq    int
	topics map[string][]Message
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{topics: make(map[string][]Message)}
}

// Publish encodes payload and appends it to topic.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	if topic == "" {
		return "", fmt.Errorf("publish: empty topic")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload for %s: %w", topic, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.topics[topic] = append(p.topics[topic], Message{ID: id, Topic: topic, Payload: payload, Data: data})
	return id, nil
}

// Messages returns a copy of what was published to topic, oldest first.
func (p *Publisher) Messages(topic string) []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.topics[topic]))
	copy(out, p.topics[topic])
	return out
}

// Count returns the number of messages published across all topics.
func (p *Publisher) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.seq
}
