// Package memory keeps fetched-image events in process. It backs
// events.backend=memory on single-node deployments and the pipeline tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/JakeFAU/picfetch/internal/imagefetch"
)

// DefaultCapacity bounds the event log when New is given a non-positive size.
const DefaultCapacity = 1000

// Event is one accepted publish, encoded the way the broker publishers send it.
type Event struct {
	ID    string
	Topic string
	// Key is the partition key, the image hash for fetched events.
	Key     string
	Data    json.RawMessage
	Fetched imagefetch.FetchedEvent
}

// Publisher is a bounded in-memory event log. The oldest events are dropped
// once capacity is reached.
type Publisher struct {
	mu       sync.RWMutex
	capacity int
	seq      uint64
	events   []Event
}

// New returns a Publisher holding at most capacity events.
func New(capacity int) *Publisher {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Publisher{capacity: capacity}
}

// Publish encodes payload as JSON and appends it to the log.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	ev := Event{Topic: topic, Data: data}
	if keyed, ok := payload.(interface{ EventKey() string }); ok {
		ev.Key = keyed.EventKey()
	}
	switch fetched := payload.(type) {
	case imagefetch.FetchedEvent:
		ev.Fetched = fetched
	case *imagefetch.FetchedEvent:
		if fetched != nil {
			ev.Fetched = *fetched
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	ev.ID = fmt.Sprintf("%s-%d", topic, p.seq)
	p.events = append(p.events, ev)
	if over := len(p.events) - p.capacity; over > 0 {
		p.events = append(p.events[:0:0], p.events[over:]...)
	}
	return ev.ID, nil
}

// Events returns a copy of the retained events, oldest first.
func (p *Publisher) Events() []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// ByKey returns the retained events published under key.
func (p *Publisher) ByKey(key string) []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Event
	for _, ev := range p.events {
		if ev.Key == key {
			out = append(out, ev)
		}
	}
	return out
}
