// Package events carries the per-execution audit stream: an in-process
// pub/sub bus for live subscribers, a recorder that masks and persists every
// record, an optional Redis mirror, and a WebSocket hub for the stream
// endpoint.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/opspilot/backend/internal/core"
)

// Bus is an in-process pub/sub bus for execution events. Subscribers
// receive records in real time; a full subscriber channel drops rather than
// blocks the publisher.
type Bus struct {
	mu         sync.RWMutex
	byExec     map[string][]chan *core.ExecutionEvent
	allSubs    []chan *core.ExecutionEvent
	logger     *log.Logger
	bufferSize int
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		byExec:     make(map[string][]chan *core.ExecutionEvent),
		allSubs:    make([]chan *core.ExecutionEvent, 0),
		logger:     log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize: 100,
	}
}

// Subscribe returns a channel receiving events for one execution. An empty
// id subscribes to every execution.
func (b *Bus) Subscribe(executionID string) chan *core.ExecutionEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *core.ExecutionEvent, b.bufferSize)
	if executionID == "" {
		b.allSubs = append(b.allSubs, ch)
	} else {
		b.byExec[executionID] = append(b.byExec[executionID], ch)
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *core.ExecutionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, subs := range b.byExec {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		if len(filtered) == 0 {
			delete(b.byExec, id)
		} else {
			b.byExec[id] = filtered
		}
	}

	filtered := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered

	close(ch)
}

// Publish delivers an event to all matching subscribers.
func (b *Bus) Publish(ev *core.ExecutionEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.byExec[ev.ExecutionID] {
		select {
		case ch <- ev:
		default:
			// Channel full, skip
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscriberCount returns the total number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.byExec {
		count += len(subs)
	}
	return count
}

// SSEFormat renders an event as a Server-Sent Events frame.
func SSEFormat(ev *core.ExecutionEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %d\n\n", ev.Kind, data, ev.Seq)), nil
}
