package broadcast

import (
	"sync"
	"time"
)

// Pool is the ordered, de-duplicated holding area for messages awaiting
// broadcast. Insertion order is FIFO except for the explicit front-requeue
// path used when a batch fails mid-flight. The pool holds at most one copy
// of any message identity.
type Pool struct {
	mu       sync.Mutex
	messages []*PendingMessage
}

func NewPool() *Pool {
	return &Pool{}
}

// EnqueueIfAbsent appends the message unless one with the same identity is
// already queued. Returns whether the message was added.
func (p *Pool) EnqueueIfAbsent(msg *PendingMessage) bool {
	if msg == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.messages {
		if existing.SameIdentity(msg) {
			return false
		}
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}
	p.messages = append(p.messages, msg)
	return true
}

// DequeueFront pops the oldest message, or returns nil when the pool is empty.
func (p *Pool) DequeueFront() *PendingMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.messages) == 0 {
		return nil
	}
	msg := p.messages[0]
	p.messages = p.messages[1:]
	return msg
}

// RequeueFront reinserts a message at the front so it is retried ahead of
// newer arrivals. Guarded against double-requeue: a no-op when the current
// front already carries the same identity.
func (p *Pool) RequeueFront(msg *PendingMessage) bool {
	if msg == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.messages) > 0 && p.messages[0].SameIdentity(msg) {
		return false
	}
	p.messages = append([]*PendingMessage{msg}, p.messages...)
	return true
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}
