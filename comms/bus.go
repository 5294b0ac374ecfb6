package comms

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryBus is a thread-safe in-process notification bus.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry // recipientID -> handlers
	history  []*Notification
	maxHist  int
	nextID   int
}

type handlerEntry struct {
	id      int
	handler Handler
}

// NewInMemoryBus creates an InMemoryBus with a 1000-notification history cap.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		handlers: make(map[string][]handlerEntry),
		maxHist:  1000,
	}
}

// Publish delivers n to its recipient's handlers and to every AllRecipients
// handler. Handlers run outside the lock.
func (b *InMemoryBus) Publish(ctx context.Context, n *Notification) error {
	b.mu.Lock()
	b.history = append(b.history, n)
	if len(b.history) > b.maxHist {
		b.history = b.history[len(b.history)-b.maxHist:]
	}

	var targets []Handler
	for _, e := range b.handlers[n.RecipientID] {
		targets = append(targets, e.handler)
	}
	if n.RecipientID != AllRecipients {
		for _, e := range b.handlers[AllRecipients] {
			targets = append(targets, e.handler)
		}
	}
	b.mu.Unlock()

	var errs []error
	for _, h := range targets {
		if err := h(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish: %d handler error(s): %v", len(errs), errs[0])
	}
	return nil
}

// Subscribe registers a handler for notifications addressed to recipientID.
func (b *InMemoryBus) Subscribe(recipientID string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[recipientID] = append(b.handlers[recipientID], handlerEntry{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[recipientID]
		filtered := entries[:0]
		for _, e := range entries {
			if e.id != id {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) == 0 {
			delete(b.handlers, recipientID)
		} else {
			b.handlers[recipientID] = filtered
		}
	}
}

// History returns the most recent limit notifications addressed to
// recipientID in chronological order. A limit of 0 returns all of them.
func (b *InMemoryBus) History(recipientID string, limit int) ([]*Notification, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*Notification
	for i := len(b.history) - 1; i >= 0; i-- {
		n := b.history[i]
		if recipientID == AllRecipients || n.RecipientID == recipientID {
			result = append(result, n)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	for l, r := 0, len(result)-1; l < r; l, r = l+1, r-1 {
		result[l], result[r] = result[r], result[l]
	}
	return result, nil
}
