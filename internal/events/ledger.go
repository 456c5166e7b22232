// Package events fans applied ledger changes out to in-process listeners.
package events

import (
	"sync"

	"github.com/vadiminshakov/payledger/internal/domain"
)

// LedgerBroadcaster fans out ledger events to all subscribers via buffered channels.
type LedgerBroadcaster struct {
	mu     sync.RWMutex
	subs   map[chan domain.LedgerEvent]struct{}
	buffer int
}

// NewLedgerBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewLedgerBroadcaster(buffer int) *LedgerBroadcaster {
	if buffer < 1 {
		buffer = 64
	}
	return &LedgerBroadcaster{
		subs:   make(map[chan domain.LedgerEvent]struct{}),
		buffer: buffer,
	}
}

// Publish sends the event to all subscribers, dropping it for readers that fall behind.
func (b *LedgerBroadcaster) Publish(ev domain.LedgerEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// drop slow consumer
		}
	}
}

// Subscribe returns a channel that receives events until Unsubscribe is called.
func (b *LedgerBroadcaster) Subscribe() chan domain.LedgerEvent {
	ch := make(chan domain.LedgerEvent, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel and closes it.
func (b *LedgerBroadcaster) Unsubscribe(ch chan domain.LedgerEvent) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}
