package routing

import (
	"sync"

	"github.com/freitascorp/tunnelrelay/pkg/frame"
)

// Outcome is delivered exactly once to the goroutine waiting on a
// pending request: either the matching response/error frame, or a
// reason the wait ended without one.
type Outcome struct {
	Frame       frame.Frame // valid when Delivered is true
	Delivered   bool
	Disconnected bool
}

// PendingMap tracks in-flight requests for one registration, keyed by
// the wire protocol's uint64 request id. It never contains two entries
// with the same id at once; the id space is owned by the
// Registration's NextRequestID allocator, so reuse only happens after
// an id has already been removed.
type PendingMap struct {
	mu      sync.Mutex
	entries map[uint64]chan Outcome
}

// NewPendingMap creates an empty PendingMap.
func NewPendingMap() *PendingMap {
	return &PendingMap{entries: make(map[uint64]chan Outcome)}
}

// Insert registers id as in-flight and returns the channel its eventual
// Outcome will be delivered on. The channel is buffered so Complete/Fail
// never blocks even if nobody is listening yet (caller disconnected
// between frame dispatch and response arrival).
func (p *PendingMap) Insert(id uint64) <-chan Outcome {
	ch := make(chan Outcome, 1)
	p.mu.Lock()
	p.entries[id] = ch
	p.mu.Unlock()
	return ch
}

// Complete delivers f as the outcome for id, if id is still pending.
// Returns false for a duplicate or already-resolved id (§4.1: "the
// relay must reject duplicates"), in which case the frame is dropped
// and the caller should log it.
func (p *PendingMap) Complete(id uint64, f frame.Frame) bool {
	p.mu.Lock()
	ch, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- Outcome{Frame: f, Delivered: true}
	return true
}

// Remove drops id from the pending set without delivering an outcome,
// used by the deadline and caller-disconnect paths, which signal the
// waiter directly rather than through this map.
func (p *PendingMap) Remove(id uint64) {
	p.mu.Lock()
	delete(p.entries, id)
	p.mu.Unlock()
}

// FailAll delivers a disconnected Outcome to every still-pending request
// and clears the map, used when a registration is torn down (disconnect
// or drain-window expiry) so the ingress dispatcher can promptly reply
// 502 to every caller it was still waiting on.
func (p *PendingMap) FailAll() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[uint64]chan Outcome)
	p.mu.Unlock()

	for _, ch := range entries {
		ch <- Outcome{Disconnected: true}
	}
}

// Len reports the number of currently pending requests.
func (p *PendingMap) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
