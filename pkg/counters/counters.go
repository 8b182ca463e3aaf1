// Package counters holds the relay's in-memory, per-identity traffic
// totals (spec.md §3, §4.7): requests, bytes in/out, last-seen time,
// and last-observed status, keyed independently by token and by alias.
// Counters are monotonic within one relay run and reset on restart; the
// control plane differentiates runs by RelayRunID.
package counters

import (
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is a point-in-time read of one identity's counters.
type Snapshot struct {
	Identity   string    `json:"identity"`
	Requests   int64     `json:"requests"`
	BytesIn    int64     `json:"bytesIn"`
	BytesOut   int64     `json:"bytesOut"`
	LastSeenAt time.Time `json:"lastSeenAt"`
	LastStatus int       `json:"lastStatus"`
}

// entry holds one identity's live counters. The numeric fields are
// atomics and lastSeenAt has its own mutex, so updates never need the
// registry's own lock.
type entry struct {
	requests   atomic.Int64
	bytesIn    atomic.Int64
	bytesOut   atomic.Int64
	lastStatus atomic.Int32
	lastSeenMu sync.Mutex
	lastSeenAt time.Time
}

func (e *entry) snapshot(identity string) Snapshot {
	e.lastSeenMu.Lock()
	last := e.lastSeenAt
	e.lastSeenMu.Unlock()
	return Snapshot{
		Identity:   identity,
		Requests:   e.requests.Load(),
		BytesIn:    e.bytesIn.Load(),
		BytesOut:   e.bytesOut.Load(),
		LastSeenAt: last,
		LastStatus: int(e.lastStatus.Load()),
	}
}

// Registry holds two independent keyspaces of counters, one by token
// and one by alias, matching spec.md §3's "two mappings keyed by token
// and by alias respectively." Only the ingress dispatcher mutates it.
type Registry struct {
	mu      sync.RWMutex
	byToken map[string]*entry
	byAlias map[string]*entry
}

// NewRegistry creates an empty counters registry.
func NewRegistry() *Registry {
	return &Registry{
		byToken: make(map[string]*entry),
		byAlias: make(map[string]*entry),
	}
}

func (r *Registry) entryFor(m map[string]*entry, identity string) *entry {
	r.mu.RLock()
	e, ok := m[identity]
	r.mu.RUnlock()
	if ok {
		return e
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = m[identity]; ok {
		return e
	}
	e = &entry{}
	m[identity] = e
	return e
}

// RecordReceive is called once per request on receipt (spec.md §4.5
// step 7): requests += 1, bytesIn += request body length. token is
// always recorded; alias is additionally recorded when the inbound
// Host resolved through an alias rather than a bare token.
func (r *Registry) RecordReceive(token, alias string, bodyIn int64) {
	te := r.entryFor(r.byToken, token)
	te.requests.Add(1)
	te.bytesIn.Add(bodyIn)

	if alias != "" {
		ae := r.entryFor(r.byAlias, alias)
		ae.requests.Add(1)
		ae.bytesIn.Add(bodyIn)
	}
}

// RecordComplete is called once per request on completion: bytesOut +=
// response body length, lastStatus := status, lastSeenAt := now.
func (r *Registry) RecordComplete(token, alias string, bodyOut int64, status int) {
	now := time.Now()
	te := r.entryFor(r.byToken, token)
	te.bytesOut.Add(bodyOut)
	te.lastStatus.Store(int32(status))
	te.lastSeenMu.Lock()
	te.lastSeenAt = now
	te.lastSeenMu.Unlock()

	if alias != "" {
		ae := r.entryFor(r.byAlias, alias)
		ae.bytesOut.Add(bodyOut)
		ae.lastStatus.Store(int32(status))
		ae.lastSeenMu.Lock()
		ae.lastSeenAt = now
		ae.lastSeenMu.Unlock()
	}
}

// ByToken returns a snapshot of every token's counters.
func (r *Registry) ByToken() []Snapshot {
	return snapshotAll(r, r.byToken)
}

// ByAlias returns a snapshot of every alias's counters.
func (r *Registry) ByAlias() []Snapshot {
	return snapshotAll(r, r.byAlias)
}

func snapshotAll(r *Registry, m map[string]*entry) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(m))
	for identity, e := range m {
		out = append(out, e.snapshot(identity))
	}
	return out
}

// Totals sums every token's counters into one Snapshot (Identity left
// empty), for the traffic-stats endpoint's aggregate view.
func (r *Registry) Totals() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total Snapshot
	for _, e := range r.byToken {
		total.Requests += e.requests.Load()
		total.BytesIn += e.bytesIn.Load()
		total.BytesOut += e.bytesOut.Load()
		if s := e.snapshot(""); s.LastSeenAt.After(total.LastSeenAt) {
			total.LastSeenAt = s.LastSeenAt
		}
	}
	return total
}
