// Package routing holds the relay's authoritative in-process state: the
// identity -> connected-client registration table, and each
// registration's pending-request map.
package routing

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/freitascorp/tunnelrelay/pkg/frame"
)

// Closer is implemented by whatever owns a registration's control
// connection, so the routing table can evict a displaced registration
// without importing the control-channel package (avoiding an import
// cycle: control depends on routing, not the reverse).
type Closer interface {
	// Close tears down the connection. Called at most once per
	// registration; implementations must tolerate being called from a
	// goroutine other than the one running the connection's I/O loop.
	Close() error
}

// Sender is the write side of a registration's control connection: a
// non-blocking enqueue onto the connection's bounded outbound queue
// (§5: "a full queue drops the registration rather than blocking
// ingress"). Defined here, implemented in pkg/control, so the ingress
// dispatcher can depend on routing without depending on control.
type Sender interface {
	// Send enqueues f for delivery and reports whether it was accepted.
	// false means the outbound queue was full; the caller should treat
	// the registration as dead.
	Send(f frame.Frame) bool
}

// Registration is the live state associated with one connected client.
type Registration struct {
	Token       string
	TargetPort  int
	RemoteAddr  string
	ConnectedAt time.Time

	Sender  Sender
	Pending *PendingMap
	closer  Closer

	nextReqID atomic.Uint64
}

// NewRegistration creates a Registration ready to be inserted into a Table.
func NewRegistration(token string, targetPort int, remoteAddr string, sender Sender, closer Closer) *Registration {
	return &Registration{
		Token:       token,
		TargetPort:  targetPort,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		Sender:      sender,
		Pending:     NewPendingMap(),
		closer:      closer,
	}
}

// NextRequestID returns the next monotonically increasing request id for
// this registration's lifetime.
func (r *Registration) NextRequestID() uint64 {
	return r.nextReqID.Add(1)
}

// Table is the single source of truth for "which client owns which
// identity right now." Exactly one Registration per token; a second
// REGISTER for the same token evicts (gracefully closes) the first.
type Table struct {
	mu    sync.RWMutex
	byTok map[string]*Registration
}

// NewTable creates an empty routing table.
func NewTable() *Table {
	return &Table{byTok: make(map[string]*Registration)}
}

// Register installs reg as the current registration for its token,
// returning the previously registered handle if one existed so the
// caller can gracefully drain and close it. Insertion is atomic with
// respect to Lookup.
func (t *Table) Register(reg *Registration) (displaced *Registration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	displaced = t.byTok[reg.Token]
	t.byTok[reg.Token] = reg
	return displaced
}

// Lookup returns the current registration for token, if any.
func (t *Table) Lookup(token string) (*Registration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	reg, ok := t.byTok[token]
	return reg, ok
}

// Unregister removes reg as the registration for its token, but only if
// it is still the current handle (tolerates races with a concurrent
// eviction by a newer registration). Idempotent: unregistering an
// already-removed or already-displaced handle is a no-op.
func (t *Table) Unregister(reg *Registration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if current, ok := t.byTok[reg.Token]; ok && current == reg {
		delete(t.byTok, reg.Token)
	}
}

// Snapshot returns every currently registered Registration, for the
// connected-tunnels introspection endpoint.
func (t *Table) Snapshot() []*Registration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Registration, 0, len(t.byTok))
	for _, reg := range t.byTok {
		out = append(out, reg)
	}
	return out
}

// Count returns the number of currently registered identities.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byTok)
}

// CloseDisplaced gracefully closes a registration that Register reported
// as displaced. Kept as a free function (rather than a Registration
// method) so the drain-window policy lives with the caller, which knows
// the configured drain duration.
func CloseDisplaced(displaced *Registration) error {
	if displaced == nil || displaced.closer == nil {
		return nil
	}
	return displaced.closer.Close()
}
