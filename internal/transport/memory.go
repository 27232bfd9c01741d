package transport

import (
	"fmt"
	"sync"

	"zab/internal/zabtypes"
)

// Registry wires a set of in-process MemoryTransports together so they can
// exchange messages without a real network. It is the reference transport
// used by tests and by the integration harness; a production deployment
// substitutes a real framed transport behind the same interface.
type Registry struct {
	mu    sync.Mutex
	peers map[zabtypes.ServerID]*MemoryTransport
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[zabtypes.ServerID]*MemoryTransport)}
}

// NewPeer creates and registers a MemoryTransport for id with a bounded inbox.
func (r *Registry) NewPeer(id zabtypes.ServerID, inboxSize int) *MemoryTransport {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := &MemoryTransport{
		self:   id,
		reg:    r,
		inbox:  make(chan MessageTuple, inboxSize),
		online: make(map[zabtypes.ServerID]bool),
	}
	r.peers[id] = t
	return t
}

func (r *Registry) lookup(id zabtypes.ServerID) (*MemoryTransport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.peers[id]
	return t, ok
}

// Partition marks the link between a and b as down in both directions and
// surfaces a Disconnected tuple in both inboxes, the way a real transport
// notifies its owner of a dropped connection.
func (r *Registry) Partition(a, b zabtypes.ServerID) {
	if ta, ok := r.lookup(a); ok {
		ta.setOnline(b, false)
		ta.deliver(MessageTuple{Disconnected: true, DisconnectedPeer: b})
	}
	if tb, ok := r.lookup(b); ok {
		tb.setOnline(a, false)
		tb.deliver(MessageTuple{Disconnected: true, DisconnectedPeer: a})
	}
}

// PartitionSilent drops the link between a and b without notifying either
// side, modeling a frozen peer or a black-holing network rather than a
// clean connection reset. Only heartbeat timeouts can detect it.
func (r *Registry) PartitionSilent(a, b zabtypes.ServerID) {
	if ta, ok := r.lookup(a); ok {
		ta.setOnline(b, false)
	}
	if tb, ok := r.lookup(b); ok {
		tb.setOnline(a, false)
	}
}

// Crash marks every link to id as down and notifies all other peers, the
// same observable effect as the process behind id dying.
func (r *Registry) Crash(id zabtypes.ServerID) {
	r.mu.Lock()
	peers := make(map[zabtypes.ServerID]*MemoryTransport, len(r.peers))
	for pid, t := range r.peers {
		peers[pid] = t
	}
	r.mu.Unlock()

	for pid, t := range peers {
		if pid == id {
			continue
		}
		t.setOnline(id, false)
		t.deliver(MessageTuple{Disconnected: true, DisconnectedPeer: id})
	}
}

// Restore heals every link to id after a Crash, so a restarted peer
// (typically re-registered with NewPeer) can reconnect.
func (r *Registry) Restore(id zabtypes.ServerID) {
	r.mu.Lock()
	peers := make(map[zabtypes.ServerID]*MemoryTransport, len(r.peers))
	for pid, t := range r.peers {
		peers[pid] = t
	}
	r.mu.Unlock()

	for pid, t := range peers {
		if pid == id {
			continue
		}
		t.setOnline(id, true)
	}
}

// Heal restores a previously partitioned link.
func (r *Registry) Heal(a, b zabtypes.ServerID) {
	if ta, ok := r.lookup(a); ok {
		ta.setOnline(b, true)
	}
	if tb, ok := r.lookup(b); ok {
		tb.setOnline(a, true)
	}
}

// MemoryTransport is a Transport backed by Go channels within one process,
// used by tests and the in-process integration harness.
type MemoryTransport struct {
	self zabtypes.ServerID
	reg  *Registry

	inbox chan MessageTuple

	mu     sync.Mutex
	online map[zabtypes.ServerID]bool
}

func (t *MemoryTransport) Self() zabtypes.ServerID { return t.self }

func (t *MemoryTransport) Inbox() <-chan MessageTuple { return t.inbox }

func (t *MemoryTransport) setOnline(peer zabtypes.ServerID, up bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.online == nil {
		t.online = make(map[zabtypes.ServerID]bool)
	}
	t.online[peer] = up
}

func (t *MemoryTransport) isOnline(peer zabtypes.ServerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	up, seen := t.online[peer]
	return !seen || up
}

func (t *MemoryTransport) Send(peer zabtypes.ServerID, msg Message) error {
	if peer == t.self {
		t.deliver(MessageTuple{Source: t.self, Msg: msg})
		return nil
	}

	if !t.isOnline(peer) {
		return fmt.Errorf("transport: %s is partitioned from %s", t.self, peer)
	}

	dst, ok := t.reg.lookup(peer)
	if !ok {
		return fmt.Errorf("transport: unknown peer %s", peer)
	}
	if !dst.isOnline(t.self) {
		return fmt.Errorf("transport: %s is partitioned from %s", peer, t.self)
	}

	dst.deliver(MessageTuple{Source: t.self, Msg: msg})
	return nil
}

func (t *MemoryTransport) Broadcast(peers []zabtypes.ServerID, msg Message) error {
	var firstErr error
	for _, p := range peers {
		if p == t.self {
			continue
		}
		if err := t.Send(p, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// deliver blocks when the inbox is full, the same backpressure a real
// transport's bounded send queue would apply.
func (t *MemoryTransport) deliver(tup MessageTuple) {
	t.inbox <- tup
}

// Clear tears down the connection to peer. Channel-backed links have no
// per-connection state to discard and reconnect implicitly on the next
// Send, so only partitions installed by the Registry persist across it.
func (t *MemoryTransport) Clear(peer zabtypes.ServerID) {}
