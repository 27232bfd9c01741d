package transport

import "zab/internal/zabtypes"

// Transport is the contract the core relies on from the framed byte-channel
// between named peers: for each ordered pair (self, peer), messages sent
// self->peer are delivered in order or not at all, duplicates are never
// produced, a disconnect surfaces as a MessageTuple with Disconnected set,
// and Clear forces a teardown so a later reconnect can succeed.
type Transport interface {
	// Send enqueues msg for delivery to peer. Send never blocks on the
	// network; it is safe to call from any processor goroutine.
	Send(peer zabtypes.ServerID, msg Message) error

	// Broadcast sends msg to every peer in the current configuration
	// except self.
	Broadcast(peers []zabtypes.ServerID, msg Message) error

	// Inbox is the single queue this participant reads from.
	Inbox() <-chan MessageTuple

	// Clear tears down the connection to peer, discarding any
	// in-flight state, so a subsequent Send/reconnect starts clean.
	Clear(peer zabtypes.ServerID)

	// Self returns this transport's own server id.
	Self() zabtypes.ServerID
}
