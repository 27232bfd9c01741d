// Package statemachine defines the application-facing callback contract the
// CommitProcessor delivers to. The application state machine itself — how
// it interprets transaction bodies, how it produces snapshots — is out of
// scope for the replication core; only this interface is.
package statemachine

import "zab/internal/zabtypes"

// StateMachine receives delivered transactions and role/phase transitions
// from a participant in strict zxid order, exactly once per transaction.
//
// Save/Restore round-trip opaque application snapshots used during the
// SNAPSHOT synchronization strategy. A restored snapshot is assumed to
// carry its own high-watermark; after a Restore the participant advances
// its delivery watermark to the snapshot's zxid and does not deliver
// transactions at or below it.
type StateMachine interface {
	// Deliver hands a committed transaction to the application in
	// strictly increasing zxid order. It must not be called twice for
	// the same zxid.
	Deliver(txn zabtypes.Transaction)

	// Leading is called once a participant finishes SYNCHRONIZING as
	// leader, with the cluster it now leads.
	Leading(peers []zabtypes.ServerID)

	// Following is called once a participant finishes SYNCHRONIZING as
	// follower, naming the leader it now follows.
	Following(leader zabtypes.ServerID)

	// ClusterChange notifies the application that the last-seen
	// configuration changed.
	ClusterChange(peers []zabtypes.ServerID)

	// Save asks the application for a snapshot to ship to a lagging
	// follower under the SNAPSHOT strategy.
	Save() ([]byte, error)

	// Restore installs a snapshot received under the SNAPSHOT strategy.
	Restore(snapshot []byte) error

	// StateChanged is an observability hook fired on every phase transition.
	StateChanged(phase zabtypes.Phase)
}
