// Package election defines the external leader oracle the participant
// phase machine depends on. Producing the one leader id for a round is
// out of scope for the replication core (it might be backed by a separate
// leader-election protocol, a lock service, or a static configuration); the
// core only needs to ask "who is leader now" and to be told "go back to
// electing".
package election

import "zab/internal/zabtypes"

// Oracle returns a leader id on demand. LeaderID may block until the oracle
// has an opinion. GoBack returns a channel that is signaled when the oracle
// wants the participant to restart its round (e.g. because it detected the
// current leader is no longer valid); subscribe once per round.
type Oracle interface {
	LeaderID() (zabtypes.ServerID, error)
	GoBack() <-chan struct{}
}
