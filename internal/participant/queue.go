package participant

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zab/internal/metrics"
	"zab/internal/transport"
	"zab/internal/zabtypes"
)

// msgPolicy is the per-phase filtering getMessage applies to the inbound
// queue: which role's stray messages to drop, whose disconnect is fatal.
type msgPolicy struct {
	role   zabtypes.Role
	leader zabtypes.ServerID

	// onDisconnect overrides the default disconnect handling (fatal for
	// the elected leader, clear-and-continue otherwise). Returning a
	// non-nil error aborts getMessage with it.
	onDisconnect func(peer zabtypes.ServerID) error
}

// getMessage blocks for the next protocol message, enforcing the per-phase
// queue policy: timeouts unwind the round, GO_BACK from the oracle unwinds
// the round, disconnects of the peer-of-interest unwind the round, and
// messages belonging to the wrong role get their source connection cleared.
func (p *Participant) getMessage(ctx context.Context, gb <-chan struct{}, pol msgPolicy) (transport.MessageTuple, error) {
	timer := time.NewTimer(p.cfg.Timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return transport.MessageTuple{}, zabtypes.ErrCancelled
		case <-gb:
			return transport.MessageTuple{}, fmt.Errorf("oracle restarted the round: %w", zabtypes.ErrBackToElection)
		case <-timer.C:
			return transport.MessageTuple{}, fmt.Errorf("no message within %v: %w", p.cfg.Timeout, zabtypes.ErrTimeout)
		case tup := <-p.trans.Inbox():
			if tup.GoBack {
				return transport.MessageTuple{}, fmt.Errorf("go-back sentinel: %w", zabtypes.ErrBackToElection)
			}
			if tup.Disconnected {
				if err := p.handleDisconnect(tup.DisconnectedPeer, pol); err != nil {
					return transport.MessageTuple{}, err
				}
				continue
			}

			metrics.MessagesTotal.WithLabelValues(tup.Msg.Type.String()).Inc()

			if pol.role == zabtypes.RoleFollowing && tup.Msg.Type == transport.ProposedEpoch {
				// Closing the connection helps the peer pick the
				// right leader faster.
				slog.Debug("got PROPOSED_EPOCH while following, clearing source", "source", tup.Source)
				p.trans.Clear(tup.Source)
				continue
			}
			if pol.role == zabtypes.RoleLeading && leaderOnlyMessage(tup.Msg.Type) {
				slog.Debug("got leader-role message while leading, clearing source", "source", tup.Source, "type", tup.Msg.Type)
				p.trans.Clear(tup.Source)
				continue
			}

			return tup, nil
		}
	}
}

func (p *Participant) handleDisconnect(peer zabtypes.ServerID, pol msgPolicy) error {
	if pol.onDisconnect != nil {
		return pol.onDisconnect(peer)
	}
	if pol.role == zabtypes.RoleFollowing && peer == pol.leader {
		return fmt.Errorf("lost elected leader %s: %w", peer, zabtypes.ErrBackToElection)
	}
	slog.Debug("lost peer", "peer", peer)
	p.trans.Clear(peer)
	return nil
}

// getExpectedMessage loops getMessage until a message of the wanted type
// arrives from the wanted peer, discarding everything else.
func (p *Participant) getExpectedMessage(ctx context.Context, gb <-chan struct{}, pol msgPolicy, want transport.MessageType, from zabtypes.ServerID) (transport.MessageTuple, error) {
	for {
		tup, err := p.getMessage(ctx, gb, pol)
		if err != nil {
			return tup, err
		}
		if tup.Msg.Type == want && (from == "" || tup.Source == from) {
			return tup, nil
		}
		slog.Debug("discarding unexpected message",
			"want", want, "from", from, "got", tup.Msg.Type, "source", tup.Source)
	}
}

// leaderOnlyMessage reports whether only a leader originates this type, so
// a leading participant receiving one knows the sender is confused about
// who leads.
func leaderOnlyMessage(t transport.MessageType) bool {
	switch t {
	case transport.NewEpoch, transport.NewLeader, transport.Diff,
		transport.Truncate, transport.Snapshot, transport.Commit:
		return true
	}
	return false
}
